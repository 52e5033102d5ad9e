// Package control implements the authenticated TCP command channel to a
// console: nonce handshake, encrypted login, then remote commands and
// status polling over sealed frames.
package control

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/psremote/psremote/pkg/crypt"
	"github.com/psremote/psremote/pkg/ddp"
	"github.com/psremote/psremote/pkg/frame"
)

// Port is the console's fixed control port.
const Port = 997

const protocolVersion = 0x20000

const (
	OpHello      = 0x6f636370
	OpLogin      = 0x1e
	OpLoginRsp   = 0x07
	OpStandby    = 0x1a
	OpStandbyRsp = 0x1b
	OpBoot       = 0x0a
	OpBootRsp    = 0x0b
	OpRemote     = 0x1c
	OpRemoteRsp  = 0x1d
	OpStatus     = 0x14
)

// fixed field widths inside the login payload
const (
	credentialSize = 64
	clientIDSize   = 40
	clientNameSize = 64
	pinSize        = 16

	titleIDSize = 16
)

var (
	// ErrAuth - the console rejected the credential or PIN. The credential
	// itself is left alone: re-pairing is the caller's decision.
	ErrAuth = errors.New("control: login rejected")

	// ErrClosed - the session is closed; also the outcome of a call
	// cancelled by Close.
	ErrClosed = errors.New("control: session closed")

	// ErrState - operation not valid in the session's current state.
	ErrState = errors.New("control: invalid session state")

	// ErrTimeout - no response within the per-call bound. The call failed,
	// the session did not.
	ErrTimeout = errors.New("control: response timeout")
)

type State byte

const (
	StateClosed State = iota
	StateConnecting
	StateHandshaking
	StateAuthenticating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	}
	return "closed"
}

// Status is the console state reported over the control channel. Same
// status codes as discovery.
type Status struct {
	Code      uint32
	TitleID   string
	TitleName string
}

func (s *Status) State() ddp.State {
	switch s.Code {
	case ddp.StatusAwake:
		return ddp.StateAwake
	case ddp.StatusStandby:
		return ddp.StateStandby
	}
	return ddp.StateUnknown
}

// Session owns one TCP connection to a console. Commands are serialized:
// the protocol is a single request/response stream with no multiplexing
// ids, so one request is in flight at a time.
type Session struct {
	Host       string
	Port       int           // 0 = Port
	Timeout    time.Duration // per call, 0 = 5s
	ClientName string        // shown in the console's connected devices list
	ClientID   string

	// cmd serializes Connect and command round trips. mu guards the
	// mutable fields below and is never held across I/O, so Close can
	// always get in to cancel a blocked call.
	cmd sync.Mutex
	mu  sync.Mutex

	state State
	conn  net.Conn
	dec   frame.Decoder
	crypt *crypt.Session
}

func NewSession(host string) *Session {
	return &Session{Host: host}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return 5 * time.Second
}

// Connect runs the full state machine up to Ready: TCP connect, nonce
// handshake, encrypted login. A rejected login returns ErrAuth with the
// session closed. No transition skips the handshake or login.
func (s *Session) Connect(credential, pin string) error {
	s.cmd.Lock()
	defer s.cmd.Unlock()

	s.mu.Lock()
	if s.state != StateClosed {
		defer s.mu.Unlock()
		return fmt.Errorf("%w: connect in state %s", ErrState, s.state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	port := s.Port
	if port == 0 {
		port = Port
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(s.Host, fmt.Sprint(port)), s.timeout())
	if err != nil {
		s.fail(nil)
		return err
	}

	s.mu.Lock()
	if s.state != StateConnecting { // Close raced the dial
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.dec.Reset()
	s.state = StateHandshaking
	s.mu.Unlock()

	session, err := s.handshake(conn)
	if err != nil {
		s.fail(conn)
		return err
	}

	s.mu.Lock()
	if s.state != StateHandshaking {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.crypt = session
	s.state = StateAuthenticating
	s.mu.Unlock()

	if err = s.login(conn, session, credential, pin); err != nil {
		s.fail(conn)
		return err
	}

	s.mu.Lock()
	if s.state != StateAuthenticating {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.state = StateReady
	s.mu.Unlock()
	return nil
}

// handshake exchanges plaintext hello frames carrying the nonces and
// derives the session keys.
func (s *Session) handshake(conn net.Conn) (*crypt.Session, error) {
	clientNonce, err := crypt.Nonce()
	if err != nil {
		return nil, err
	}

	hello := make([]byte, 4, 4+crypt.NonceSize)
	binary.LittleEndian.PutUint32(hello, protocolVersion)
	hello = append(hello, clientNonce...)

	if err = s.writeFrame(conn, frame.Encode(OpHello, hello)); err != nil {
		return nil, err
	}

	f, err := s.readFrame(conn)
	if err != nil {
		return nil, err
	}
	if f.Op != OpHello || len(f.Payload) < 8+crypt.NonceSize {
		return nil, fmt.Errorf("%w: bad hello frame", frame.ErrMalformed)
	}
	if v := binary.LittleEndian.Uint32(f.Payload); v != protocolVersion {
		return nil, fmt.Errorf("control: unsupported protocol version %08x", v)
	}
	if result := binary.LittleEndian.Uint32(f.Payload[4:]); result != 0 {
		return nil, fmt.Errorf("control: handshake rejected, code %d", result)
	}
	serverNonce := f.Payload[8 : 8+crypt.NonceSize]

	return crypt.NewSession(crypt.RoleClient, clientNonce, serverNonce)
}

func (s *Session) login(conn net.Conn, session *crypt.Session, credential, pin string) error {
	if len(credential) > credentialSize {
		return fmt.Errorf("control: credential too long (%d bytes)", len(credential))
	}

	payload := make([]byte, 0, credentialSize+clientIDSize+clientNameSize+pinSize)
	payload = appendPadded(payload, credential, credentialSize)
	payload = appendPadded(payload, s.ClientID, clientIDSize)
	name := s.ClientName
	if name == "" {
		name = "psremote"
	}
	payload = appendPadded(payload, name, clientNameSize)
	payload = appendPadded(payload, pin, pinSize)

	if err := s.writeSealed(conn, session, OpLogin, payload); err != nil {
		return err
	}

	f, err := s.readSealed(conn, session)
	if err != nil {
		return err
	}
	if f.Op != OpLoginRsp || len(f.Payload) < 4 {
		return fmt.Errorf("%w: bad login response", frame.ErrMalformed)
	}
	if result := binary.LittleEndian.Uint32(f.Payload); result != 0 {
		return fmt.Errorf("%w: code %d", ErrAuth, result)
	}
	return nil
}

// Standby puts the console into rest mode.
func (s *Session) Standby() error {
	_, err := s.roundTrip(OpStandby, nil, OpStandbyRsp)
	return err
}

// StartTitle launches a title by its id (for example CUSA10000).
func (s *Session) StartTitle(titleID string) error {
	if len(titleID) > titleIDSize {
		return fmt.Errorf("control: title id %q too long", titleID)
	}
	payload := appendPadded(nil, titleID, titleIDSize)
	_, err := s.roundTrip(OpBoot, payload, OpBootRsp)
	return err
}

// RemoteControl presses one remote key with the given hold time.
func (s *Session) RemoteControl(key Key, hold time.Duration) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload, uint32(key))
	binary.LittleEndian.PutUint32(payload[4:], uint32(hold.Milliseconds()))
	_, err := s.roundTrip(OpRemote, payload, OpRemoteRsp)
	return err
}

// PollStatus requests a status frame on the open channel, without touching
// discovery. Repeated polls are independent and leave the session keys and
// state untouched.
func (s *Session) PollStatus() (*Status, error) {
	payload, err := s.roundTrip(OpStatus, nil, OpStatus)
	if err != nil {
		return nil, err
	}
	if len(payload) < 4+titleIDSize {
		return nil, fmt.Errorf("%w: short status frame", frame.ErrMalformed)
	}

	return &Status{
		Code:      binary.LittleEndian.Uint32(payload),
		TitleID:   trimPadded(payload[4 : 4+titleIDSize]),
		TitleName: trimPadded(payload[4+titleIDSize:]),
	}, nil
}

// roundTrip sends one sealed command frame and waits for its response.
// Ready state only; one caller at a time. State errors never touch the
// transport.
func (s *Session) roundTrip(op uint32, payload []byte, rspOp uint32) ([]byte, error) {
	s.cmd.Lock()
	defer s.cmd.Unlock()

	s.mu.Lock()
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s command in state %s", ErrState, opName(op), state)
	}
	conn, session := s.conn, s.crypt
	s.mu.Unlock()

	if err := s.writeSealed(conn, session, op, payload); err != nil {
		s.fail(conn)
		return nil, err
	}

	f, err := s.readSealed(conn, session)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return nil, err // call failed, session still Ready
		}
		s.fail(conn)
		return nil, err
	}

	if f.Op != rspOp {
		// "PS Command inconsistent": stream alignment can't be trusted
		s.fail(conn)
		return nil, fmt.Errorf("%w: opcode %#x, want %#x", frame.ErrMalformed, f.Op, rspOp)
	}

	if len(f.Payload) >= 4 && rspOp != OpStatus {
		if result := binary.LittleEndian.Uint32(f.Payload); result != 0 {
			return nil, fmt.Errorf("control: %s failed, code %d", opName(op), result)
		}
	}
	return f.Payload, nil
}

// Close moves the session to Closed and releases the connection. Safe to
// call from another goroutine: a pending command returns ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.state = StateClosed
	s.conn = nil
	s.crypt = nil
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// fail closes the transport after a fatal error, unless Close already did.
func (s *Session) fail(conn net.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.state = StateClosed
	s.crypt = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// writeSealed encrypts the payload and appends the integrity tag computed
// over the header and ciphertext.
func (s *Session) writeSealed(conn net.Conn, session *crypt.Session, op uint32, payload []byte) error {
	ct := session.Encrypt(payload)
	total := frame.HeaderSize + len(ct) + crypt.TagSize

	b := make([]byte, frame.HeaderSize, total)
	binary.LittleEndian.PutUint32(b, uint32(total))
	binary.LittleEndian.PutUint32(b[4:], op)
	b = append(b, ct...)
	b = append(b, session.Tag(b[:frame.HeaderSize], ct)...)

	return s.writeFrame(conn, b)
}

// readSealed reads one frame, checks its tag and decrypts the payload. A
// tag mismatch is fatal: the key streams cannot be trusted afterwards.
func (s *Session) readSealed(conn net.Conn, session *crypt.Session) (*frame.Frame, error) {
	f, err := s.readFrame(conn)
	if err != nil {
		return nil, err
	}
	if len(f.Payload) < crypt.TagSize {
		return nil, fmt.Errorf("%w: sealed frame without tag", frame.ErrMalformed)
	}

	ct := f.Payload[:len(f.Payload)-crypt.TagSize]
	tag := f.Payload[len(f.Payload)-crypt.TagSize:]

	// rebuild the exact header bytes the tag was computed over
	header := make([]byte, frame.HeaderSize)
	binary.LittleEndian.PutUint32(header, uint32(frame.HeaderSize+len(f.Payload)))
	binary.LittleEndian.PutUint32(header[4:], f.Op)

	if !session.Verify(tag, header, ct) {
		return nil, crypt.ErrIntegrity
	}

	f.Payload = session.Decrypt(ct)
	return f, nil
}

func (s *Session) writeFrame(conn net.Conn, b []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.timeout())); err != nil {
		return err
	}
	_, err := conn.Write(b)
	return mapNetErr(err)
}

func (s *Session) readFrame(conn net.Conn) (*frame.Frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.timeout())); err != nil {
		return nil, err
	}

	b := make([]byte, 4096)
	for {
		if f, err := s.dec.Next(); f != nil || err != nil {
			return f, err
		}

		n, err := conn.Read(b)
		if err != nil {
			return nil, mapNetErr(err)
		}
		s.dec.Feed(b[:n])
	}
}

func mapNetErr(err error) error {
	if err == nil {
		return nil
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

func appendPadded(b []byte, s string, size int) []byte {
	if len(s) > size {
		s = s[:size]
	}
	b = append(b, s...)
	return append(b, make([]byte, size-len(s))...)
}

func trimPadded(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}

func opName(op uint32) string {
	switch op {
	case OpLogin:
		return "login"
	case OpStandby:
		return "standby"
	case OpBoot:
		return "start"
	case OpRemote:
		return "remote"
	case OpStatus:
		return "status"
	}
	return fmt.Sprintf("%#x", op)
}
