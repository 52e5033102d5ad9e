package control

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/psremote/psremote/pkg/crypt"
	"github.com/psremote/psremote/pkg/frame"
)

// console is a mock device speaking the real wire protocol on loopback.
type console struct {
	t          *testing.T
	ln         net.Listener
	credential string // accepted pairing credential
	titleID    string
	titleName  string

	mu          sync.Mutex
	corruptNext bool // flip a ciphertext bit in the next response
	dropNext    bool // swallow the next command without answering
	wrongOpNext bool // answer the next command with a bogus opcode
}

func newConsole(t *testing.T, credential string) *console {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	c := &console{t: t, ln: ln, credential: credential}
	go c.acceptLoop()
	return c
}

func (c *console) port() int {
	return c.ln.Addr().(*net.TCPAddr).Port
}

func (c *console) acceptLoop() {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return
		}
		go c.serve(conn)
	}
}

func (c *console) serve(conn net.Conn) {
	defer conn.Close()

	dec := &frame.Decoder{}

	// plaintext hello exchange
	f := c.read(conn, dec)
	if f == nil || f.Op != OpHello {
		return
	}
	clientNonce := f.Payload[4 : 4+crypt.NonceSize]

	serverNonce, err := crypt.Nonce()
	if err != nil {
		return
	}

	hello := make([]byte, 8, 8+crypt.NonceSize)
	binary.LittleEndian.PutUint32(hello, protocolVersion)
	hello = append(hello, serverNonce...)
	if _, err = conn.Write(frame.Encode(OpHello, hello)); err != nil {
		return
	}

	session, err := crypt.NewSession(crypt.RoleConsole, clientNonce, serverNonce)
	if err != nil {
		return
	}

	// encrypted login
	f = c.readSealed(conn, dec, session)
	if f == nil || f.Op != OpLogin {
		return
	}
	cred := trimPadded(f.Payload[:credentialSize])

	result := uint32(0)
	if cred != c.credential {
		result = 20 // login failed
	}
	rsp := make([]byte, 4)
	binary.LittleEndian.PutUint32(rsp, result)
	c.writeSealed(conn, session, OpLoginRsp, rsp)
	if result != 0 {
		return
	}

	// command loop
	for {
		if f = c.readSealed(conn, dec, session); f == nil {
			return
		}

		c.mu.Lock()
		drop := c.dropNext
		wrongOp := c.wrongOpNext
		c.dropNext = false
		c.wrongOpNext = false
		c.mu.Unlock()

		if drop {
			continue
		}

		switch f.Op {
		case OpStandby:
			c.writeSealed(conn, session, OpStandbyRsp, make([]byte, 4))
		case OpBoot:
			c.writeSealed(conn, session, OpBootRsp, make([]byte, 4))
		case OpRemote:
			op := uint32(OpRemoteRsp)
			if wrongOp {
				op = 0x99
			}
			c.writeSealed(conn, session, op, make([]byte, 4))
		case OpStatus:
			payload := make([]byte, 4, 4+titleIDSize+len(c.titleName))
			binary.LittleEndian.PutUint32(payload, 200)
			payload = appendPadded(payload, c.titleID, titleIDSize)
			payload = append(payload, c.titleName...)
			c.writeSealed(conn, session, OpStatus, payload)
		default:
			return
		}
	}
}

func (c *console) read(conn net.Conn, dec *frame.Decoder) *frame.Frame {
	b := make([]byte, 4096)
	for {
		if f, err := dec.Next(); f != nil || err != nil {
			return f
		}
		n, err := conn.Read(b)
		if err != nil {
			return nil
		}
		dec.Feed(b[:n])
	}
}

func (c *console) readSealed(conn net.Conn, dec *frame.Decoder, session *crypt.Session) *frame.Frame {
	f := c.read(conn, dec)
	if f == nil || len(f.Payload) < crypt.TagSize {
		return nil
	}
	ct := f.Payload[:len(f.Payload)-crypt.TagSize]
	f.Payload = session.Decrypt(ct)
	return f
}

func (c *console) writeSealed(conn net.Conn, session *crypt.Session, op uint32, payload []byte) {
	ct := session.Encrypt(payload)
	total := frame.HeaderSize + len(ct) + crypt.TagSize

	b := make([]byte, frame.HeaderSize, total)
	binary.LittleEndian.PutUint32(b, uint32(total))
	binary.LittleEndian.PutUint32(b[4:], op)
	b = append(b, ct...)
	tag := session.Tag(b[:frame.HeaderSize], ct)
	b = append(b, tag...)

	c.mu.Lock()
	if c.corruptNext {
		b[frame.HeaderSize] ^= 0x01 // single bit flip in the ciphertext
		c.corruptNext = false
	}
	c.mu.Unlock()

	_, _ = conn.Write(b)
}

func (c *console) connect(t *testing.T, credential string) *Session {
	t.Helper()
	s := NewSession("127.0.0.1")
	s.Port = c.port()
	require.NoError(t, s.Connect(credential, "12345678"))
	require.Equal(t, StateReady, s.State())
	t.Cleanup(func() { s.Close() })
	return s
}
