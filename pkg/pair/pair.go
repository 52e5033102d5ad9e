// Package pair implements the credential exchange service: it binds the
// console's privileged discovery port, answers a companion app's broadcast
// as if it were a console in standby, and harvests the long-lived pairing
// credential from the app's follow-up wakeup datagram.
//
// The credential bytes are opaque here. Only the field layout of the
// companion's datagram matters.
package pair

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/psremote/psremote/pkg/ddp"
)

var (
	// ErrPermission - could not bind the privileged port. Callers should
	// advise about elevation (setcap cap_net_bind_service or root) instead
	// of retrying.
	ErrPermission = errors.New("pair: binding privileged port denied")

	ErrState     = errors.New("pair: exchange already in progress")
	ErrTimeout   = errors.New("pair: timed out waiting for companion app")
	ErrCancelled = errors.New("pair: exchange cancelled")
)

type State byte

const (
	StateIdle State = iota
	StateListening
	StateChallenged
	StateWaitCredential
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateChallenged:
		return "challenged"
	case StateWaitCredential:
		return "wait-credential"
	case StateComplete:
		return "complete"
	}
	return "idle"
}

// Service impersonates a console for one credential exchange at a time.
type Service struct {
	HostID   string // fake console id shown to the companion app
	HostName string // name the user selects in the app
	Port     int    // 0 = ddp.DevicePort

	mu    sync.Mutex
	state State
	conn  *net.UDPConn
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listen runs one exchange and returns the extracted credential bytes.
// Only one exchange may be in flight; a second call while one is running
// fails with ErrState. A finished exchange (complete or not) leaves the
// service ready for another call.
func (s *Service) Listen(timeout time.Duration) ([]byte, error) {
	port := s.Port
	if port == 0 {
		port = ddp.DevicePort
	}

	s.mu.Lock()
	if s.state != StateIdle && s.state != StateComplete {
		s.mu.Unlock()
		return nil, ErrState
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		s.state = StateIdle
		s.mu.Unlock()
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermission, err)
		}
		return nil, err
	}

	s.state = StateListening
	s.conn = conn
	s.mu.Unlock()

	cred, err := s.exchange(conn, timeout)

	s.mu.Lock()
	if err == nil {
		s.state = StateComplete
	} else {
		s.state = StateIdle
	}
	s.conn = nil
	s.mu.Unlock()

	conn.Close()
	return cred, err
}

func (s *Service) exchange(conn *net.UDPConn, timeout time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	standby := ddp.StatusMsg(ddp.StatusStandby, "Server Standby", map[string]string{
		"host-id":           s.HostID,
		"host-name":         s.HostName,
		"host-type":         "PS5",
		"host-request-port": "997",
	})

	b := make([]byte, 2048)
	for {
		n, src, err := conn.ReadFromUDP(b)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return nil, ErrTimeout
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrCancelled
			}
			return nil, err
		}

		msg, err := ddp.ParseMsg(b[:n])
		if err != nil {
			continue // consoles and other scanners share this port
		}

		switch msg.Type {
		case ddp.TypeSearch:
			s.setState(StateChallenged)
			if _, err = conn.WriteToUDP(standby, src); err != nil {
				return nil, err
			}
			s.setState(StateWaitCredential)

		case ddp.TypeWakeup, ddp.TypeLaunch:
			if cred := msg.Credential(); cred != "" {
				return []byte(cred), nil
			}
		}
	}
}

func (s *Service) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Close cancels a pending exchange. The blocked Listen call returns
// ErrCancelled and the privileged port is released.
func (s *Service) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
