package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psremote/psremote/pkg/crypt"
	"github.com/psremote/psremote/pkg/ddp"
	"github.com/psremote/psremote/pkg/frame"
)

const testCredential = "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"

func TestConnectAndCommands(t *testing.T) {
	c := newConsole(t, testCredential)
	c.titleID = "CUSA10000"
	c.titleName = "GameX"

	s := c.connect(t, testCredential)

	require.NoError(t, s.RemoteControl(KeyPS, 0))
	require.NoError(t, s.StartTitle("CUSA10000"))
	require.NoError(t, s.Standby())
	require.Equal(t, StateReady, s.State())
}

func TestPollStatusIdempotent(t *testing.T) {
	c := newConsole(t, testCredential)
	c.titleID = "CUSA10000"
	c.titleName = "GameX"

	s := c.connect(t, testCredential)

	for i := 0; i < 3; i++ {
		status, err := s.PollStatus()
		require.NoError(t, err)
		require.Equal(t, uint32(200), status.Code)
		require.Equal(t, ddp.StateAwake, status.State())
		require.Equal(t, "CUSA10000", status.TitleID)
		require.Equal(t, "GameX", status.TitleName)
		require.Equal(t, StateReady, s.State())
	}
}

func TestLoginRejected(t *testing.T) {
	c := newConsole(t, testCredential)

	s := NewSession("127.0.0.1")
	s.Port = c.port()

	// credential paired with a different console
	err := s.Connect("0000000000000000000000000000000000000000000000000000000000000000", "12345678")
	require.ErrorIs(t, err, ErrAuth)
	require.Equal(t, StateClosed, s.State())

	// closed session refuses commands without I/O
	require.ErrorIs(t, s.Standby(), ErrState)
}

func TestCommandBeforeReady(t *testing.T) {
	s := NewSession("127.0.0.1")
	require.Equal(t, StateClosed, s.State())

	err := s.RemoteControl(KeyEnter, 0)
	require.ErrorIs(t, err, ErrState)

	_, err = s.PollStatus()
	require.ErrorIs(t, err, ErrState)
}

func TestIntegrityFailureClosesSession(t *testing.T) {
	c := newConsole(t, testCredential)
	s := c.connect(t, testCredential)

	c.mu.Lock()
	c.corruptNext = true
	c.mu.Unlock()

	err := s.Standby()
	require.ErrorIs(t, err, crypt.ErrIntegrity)
	require.Equal(t, StateClosed, s.State())

	// nothing is delivered after a tamper
	require.ErrorIs(t, s.Standby(), ErrState)
}

func TestUnexpectedOpcode(t *testing.T) {
	c := newConsole(t, testCredential)
	s := c.connect(t, testCredential)

	c.mu.Lock()
	c.wrongOpNext = true
	c.mu.Unlock()

	err := s.RemoteControl(KeyUp, 0)
	require.ErrorIs(t, err, frame.ErrMalformed)
	require.Equal(t, StateClosed, s.State())
}

func TestCommandTimeoutKeepsSession(t *testing.T) {
	c := newConsole(t, testCredential)
	s := c.connect(t, testCredential)
	s.Timeout = 200 * time.Millisecond

	c.mu.Lock()
	c.dropNext = true
	c.mu.Unlock()

	err := s.RemoteControl(KeyDown, 0)
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, StateReady, s.State())

	// session still works; note the console queues no stale response
	require.NoError(t, s.RemoteControl(KeyUp, 0))
}

func TestCloseCancelsPendingCommand(t *testing.T) {
	c := newConsole(t, testCredential)
	s := c.connect(t, testCredential)
	s.Timeout = 5 * time.Second

	c.mu.Lock()
	c.dropNext = true
	c.mu.Unlock()

	errs := make(chan error, 1)
	go func() {
		errs <- s.Standby()
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending command not cancelled by Close")
	}
	require.Equal(t, StateClosed, s.State())
}

func TestDoubleConnect(t *testing.T) {
	c := newConsole(t, testCredential)
	s := c.connect(t, testCredential)

	err := s.Connect(testCredential, "12345678")
	require.ErrorIs(t, err, ErrState)
	require.Equal(t, StateReady, s.State())
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("ps")
	require.NoError(t, err)
	require.Equal(t, KeyPS, key)

	_, err = ParseKey("fire")
	require.Error(t, err)
}
