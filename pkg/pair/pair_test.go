package pair

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psremote/psremote/pkg/ddp"
)

// companion mimics the official app: broadcast a search, expect a standby
// status back, then deliver the credential in a wakeup datagram.
func companion(t *testing.T, port int, credential string) {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	_, err = conn.WriteToUDP(ddp.SearchMsg(), target)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	b := make([]byte, 2048)
	n, _, err := conn.ReadFromUDP(b)
	require.NoError(t, err)

	status, err := ddp.ParseStatus(b[:n])
	require.NoError(t, err)
	require.Equal(t, ddp.StateStandby, status.State())
	require.Equal(t, "psremote", status.HostName())

	_, err = conn.WriteToUDP(ddp.WakeupMsg(credential), target)
	require.NoError(t, err)
}

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func TestExchange(t *testing.T) {
	s := &Service{HostID: "1234567890AB", HostName: "psremote", Port: freePort(t)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// give the service time to bind before broadcasting
		time.Sleep(50 * time.Millisecond)
		companion(t, s.Port, "aabbccddeeff00112233445566778899")
	}()

	cred, err := s.Listen(3 * time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("aabbccddeeff00112233445566778899"), cred)
	require.Equal(t, StateComplete, s.State())

	<-done

	// a completed service accepts another exchange
	go func() {
		time.Sleep(50 * time.Millisecond)
		companion(t, s.Port, "second")
	}()
	cred, err = s.Listen(3 * time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), cred)
}

func TestSecondListenFails(t *testing.T) {
	s := &Service{HostName: "psremote", Port: freePort(t)}

	errs := make(chan error, 1)
	go func() {
		_, err := s.Listen(2 * time.Second)
		errs <- err
	}()

	// wait for the first exchange to be in flight
	for i := 0; s.State() != StateListening && i < 100; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, StateListening, s.State())

	_, err := s.Listen(time.Second)
	require.ErrorIs(t, err, ErrState)

	require.NoError(t, s.Close())
	require.ErrorIs(t, <-errs, ErrCancelled)
}

func TestTimeout(t *testing.T) {
	s := &Service{HostName: "psremote", Port: freePort(t)}

	_, err := s.Listen(100 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, StateIdle, s.State())
}

func TestCancelReleasesPort(t *testing.T) {
	s := &Service{HostName: "psremote", Port: freePort(t)}

	errs := make(chan error, 1)
	go func() {
		_, err := s.Listen(5 * time.Second)
		errs <- err
	}()

	for i := 0; s.State() != StateListening && i < 100; i++ {
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, s.Close())
	require.ErrorIs(t, <-errs, ErrCancelled)

	// port is free again
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: s.Port})
	require.NoError(t, err)
	conn.Close()
}
