package ddp

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrTimeout - no console answered within the caller's bound. Retry policy
// belongs to the caller, nothing here retries.
var ErrTimeout = errors.New("ddp: timeout")

const maxDatagram = 2048

// Client holds discovery settings. The zero value talks the real protocol
// on the real ports. Every operation opens and releases its own socket, so
// a Client is safe for concurrent use as long as two scans don't share a
// fixed LocalPort.
type Client struct {
	LocalPort  int    // 0 = DefaultLocalPort, falling back to ephemeral
	DevicePort int    // 0 = DevicePort
	Broadcast  string // "" = 255.255.255.255
}

func (c *Client) devicePort() int {
	if c.DevicePort != 0 {
		return c.DevicePort
	}
	return DevicePort
}

func (c *Client) listen() (*net.UDPConn, error) {
	port := c.LocalPort
	if port == 0 {
		port = DefaultLocalPort
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err == nil || c.LocalPort != 0 {
		return conn, err
	}
	// preferred port taken, ephemeral works just as well
	return net.ListenUDP("udp4", &net.UDPAddr{})
}

// Probe sends one search datagram to a specific console and decodes its
// status reply.
func (c *Client) Probe(host string, timeout time.Duration) (*Status, error) {
	conn, err := c.listen()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("ddp: bad host %q", host)
	}
	addr := &net.UDPAddr{IP: ip, Port: c.devicePort()}

	if _, err = conn.WriteToUDP(SearchMsg(), addr); err != nil {
		return nil, err
	}

	if err = conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	b := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(b)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return nil, ErrTimeout
			}
			return nil, err
		}

		if !src.IP.Equal(ip) {
			continue
		}

		status, err := ParseStatus(b[:n])
		if err != nil {
			continue // own SRCH echo or junk
		}

		status.Addr = src.String()
		status.Host = src.IP.String()
		return status, nil
	}
}

// Discover sends one broadcast search datagram and hands every status
// response to onstatus in arrival order until the timeout elapses or
// onstatus returns true.
func (c *Client) Discover(timeout time.Duration, onstatus func(*Status) bool) error {
	conn, err := c.listen()
	if err != nil {
		return err
	}
	defer conn.Close()

	broadcast := c.Broadcast
	if broadcast == "" {
		broadcast = "255.255.255.255"
	}
	ip := net.ParseIP(broadcast)
	if ip == nil {
		return fmt.Errorf("ddp: bad broadcast address %q", broadcast)
	}

	if _, err = conn.WriteToUDP(SearchMsg(), &net.UDPAddr{IP: ip, Port: c.devicePort()}); err != nil {
		return err
	}

	if err = conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	b := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(b)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return nil // scan window over
			}
			return err
		}

		status, err := ParseStatus(b[:n])
		if err != nil {
			continue
		}

		status.Addr = src.String()
		status.Host = src.IP.String()
		if onstatus(status) {
			return nil
		}
	}
}

// Scan collects one broadcast round of responses. Duplicate responses from
// the same console collapse last-write-wins; order is first arrival.
func (c *Client) Scan(timeout time.Duration) ([]*Status, error) {
	seen := map[string]int{}
	var statuses []*Status

	err := c.Discover(timeout, func(status *Status) bool {
		key := status.HostID()
		if key == "" {
			key = status.Addr
		}
		if i, ok := seen[key]; ok {
			statuses[i] = status
		} else {
			seen[key] = len(statuses)
			statuses = append(statuses, status)
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

// Wakeup delivers the credential-bearing power-on datagram. The console in
// standby never replies, so this is fire and forget.
func (c *Client) Wakeup(host, credential string) error {
	return c.send(host, WakeupMsg(credential))
}

// Launch asks an awake console to start the remote session host app.
func (c *Client) Launch(host, credential string) error {
	return c.send(host, LaunchMsg(credential))
}

func (c *Client) send(host string, msg []byte) error {
	conn, err := c.listen()
	if err != nil {
		return err
	}
	defer conn.Close()

	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("ddp: bad host %q", host)
	}

	_, err = conn.WriteToUDP(msg, &net.UDPAddr{IP: ip, Port: c.devicePort()})
	return err
}
