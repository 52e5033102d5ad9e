// Package ddp implements the device discovery protocol: an ASCII key:value
// datagram format spoken over UDP, used to find consoles on the LAN, poll
// their power state and deliver wakeup/launch requests.
package ddp

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	// DevicePort is the fixed UDP port the console listens on. Binding it
	// locally requires elevated privileges, which the credential exchange
	// service relies on.
	DevicePort = 987

	// DefaultLocalPort is the preferred source port for discovery. The
	// console answers any source port, this one just keeps firewalls happy.
	DefaultLocalPort = 1987

	Version = "00020020"
)

const (
	TypeSearch = "SRCH"
	TypeWakeup = "WAKEUP"
	TypeLaunch = "LAUNCH"
)

// Power states derived from the numeric status code.
const (
	StatusAwake   = 200
	StatusStandby = 620
)

type State byte

const (
	StateUnknown State = iota
	StateAwake
	StateStandby
)

func (s State) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateStandby:
		return "standby"
	}
	return "unknown"
}

// Msg is a client-side datagram: a request line plus key:value fields.
type Msg struct {
	Type   string
	Fields map[string]string
}

func (m *Msg) Get(key string) string {
	return m.Fields[key]
}

// Credential returns the pairing token carried by WAKEUP/LAUNCH messages.
func (m *Msg) Credential() string {
	return m.Fields["user-credential"]
}

func SearchMsg() []byte {
	return buildMsg(TypeSearch, nil)
}

func WakeupMsg(credential string) []byte {
	return buildMsg(TypeWakeup, map[string]string{
		"user-credential": credential,
		"client-type":     "a",
		"auth-type":       "C",
	})
}

func LaunchMsg(credential string) []byte {
	return buildMsg(TypeLaunch, map[string]string{
		"user-credential": credential,
		"client-type":     "a",
		"auth-type":       "C",
	})
}

func buildMsg(msgType string, fields map[string]string) []byte {
	var sb strings.Builder
	sb.WriteString(msgType)
	sb.WriteString(" * HTTP/1.1\n")

	// stable order so identical messages are byte-identical
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(fields[k])
		sb.WriteByte('\n')
	}

	sb.WriteString("device-discovery-protocol-version:" + Version + "\n")
	return []byte(sb.String())
}

// ParseMsg decodes a client-side datagram (the kind the credential
// exchange service receives from a companion app).
func ParseMsg(b []byte) (*Msg, error) {
	lines := strings.Split(string(b), "\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("ddp: empty message")
	}

	msgType, rest, ok := strings.Cut(strings.TrimSpace(lines[0]), " ")
	if !ok || !strings.HasPrefix(rest, "*") {
		return nil, fmt.Errorf("ddp: bad request line %q", lines[0])
	}

	switch msgType {
	case TypeSearch, TypeWakeup, TypeLaunch:
	default:
		return nil, fmt.Errorf("ddp: unknown message type %q", msgType)
	}

	msg := &Msg{Type: msgType, Fields: map[string]string{}}
	for _, line := range lines[1:] {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			msg.Fields[k] = v
		}
	}
	return msg, nil
}

// Status is a decoded console status response. Fields keeps everything the
// console sent, including capability flags a newer firmware may add.
type Status struct {
	Addr   string // host:port the response came from
	Host   string // IP only
	Code   int
	Text   string
	Fields map[string]string
}

func (s *Status) State() State {
	switch s.Code {
	case StatusAwake:
		return StateAwake
	case StatusStandby:
		return StateStandby
	}
	return StateUnknown
}

func (s *Status) Get(key string) string   { return s.Fields[key] }
func (s *Status) HostID() string          { return s.Fields["host-id"] }
func (s *Status) HostName() string        { return s.Fields["host-name"] }
func (s *Status) HostType() string        { return s.Fields["host-type"] }
func (s *Status) TitleID() string         { return s.Fields["running-app-titleid"] }
func (s *Status) TitleName() string       { return s.Fields["running-app-name"] }
func (s *Status) SystemVersion() string   { return s.Fields["system-version"] }
func (s *Status) ProtocolVersion() string { return s.Fields["device-discovery-protocol-version"] }

// ParseStatus decodes a console status response:
//
//	HTTP/1.1 200 Ok
//	host-id:1234567890AB
//	host-name:Bedroom
//	...
//
// Unknown status codes are kept as-is and map to StateUnknown.
func ParseStatus(b []byte) (*Status, error) {
	lines := strings.Split(string(b), "\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("ddp: empty response")
	}

	first := strings.TrimSpace(lines[0])
	rest, ok := strings.CutPrefix(first, "HTTP/1.1 ")
	if !ok {
		return nil, fmt.Errorf("ddp: bad status line %q", first)
	}

	codeStr, text, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return nil, fmt.Errorf("ddp: bad status code %q", codeStr)
	}

	status := &Status{Code: code, Text: text, Fields: map[string]string{}}
	for _, line := range lines[1:] {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			status.Fields[k] = v
		}
	}
	return status, nil
}

// StatusMsg renders a console-shaped status response. Real consoles send
// these in reply to SRCH; the credential exchange service sends them to
// impersonate one.
func StatusMsg(code int, text string, fields map[string]string) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP/1.1 %d %s\n", code, text)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(fields[k])
		sb.WriteByte('\n')
	}

	sb.WriteString("device-discovery-protocol-version:" + Version + "\n")
	return []byte(sb.String())
}
