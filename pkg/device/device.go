// Package device ties discovery, pairing and the control session together
// behind a single per-console handle.
package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psremote/psremote/pkg/control"
	"github.com/psremote/psremote/pkg/ddp"
	"github.com/psremote/psremote/pkg/pair"
)

// Record identifies one console. Created from the first discovery
// response, refreshed (name, firmware flags) on every later one, never
// deleted here - forgetting a console is a persistence concern.
type Record struct {
	Host            string `json:"host"`
	ID              string `json:"host_id"`
	Name            string `json:"host_name,omitempty"`
	Type            string `json:"host_type,omitempty"`
	SystemVersion   string `json:"system_version,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func RecordFromStatus(status *ddp.Status) Record {
	r := Record{Host: status.Host, ID: status.HostID()}
	r.Update(status)
	return r
}

// Update refreshes the mutable fields from a fresh status response. The
// firmware/protocol versions act as opaque capability flags.
func (r *Record) Update(status *ddp.Status) {
	if v := status.HostName(); v != "" {
		r.Name = v
	}
	if v := status.HostType(); v != "" {
		r.Type = v
	}
	if v := status.SystemVersion(); v != "" {
		r.SystemVersion = v
	}
	if v := status.ProtocolVersion(); v != "" {
		r.ProtocolVersion = v
	}
}

// Credential is the long-lived pairing token. Opaque bytes, bound to
// exactly one console id; the console itself rejects it anywhere else.
type Credential struct {
	Data   string `json:"credential"`
	HostID string `json:"host_id"`
}

// Device is the façade handle for one console. It holds no protocol state
// beyond its constituents; closing it closes any open control session.
type Device struct {
	Record     Record
	Credential Credential

	DDP         ddp.Client    // zero value = real ports
	ControlPort int           // 0 = control.Port
	Timeout     time.Duration // per operation, 0 = sensible default
	ClientName  string

	mu      sync.Mutex
	session *control.Session
}

func New(record Record, credential Credential) *Device {
	return &Device{Record: record, Credential: credential}
}

func (d *Device) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return 3 * time.Second
}

// Status probes the console over discovery and refreshes the record.
func (d *Device) Status() (*ddp.Status, error) {
	status, err := d.DDP.Probe(d.Record.Host, d.timeout())
	if err != nil {
		return nil, err
	}
	d.Record.Update(status)
	return status, nil
}

// Wakeup powers on a console in standby. Power state afterwards is only
// observable via Status - the console never acks a wakeup.
func (d *Device) Wakeup() error {
	return d.DDP.Wakeup(d.Record.Host, d.Credential.Data)
}

// Launch asks the console to start the remote session host app.
func (d *Device) Launch() error {
	return d.DDP.Launch(d.Record.Host, d.Credential.Data)
}

// Connect opens the authenticated control session. pin is only needed the
// first time a client id logs in (the console shows it under mobile app
// connection settings); pass "" afterwards.
func (d *Device) Connect(pin string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != nil && d.session.State() == control.StateReady {
		return nil
	}

	s := control.NewSession(d.Record.Host)
	s.Port = d.ControlPort
	s.Timeout = d.timeout()
	s.ClientName = d.ClientName
	s.ClientID = uuid.NewString()

	if err := s.Connect(d.Credential.Data, pin); err != nil {
		return err
	}
	d.session = s
	return nil
}

// SessionState reports the control session state, StateClosed when no
// session was ever opened.
func (d *Device) SessionState() control.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return control.StateClosed
	}
	return d.session.State()
}

func (d *Device) controlSession() (*control.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, fmt.Errorf("%w: not connected", control.ErrState)
	}
	return d.session, nil
}

// Standby sends the console to rest mode and drops the session.
func (d *Device) Standby() error {
	s, err := d.controlSession()
	if err != nil {
		return err
	}
	if err = s.Standby(); err != nil {
		return err
	}
	return d.Close()
}

func (d *Device) StartTitle(titleID string) error {
	s, err := d.controlSession()
	if err != nil {
		return err
	}
	return s.StartTitle(titleID)
}

func (d *Device) RemoteControl(key control.Key, hold time.Duration) error {
	s, err := d.controlSession()
	if err != nil {
		return err
	}
	return s.RemoteControl(key, hold)
}

// PollStatus asks over the open control channel, not discovery.
func (d *Device) PollStatus() (*control.Status, error) {
	s, err := d.controlSession()
	if err != nil {
		return nil, err
	}
	return s.PollStatus()
}

// Close drops the control session, if any. The device handle stays usable
// for discovery and a later reconnect.
func (d *Device) Close() error {
	d.mu.Lock()
	s := d.session
	d.session = nil
	d.mu.Unlock()

	if s != nil {
		return s.Close()
	}
	return nil
}

// Discover runs one broadcast scan and returns the consoles that answered.
func Discover(client *ddp.Client, timeout time.Duration) ([]*ddp.Status, error) {
	return client.Scan(timeout)
}

// Pair harvests a pairing credential by impersonating a console named
// hostName to the official companion app, and binds it to hostID.
func Pair(hostName, hostID string, timeout time.Duration) (Credential, error) {
	service := &pair.Service{
		HostID:   newHostID(),
		HostName: hostName,
	}

	data, err := service.Listen(timeout)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Data: string(data), HostID: hostID}, nil
}

// newHostID fabricates the console id shown to the companion app during
// impersonation. Any 12 hex digits work; a uuid slice keeps it unique.
func newHostID() string {
	id := uuid.New()
	return fmt.Sprintf("%012X", id[:6])
}
