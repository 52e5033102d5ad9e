// Package devices keeps the registry of known consoles: entries from the
// YAML config, entries from the persistent store, and consoles found by
// a network scan.
package devices

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/psremote/psremote/internal/app"
	"github.com/psremote/psremote/internal/store"
	"github.com/psremote/psremote/pkg/ddp"
	"github.com/psremote/psremote/pkg/device"
)

var log zerolog.Logger

func Init() error {
	var cfg struct {
		Mod map[string]struct {
			Host       string `yaml:"host"`
			HostID     string `yaml:"host_id"`
			Credential string `yaml:"credential"`
		} `yaml:"devices"`
	}

	app.LoadConfig(&cfg)

	log = app.GetLogger("devices")

	var err error
	if storage, err = store.OpenDefault(); err != nil {
		return err
	}

	for _, e := range storage.All() {
		add(e.Record.Name, device.New(e.Record, e.Credential))
	}

	// config entries win over stored ones with the same name
	for name, conf := range cfg.Mod {
		record := device.Record{Host: conf.Host, ID: conf.HostID, Name: name}
		credential := device.Credential{Data: conf.Credential, HostID: conf.HostID}
		add(name, device.New(record, credential))
	}

	log.Debug().Int("count", len(items)).Msg("[devices] init")
	return nil
}

var mu sync.Mutex
var items = map[string]*device.Device{}
var storage *store.Store

func add(name string, d *device.Device) {
	if name == "" {
		name = d.Record.ID
	}
	mu.Lock()
	items[name] = d
	mu.Unlock()
}

// Get finds a console by registry name, host id or host address.
func Get(name string) *device.Device {
	mu.Lock()
	defer mu.Unlock()

	if d, ok := items[name]; ok {
		return d
	}
	for _, d := range items {
		if d.Record.ID == name || d.Record.Host == name {
			return d
		}
	}
	return nil
}

// All returns a name => device snapshot of the registry.
func All() map[string]*device.Device {
	mu.Lock()
	defer mu.Unlock()

	all := make(map[string]*device.Device, len(items))
	for name, d := range items {
		all[name] = d
	}
	return all
}

// Scan broadcasts a discovery search and folds the answers back into the
// registry and the store. Unknown consoles are registered without a
// credential, so they show up as pairable.
func Scan(timeout time.Duration) ([]*ddp.Status, error) {
	var client ddp.Client

	found, err := device.Discover(&client, timeout)
	if err != nil {
		return nil, err
	}

	for _, status := range found {
		record := device.RecordFromStatus(status)

		if d := Get(record.ID); d != nil {
			d.Record.Update(status)
			d.Record.Host = record.Host
			if err = storage.Update(d.Record); err != nil {
				log.Warn().Err(err).Msg("[devices] store update")
			}
			continue
		}

		log.Info().Str("id", record.ID).Str("name", record.Name).Msg("[devices] new console")
		add(record.Name, device.New(record, device.Credential{}))
	}

	return found, nil
}

// Pair harvests a credential for the console with hostID, stores it and
// attaches it to the registry entry.
func Pair(name, hostID string, timeout time.Duration) (device.Credential, error) {
	credential, err := device.Pair(name, hostID, timeout)
	if err != nil {
		return device.Credential{}, err
	}

	d := Get(hostID)
	if d == nil {
		d = device.New(device.Record{ID: hostID, Name: name}, credential)
		add(name, d)
	} else {
		d.Credential = credential
	}

	if err = storage.Put(store.Entry{Record: d.Record, Credential: credential}); err != nil {
		return device.Credential{}, err
	}

	log.Info().Str("id", hostID).Msg("[devices] paired")
	return credential, nil
}

// Forget drops a console from the registry and the store.
func Forget(name string) error {
	d := Get(name)
	if d == nil {
		return nil
	}
	_ = d.Close()

	mu.Lock()
	for k, v := range items {
		if v == d {
			delete(items, k)
		}
	}
	mu.Unlock()

	return storage.Forget(d.Record.ID)
}
