package devices

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/psremote/psremote/internal/store"
	"github.com/psremote/psremote/pkg/device"
)

func testRegistry(t *testing.T) {
	var err error
	storage, err = store.Open(filepath.Join(t.TempDir(), store.FileName))
	require.NoError(t, err)

	items = map[string]*device.Device{}
}

func TestGetByNameIDHost(t *testing.T) {
	testRegistry(t)

	d := device.New(device.Record{Host: "192.168.0.10", ID: "1234567890AB", Name: "Bedroom"}, device.Credential{})
	add("Bedroom", d)

	require.Same(t, d, Get("Bedroom"))
	require.Same(t, d, Get("1234567890AB"))
	require.Same(t, d, Get("192.168.0.10"))
	require.Nil(t, Get("Kitchen"))
}

func TestAddUnnamedUsesID(t *testing.T) {
	testRegistry(t)

	d := device.New(device.Record{Host: "192.168.0.11", ID: "0000567890AB"}, device.Credential{})
	add("", d)

	require.Same(t, d, Get("0000567890AB"))
	require.Len(t, All(), 1)
}

func TestForget(t *testing.T) {
	testRegistry(t)

	d := device.New(device.Record{ID: "1234567890AB", Name: "Bedroom"}, device.Credential{Data: "aabb"})
	add("Bedroom", d)
	require.NoError(t, storage.Put(store.Entry{Record: d.Record, Credential: d.Credential}))

	require.NoError(t, Forget("Bedroom"))
	require.Nil(t, Get("Bedroom"))
	_, ok := storage.Get("1234567890AB")
	require.False(t, ok)

	// unknown name is a no-op
	require.NoError(t, Forget("Kitchen"))
}
