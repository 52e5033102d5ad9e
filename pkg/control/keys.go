package control

import "fmt"

// Key is a remote control key code. Values are the bitmask codes from the
// console's remote control protocol.
type Key uint32

const (
	KeyUp      Key = 0x10
	KeyDown    Key = 0x20
	KeyLeft    Key = 0x40
	KeyRight   Key = 0x80
	KeyEnter   Key = 0x10000
	KeyBack    Key = 0x20000
	KeyOption  Key = 0x40000
	KeyPS      Key = 0x80000
	KeyOff     Key = 0x100000
	KeyCancel  Key = 0x200000
	KeyOpenRC  Key = 0x400000
	KeyCloseRC Key = 0x800000
)

var keyNames = map[string]Key{
	"up":     KeyUp,
	"down":   KeyDown,
	"left":   KeyLeft,
	"right":  KeyRight,
	"enter":  KeyEnter,
	"back":   KeyBack,
	"option": KeyOption,
	"ps":     KeyPS,
	"cancel": KeyCancel,
}

// ParseKey maps a user facing key name to its wire code.
func ParseKey(name string) (Key, error) {
	if key, ok := keyNames[name]; ok {
		return key, nil
	}
	return 0, fmt.Errorf("control: unknown key %q", name)
}

// KeyNames lists the user facing key names (for CLI help).
func KeyNames() []string {
	names := make([]string, 0, len(keyNames))
	for name := range keyNames {
		names = append(names, name)
	}
	return names
}
