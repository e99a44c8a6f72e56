package portal

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

// FromBool wraps a boolean option value.
func FromBool(input bool) dbus.Variant {
	return dbus.MakeVariant(input)
}

// FromString wraps a string option value.
func FromString(input string) dbus.Variant {
	return dbus.MakeVariant(input)
}

// FromUint32 wraps a uint32 option value.
func FromUint32(input uint32) dbus.Variant {
	return dbus.MakeVariant(input)
}

// FromBytes wraps a NUL-terminated byte string (D-Bus "ay"), the encoding
// the portals use for file system paths.
func FromBytes(input string) dbus.Variant {
	return dbus.MakeVariant(append([]byte(input), 0))
}

// NewToken returns a handle token unique enough for one request.
func NewToken(prefix string) string {
	var b strings.Builder
	b.WriteString(prefix)
	n, err := rand.Int(rand.Reader, big.NewInt(1<<32))
	if err != nil {
		n = big.NewInt(0)
	}
	b.WriteString(strconv.FormatUint(n.Uint64(), 16))
	return b.String()
}

// StringResult reads a string entry from a response.
func StringResult(results map[string]dbus.Variant, key string) (string, bool) {
	v, ok := results[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	if !ok {
		if p, isPath := v.Value().(dbus.ObjectPath); isPath {
			return string(p), true
		}
	}
	return s, ok
}
