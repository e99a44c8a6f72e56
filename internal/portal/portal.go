// Package portal is a small client for the XDG desktop portal D-Bus API.
package portal

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	ObjectName        = "org.freedesktop.portal.Desktop"
	ObjectPath        = "/org/freedesktop/portal/desktop"
	CallBaseName      = "org.freedesktop.portal"
	PropertiesGetName = "org.freedesktop.DBus.Properties.Get"

	requestPathPrefix = ObjectPath + "/request/"
)

// Conn is a session bus connection used for portal calls.
type Conn struct {
	bus *dbus.Conn
}

// Connect returns a Conn on the shared session bus.
func Connect() (*Conn, error) {
	bus, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("session bus: %w", err)
	}
	return &Conn{bus: bus}, nil
}

// NewConn wraps an existing bus connection.
func NewConn(bus *dbus.Conn) *Conn {
	return &Conn{bus: bus}
}

// Call invokes method on the portal object at path and returns the call for
// the caller to Store results from.
func (c *Conn) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) (*dbus.Call, error) {
	if path == "" {
		path = ObjectPath
	}
	call := c.bus.Object(ObjectName, path).CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return nil, fmt.Errorf("%s: %w", method, call.Err)
	}
	return call, nil
}

// Property reads a property of a portal interface.
func (c *Conn) Property(ctx context.Context, iface, property string) (any, error) {
	call, err := c.Call(ctx, ObjectPath, PropertiesGetName, iface, property)
	if err != nil {
		return nil, err
	}

	var value dbus.Variant
	if err := call.Store(&value); err != nil {
		return nil, fmt.Errorf("%s.%s: %w", iface, property, err)
	}
	return value.Value(), nil
}

// Uint32Property reads a uint32 property.
func (c *Conn) Uint32Property(ctx context.Context, iface, property string) (uint32, error) {
	value, err := c.Property(ctx, iface, property)
	if err != nil {
		return 0, err
	}
	result, ok := value.(uint32)
	if !ok {
		return 0, fmt.Errorf("property %s returned unexpected type %T", property, value)
	}
	return result, nil
}

// RequestPath predicts the Request object path the portal creates for token,
// so the Response signal can be matched before the call is made.
func (c *Conn) RequestPath(token string) dbus.ObjectPath {
	return dbus.ObjectPath(requestPathPrefix + senderPathElement(c.uniqueName()) + "/" + token)
}

// SessionPath predicts the Session object path for a session handle token.
func (c *Conn) SessionPath(token string) dbus.ObjectPath {
	return dbus.ObjectPath(ObjectPath + "/session/" + senderPathElement(c.uniqueName()) + "/" + token)
}

func (c *Conn) uniqueName() string {
	names := c.bus.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func senderPathElement(unique string) string {
	return strings.ReplaceAll(strings.TrimPrefix(unique, ":"), ".", "_")
}
