package portal

import (
	"context"

	"github.com/godbus/dbus/v5"
)

const sessionCloseName = "org.freedesktop.portal.Session.Close"

// CloseSession closes a portal Session object.
func (c *Conn) CloseSession(ctx context.Context, path dbus.ObjectPath) error {
	_, err := c.Call(ctx, path, sessionCloseName)
	return err
}
