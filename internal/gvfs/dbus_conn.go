package gvfs

import (
	"github.com/godbus/dbus/v5"
)

// DBusConnection abstracts the godbus connection for testability
type DBusConnection interface {
	// Object returns a BusObject for the given destination and path
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	// Export publishes the methods of v on path under iface. A nil v removes them.
	Export(v any, path dbus.ObjectPath, iface string) error
	// UniqueName returns the unique bus name of the connection
	UniqueName() string
	// Close closes the connection
	Close() error
}

// sessionDBusConnection wraps *dbus.Conn to implement DBusConnection
type sessionDBusConnection struct {
	conn *dbus.Conn
}

func (c *sessionDBusConnection) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	return c.conn.Object(dest, path)
}

func (c *sessionDBusConnection) Export(v any, path dbus.ObjectPath, iface string) error {
	return c.conn.Export(v, path, iface)
}

func (c *sessionDBusConnection) UniqueName() string {
	// The unique name is always the first known name of a connection
	if names := c.conn.Names(); len(names) > 0 {
		return names[0]
	}
	return ""
}

func (c *sessionDBusConnection) Close() error {
	return c.conn.Close()
}

// ConnectSessionBus connects to the session DBus, where the GVfs daemon lives
func ConnectSessionBus() (DBusConnection, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}
	return &sessionDBusConnection{conn: conn}, nil
}
