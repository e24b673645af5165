package transport

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultSystemBusAddress is the system bus address used when
// DBUS_SYSTEM_BUS_ADDRESS is unset.
const DefaultSystemBusAddress = "unix:path=/run/dbus/system_bus_socket"

// Address is a Unix socket bus address.
type Address struct {
	// Path is the filesystem path, or abstract name, of the socket.
	Path string
	// Abstract reports whether Path is in the Linux abstract socket
	// namespace.
	Abstract bool
}

func (a Address) String() string {
	if a.Abstract {
		return "unix:abstract=" + a.Path
	}
	return "unix:path=" + a.Path
}

func (a Address) sockaddr() unix.Sockaddr {
	if a.Abstract {
		return &unix.SockaddrUnix{Name: "@" + a.Path}
	}
	return &unix.SockaddrUnix{Name: a.Path}
}

// ParseAddress parses a DBus server address list, such as
// "unix:path=/run/user/1000/bus". Entries using transports other than
// unix sockets are skipped.
func ParseAddress(s string) ([]Address, error) {
	var ret []Address
	for _, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}
		kind, params, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("malformed bus address %q", entry)
		}
		if kind != "unix" {
			continue
		}
		var addr Address
		for _, kv := range strings.Split(params, ",") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("malformed bus address parameter %q in %q", kv, entry)
			}
			v, err := url.PathUnescape(v)
			if err != nil {
				return nil, fmt.Errorf("malformed bus address value in %q: %w", entry, err)
			}
			switch k {
			case "path":
				addr.Path = v
			case "abstract":
				addr.Path, addr.Abstract = v, true
			}
		}
		if addr.Path == "" {
			// unix:tmpdir= and friends are for servers.
			continue
		}
		ret = append(ret, addr)
	}
	if len(ret) == 0 {
		return nil, fmt.Errorf("no usable unix socket address in %q", s)
	}
	return ret, nil
}

// SessionBusAddress returns the address of the session bus.
func SessionBusAddress() (string, error) {
	if addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); addr != "" {
		return addr, nil
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return "unix:path=" + filepath.Join(dir, "bus"), nil
	}
	return "", errors.New("session bus not available: DBUS_SESSION_BUS_ADDRESS is not set")
}

// SystemBusAddress returns the address of the system bus.
func SystemBusAddress() string {
	if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
		return addr
	}
	return DefaultSystemBusAddress
}
