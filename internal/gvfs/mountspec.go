package gvfs

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

// defaultMountPrefix is the prefix GVfs assigns to mounts rooted at the share
const defaultMountPrefix = "/"

// ErrUnsupportedLocation is returned for locations that have no GVfs mount spec
var ErrUnsupportedLocation = errors.New("unsupported location")

// hostPattern accepts DNS names, IPv4 addresses and NetBIOS names.
// Bracketed IPv6 literals are checked separately.
var hostPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_.-]*[a-zA-Z0-9])?$`)

// MountSpec identifies a GVfs mount: its backend type and keys such as host and share
type MountSpec struct {
	// Prefix is the path inside the backend where the mount is rooted
	Prefix string
	// Items holds the spec keys, such as type, host, share or user
	Items map[string]string
}

// dbusMountSpec is the wire form of a mount spec, signature (aya{sv})
type dbusMountSpec struct {
	MountPrefix []byte
	Items       map[string]dbus.Variant
}

// bytestring encodes s the way GLib encodes bytestrings: with a trailing NUL
func bytestring(s string) []byte {
	return append([]byte(s), 0)
}

func (s MountSpec) toDBus() dbusMountSpec {
	items := make(map[string]dbus.Variant, len(s.Items))
	for k, v := range s.Items {
		items[k] = dbus.MakeVariant(bytestring(v))
	}
	return dbusMountSpec{
		MountPrefix: bytestring(s.Prefix),
		Items:       items,
	}
}

func (s MountSpec) String() string {
	keys := make([]string, 0, len(s.Items))
	for k := range s.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+s.Items[k])
	}
	return fmt.Sprintf("%s:%s", strings.Join(parts, ","), s.Prefix)
}

// ParseMountSpec maps a location URI to the GVfs mount spec that serves it.
// Only the network schemes GVfs mounts as shares are accepted.
func ParseMountSpec(location string) (MountSpec, error) {
	u, err := url.Parse(location)
	if err != nil {
		return MountSpec{}, fmt.Errorf("%w: %w", ErrUnsupportedLocation, err)
	}

	if u.Scheme == "" || u.Opaque != "" {
		return MountSpec{}, fmt.Errorf("%w: %q is not an absolute URI", ErrUnsupportedLocation, location)
	}

	host, err := validateHost(u.Hostname())
	if err != nil {
		return MountSpec{}, fmt.Errorf("location %q: %w", location, err)
	}

	spec := MountSpec{
		Prefix: defaultMountPrefix,
		Items:  map[string]string{},
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "smb":
		parseSMB(u, host, &spec)
	case "sftp", "ftp", "ftps":
		spec.Items["type"] = scheme
		spec.Items["host"] = host
	case "dav", "davs":
		spec.Items["type"] = "dav"
		spec.Items["host"] = host
		if scheme == "davs" {
			spec.Items["ssl"] = "true"
		}
	case "afp":
		spec.Items["type"] = "afp-server"
		spec.Items["host"] = host
		if volume := firstSegment(u.Path); volume != "" {
			spec.Items["type"] = "afp-volume"
			spec.Items["volume"] = volume
		}
	case "nfs":
		spec.Items["type"] = "nfs"
		spec.Items["host"] = host
		if u.Path != "" {
			spec.Prefix = u.Path
		}
	default:
		return MountSpec{}, fmt.Errorf("%w: scheme %q", ErrUnsupportedLocation, u.Scheme)
	}

	if port := u.Port(); port != "" {
		spec.Items["port"] = port
	}
	// smb carries its own domain;user syntax
	if user := u.User.Username(); user != "" && scheme != "smb" {
		spec.Items["user"] = user
	}

	return spec, nil
}

// parseSMB fills spec for smb://[domain;][user@]server[/share[/path]] locations
func parseSMB(u *url.URL, host string, spec *MountSpec) {
	spec.Items["server"] = strings.ToLower(host)

	share := firstSegment(u.Path)
	if share == "" {
		spec.Items["type"] = "smb-server"
	} else {
		spec.Items["type"] = "smb-share"
		spec.Items["share"] = strings.ToLower(share)
	}

	user := u.User.Username()
	if domain, name, ok := strings.Cut(user, ";"); ok {
		spec.Items["domain"] = domain
		user = name
	}
	if user != "" {
		spec.Items["user"] = user
	}
}

func firstSegment(path string) string {
	segment, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return segment
}

func validateHost(host string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrUnsupportedLocation)
	}
	if strings.Contains(host, ":") {
		// url.Hostname strips the brackets of IPv6 literals
		return host, nil
	}
	if !hostPattern.MatchString(host) {
		return "", fmt.Errorf("%w: invalid host %q", ErrUnsupportedLocation, host)
	}
	return host, nil
}
