package output

import (
	"strconv"

	"github.com/kriansa/netmount/internal/gvfs"
	"github.com/kriansa/netmount/internal/manifest"
)

// Entry is one manifest line as shown by the list command
type Entry struct {
	Location  string `json:"location" yaml:"location"`
	Anonymous bool   `json:"anonymous" yaml:"anonymous"`
	// MountSpec is what the dbus backend would ask the daemon to mount
	MountSpec string `json:"mount_spec,omitempty" yaml:"mount_spec,omitempty"`
	// Error is set when the location cannot be mapped to a mount spec
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Entries implements TableRenderer
type Entries []Entry

// NewEntries describes reqs, resolving each location to its mount spec
func NewEntries(reqs []manifest.Request) Entries {
	entries := make(Entries, 0, len(reqs))
	for _, req := range reqs {
		e := Entry{Location: req.Location, Anonymous: req.Anonymous}
		if spec, err := gvfs.ParseMountSpec(req.Location); err != nil {
			e.Error = err.Error()
		} else {
			e.MountSpec = spec.String()
		}
		entries = append(entries, e)
	}
	return entries
}

func (e Entries) Headers() []string {
	return []string{"#", "Location", "Auth", "Mount Spec"}
}

func (e Entries) Rows() [][]string {
	rows := make([][]string, 0, len(e))
	for i, entry := range e {
		auth := "kerberos"
		if entry.Anonymous {
			auth = "anonymous"
		}
		spec := entry.MountSpec
		if entry.Error != "" {
			spec = "unsupported"
		}
		rows = append(rows, []string{strconv.Itoa(i + 1), entry.Location, auth, spec})
	}
	return rows
}
