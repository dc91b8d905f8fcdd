//go:build integration

// Package runner runs the netmount binary inside the test VM.
package runner

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/kriansa/netmount/tests/integration/vm"
)

// exitMarker is echoed after every command of a session to recover its status
const exitMarker = "netmount-exit:"

var exitLine = regexp.MustCompile(`(?m)^` + exitMarker + `(\d+)$`)

// Result is the outcome of one command run in a session
type Result struct {
	ExitCode int
	Output   string
}

// Runner runs netmount against manifests stored on the VM
type Runner struct {
	vm     vm.VM
	binary string
	// Env is exported to every command, e.g. KRB5CCNAME
	Env map[string]string
}

// New creates a runner for the netmount binary installed at binary
func New(v vm.VM, binary string) *Runner {
	return &Runner{vm: v, binary: binary, Env: map[string]string{}}
}

// WriteManifest stores a manifest made of lines at path on the VM
func (r *Runner) WriteManifest(path string, lines ...string) error {
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	return r.vm.WriteFile(path, []byte(content), 0644)
}

// Netmount builds a netmount command line for use with Session
func (r *Runner) Netmount(args ...string) string {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, r.binary)
	for _, a := range args {
		quoted = append(quoted, shellQuote(a))
	}
	return strings.Join(quoted, " ")
}

// Run runs netmount once in a fresh D-Bus session
func (r *Runner) Run(args ...string) (Result, error) {
	results, err := r.Session(r.Netmount(args...))
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

// Session runs cmds one after the other in a single private D-Bus session,
// so they share the same gvfs daemon and its mounts
func (r *Runner) Session(cmds ...string) ([]Result, error) {
	var script strings.Builder
	for k, v := range r.Env {
		fmt.Fprintf(&script, "export %s=%s\n", k, shellQuote(v))
	}
	for _, cmd := range cmds {
		fmt.Fprintf(&script, "%s 2>&1; echo \"%s$?\"\n", cmd, exitMarker)
	}

	output, err := r.vm.Run("dbus-run-session -- sh -c " + shellQuote(script.String()))
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run session: %w", err)
		}
	}

	return splitResults(output, len(cmds))
}

// splitResults cuts the session output at each exit marker
func splitResults(output string, want int) ([]Result, error) {
	matches := exitLine.FindAllStringSubmatchIndex(output, -1)
	if len(matches) != want {
		return nil, fmt.Errorf("expected %d command results, found %d in output:\n%s", want, len(matches), output)
	}

	results := make([]Result, 0, want)
	start := 0
	for _, m := range matches {
		code, err := strconv.Atoi(output[m[2]:m[3]])
		if err != nil {
			return nil, fmt.Errorf("parse exit code: %w", err)
		}
		results = append(results, Result{ExitCode: code, Output: output[start:m[0]]})
		start = m[1]
	}
	return results, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
