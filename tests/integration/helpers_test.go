//go:build integration

package integration

import (
	"fmt"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kriansa/netmount/tests/integration/runner"
)

// Process exit codes of netmount
const (
	exitOK         = 0
	exitMountError = 1
	exitParseError = 2
	exitUsage      = 3
)

// uniqueManifestPath generates a unique manifest path on the VM for a test
func uniqueManifestPath(t *testing.T) string {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	return path.Join(manifestDir, fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%10000))
}

// writeManifest stores lines as a new manifest and removes it at test end
func writeManifest(t *testing.T, lines ...string) string {
	t.Helper()
	p := uniqueManifestPath(t)
	require.NoError(t, testRunner.WriteManifest(p, lines...), "write manifest %s", p)
	t.Cleanup(func() {
		_, _ = testVM.Run(fmt.Sprintf("rm -f %s", p))
	})
	return p
}

// smbLocation returns the location of a share on the VM's Samba server
func smbLocation(share string) string {
	return fmt.Sprintf("smb://%s/%s", smbHost, share)
}

// withoutTicket clears the Kerberos ticket reference for the duration of a test
func withoutTicket(t *testing.T) {
	t.Helper()
	prev, had := testRunner.Env["KRB5CCNAME"]
	testRunner.Env["KRB5CCNAME"] = ""
	t.Cleanup(func() {
		if had {
			testRunner.Env["KRB5CCNAME"] = prev
		} else {
			delete(testRunner.Env, "KRB5CCNAME")
		}
	})
}

// requireExit asserts the exit code of a result, printing its output on mismatch
func requireExit(t *testing.T, want int, res runner.Result) {
	t.Helper()
	require.Equal(t, want, res.ExitCode, "unexpected exit code, output:\n%s", res.Output)
}
