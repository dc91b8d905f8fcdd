//go:build integration

package vm

import (
	"context"
	"os"
)

// VM is a disposable machine the netmount binary is exercised on
type VM interface {
	// Run executes cmd through a shell on the VM and returns its combined output
	Run(cmd string) (string, error)
	// CopyFile uploads an executable from the host
	CopyFile(localPath, remotePath string) error
	// WriteFile creates or replaces remotePath with data
	WriteFile(remotePath string, data []byte, mode os.FileMode) error
	Stop()
	WaitForSSH(ctx context.Context) error
}
