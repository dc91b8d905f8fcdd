//go:build integration

package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/kriansa/netmount/tests/integration/log"
)

const (
	defaultImage   = "../images/fedora-netmount.qcow2"
	defaultSSHPort = 10022
	sshUser        = "fedora"
	sshPassword    = "fedora"
	sshBootTimeout = 2 * time.Minute
)

// QEMU is a VM booted from a throwaway snapshot of the netmount test image:
// a headless Fedora with gvfs, a Samba server and a local KDC
type QEMU struct {
	mu       sync.Mutex
	process  *exec.Cmd
	client   *ssh.Client
	sshPort  int
	snapshot string
}

// Start boots the image named by VM_IMAGE, forwarding SSH to VM_SSH_PORT.
// Call WaitForSSH before running commands.
func Start(ctx context.Context) (*QEMU, error) {
	image, err := imagePath()
	if err != nil {
		return nil, err
	}

	port := defaultSSHPort
	if p := os.Getenv("VM_SSH_PORT"); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("invalid VM_SSH_PORT %q: %w", p, err)
		}
	}

	snapshot := filepath.Join(os.TempDir(), fmt.Sprintf("netmount-test-%d.qcow2", os.Getpid()))
	out, err := exec.CommandContext(ctx, "qemu-img", "create", "-f", "qcow2", "-b", image, "-F", "qcow2", snapshot).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w: %s", err, out)
	}

	log.Status("Booting %s", image)
	process := exec.CommandContext(ctx, "qemu-system-x86_64",
		"-machine", "type=pc,accel=kvm", "-cpu", "host",
		"-m", "1024M", "-smp", "2",
		"-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2", snapshot),
		"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp::%d-:22", port),
		"-device", "virtio-net,netdev=net0",
		"-nographic",
	)
	process.Stdout = io.Discard
	process.Stderr = io.Discard
	if err := process.Start(); err != nil {
		_ = os.Remove(snapshot)
		return nil, fmt.Errorf("start qemu: %w", err)
	}

	return &QEMU{process: process, sshPort: port, snapshot: snapshot}, nil
}

func imagePath() (string, error) {
	image := os.Getenv("VM_IMAGE")
	if image == "" {
		image = defaultImage
	}
	if _, err := os.Stat(image); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("VM image %s not found: build the netmount test image or set VM_IMAGE", image)
	}
	return filepath.Abs(image)
}

// WaitForSSH retries until the guest accepts an SSH login
func (q *QEMU) WaitForSSH(ctx context.Context) error {
	config := &ssh.ClientConfig{
		User:            sshUser,
		Auth:            []ssh.AuthMethod{ssh.Password(sshPassword)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	addr := fmt.Sprintf("localhost:%d", q.sshPort)

	ctx, cancel := context.WithTimeout(ctx, sshBootTimeout)
	defer cancel()

	log.Status("Waiting for SSH on %s...", addr)
	for {
		client, err := ssh.Dial("tcp", addr, config)
		if err == nil {
			q.mu.Lock()
			q.client = client
			q.mu.Unlock()
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("ssh not reachable after %v: %w", sshBootTimeout, err)
		case <-time.After(2 * time.Second):
		}
	}
}

// Run executes cmd through the login shell and returns its combined output.
// A non-zero exit status is reported as *ssh.ExitError.
func (q *QEMU) Run(cmd string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.client == nil {
		return "", fmt.Errorf("ssh client not connected")
	}

	session, err := q.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer func() { _ = session.Close() }()

	out, err := session.CombinedOutput(cmd)
	return string(out), err
}

// CopyFile uploads a local executable
func (q *QEMU) CopyFile(localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	return q.WriteFile(remotePath, data, 0755)
}

// WriteFile writes data to remotePath over SFTP, creating parent directories
func (q *QEMU) WriteFile(remotePath string, data []byte, mode os.FileMode) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.client == nil {
		return fmt.Errorf("ssh client not connected")
	}

	client, err := sftp.NewClient(q.client)
	if err != nil {
		return fmt.Errorf("create sftp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.MkdirAll(filepath.Dir(remotePath)); err != nil {
		return fmt.Errorf("create directory for %s: %w", remotePath, err)
	}

	f, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	return f.Chmod(mode)
}

// Stop powers the guest off, kills QEMU and removes the snapshot
func (q *QEMU) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.client != nil {
		if session, err := q.client.NewSession(); err == nil {
			_ = session.Run("sudo systemctl poweroff")
			_ = session.Close()
		}
		_ = q.client.Close()
		q.client = nil
	}

	log.Status("Shutting down VM...")
	if q.process != nil && q.process.Process != nil {
		_ = q.process.Process.Kill()
		_ = q.process.Wait()
		q.process = nil
	}

	if q.snapshot != "" {
		_ = os.Remove(q.snapshot)
		q.snapshot = ""
	}
}
