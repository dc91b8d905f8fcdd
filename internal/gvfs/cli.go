package gvfs

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// DefaultGioPath is the gio binary looked up in PATH
const DefaultGioPath = "gio"

// CLIMounter implements Mounter using the gio CLI.
// gio prompts on its terminal, which this tool cannot answer, so the
// challenge handler is consulted once before the command runs and the command
// itself gets no stdin.
type CLIMounter struct {
	gioPath string
	logger  hclog.Logger
	// commandContext builds the command to run; replaced in tests
	commandContext func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewCLIMounter creates a new gio CLI mounter
func NewCLIMounter(gioPath string, logger hclog.Logger) *CLIMounter {
	if gioPath == "" {
		gioPath = DefaultGioPath
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &CLIMounter{
		gioPath:        gioPath,
		logger:         logger,
		commandContext: exec.CommandContext,
	}
}

// Close implements Mounter
func (m *CLIMounter) Close() error {
	return nil
}

// MountAsync implements Mounter
func (m *CLIMounter) MountAsync(ctx context.Context, location string, anonymous bool, onChallenge ChallengeFunc, onComplete CompleteFunc) {
	logger := m.logger.With("location", location)

	go func() {
		if reply := onChallenge(anonymous); reply != ReplyHandled {
			onComplete(&MountError{
				Location: location,
				Message:  "no credentials available for unattended mount",
				Kind:     ErrAborted,
			})
			return
		}

		onComplete(m.gio(ctx, logger, location, anonymous))
	}()
}

// gio runs gio mount for a single location
func (m *CLIMounter) gio(ctx context.Context, logger hclog.Logger, location string, anonymous bool) error {
	args := []string{"mount"}
	if anonymous {
		args = append(args, "--anonymous")
	}
	args = append(args, location)

	logger.Debug("running gio", "args", args)

	cmd := m.commandContext(ctx, m.gioPath, args...)
	cmd.Stdin = nil
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	msg := strings.TrimSpace(string(output))
	if msg == "" {
		msg = err.Error()
	}

	kind := classifyMessage(msg)
	if kind == nil && ctx.Err() != nil {
		kind = ctx.Err()
	}

	return &MountError{
		Location: location,
		Message:  fmt.Sprintf("gio %s: %s", strings.Join(args, " "), msg),
		Kind:     kind,
	}
}
