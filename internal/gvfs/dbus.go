package gvfs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/hashicorp/go-hclog"
)

const (
	// DBus service and interface constants of the GVfs daemon
	dbusDaemonService       = "org.gtk.vfs.Daemon"
	dbusMountTrackerPath    = "/org/gtk/vfs/mounttracker"
	dbusMountTracker        = "org.gtk.vfs.MountTracker"
	dbusMountOperation      = "org.gtk.vfs.MountOperation"
	dbusMountOperationPath  = "/org/gtk/vfs/mountop/"
	dbusGIOErrorPrefix      = "org.gtk.GDBus.UnmappedGError.Quark._g_2dio_2derror_2dquark.Code"
	gioErrorAlreadyMounted  = 17
	gioErrorFailedHandled   = 30
	askPasswordAnonymousBit = 1 << 4 // G_ASK_PASSWORD_ANONYMOUS_SUPPORTED
)

// mountSource tells the daemon where to send credential challenges, signature (so)
type mountSource struct {
	DBusID  string
	ObjPath dbus.ObjectPath
}

// DBusMounter implements Mounter by asking the GVfs daemon on the session bus
// to mount locations, answering its challenges through an exported
// org.gtk.vfs.MountOperation object per attempt.
type DBusMounter struct {
	conn      DBusConnection
	connectFn func() (DBusConnection, error)
	logger    hclog.Logger
	nextOp    atomic.Uint64
}

// DBusMounterOption is a functional option for DBusMounter
type DBusMounterOption func(*DBusMounter)

// WithConnection sets a custom DBus connection (for testing)
func WithConnection(conn DBusConnection) DBusMounterOption {
	return func(m *DBusMounter) {
		m.conn = conn
		m.connectFn = nil
	}
}

// WithLogger sets the logger used for per-attempt diagnostics
func WithLogger(logger hclog.Logger) DBusMounterOption {
	return func(m *DBusMounter) {
		m.logger = logger
	}
}

// NewDBusMounter creates a mounter talking to the GVfs daemon
func NewDBusMounter(opts ...DBusMounterOption) (*DBusMounter, error) {
	m := &DBusMounter{
		connectFn: ConnectSessionBus,
		logger:    hclog.NewNullLogger(),
	}

	for _, opt := range opts {
		opt(m)
	}

	// Connect if no custom connection provided
	if m.conn == nil {
		conn, err := m.connectFn()
		if err != nil {
			return nil, fmt.Errorf("connect to session bus: %w", err)
		}
		m.conn = conn
	}

	return m, nil
}

// Close closes the DBus connection
func (m *DBusMounter) Close() error {
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}

// MountAsync implements Mounter
func (m *DBusMounter) MountAsync(ctx context.Context, location string, anonymous bool, onChallenge ChallengeFunc, onComplete CompleteFunc) {
	logger := m.logger.With("location", location)

	spec, err := ParseMountSpec(location)
	if err != nil {
		onComplete(&MountError{Location: location, Message: err.Error(), Kind: ErrUnsupportedLocation})
		return
	}

	path := dbus.ObjectPath(dbusMountOperationPath + strconv.FormatUint(m.nextOp.Add(1), 10))
	op := &mountOperation{
		anonymous:   anonymous,
		onChallenge: onChallenge,
		logger:      logger,
	}
	if err := m.conn.Export(op, path, dbusMountOperation); err != nil {
		onComplete(fmt.Errorf("export mount operation for %s: %w", location, err))
		return
	}

	source := mountSource{DBusID: m.conn.UniqueName(), ObjPath: path}
	logger.Debug("requesting mount from gvfs", "spec", spec.String(), "mount_operation", path)

	ch := make(chan *dbus.Call, 1)
	tracker := m.conn.Object(dbusDaemonService, dbus.ObjectPath(dbusMountTrackerPath))
	tracker.GoWithContext(ctx, dbusMountTracker+".MountLocation", 0, ch, spec.toDBus(), source)

	go func() {
		call := <-ch
		if err := m.conn.Export(nil, path, dbusMountOperation); err != nil {
			logger.Debug("failed to unexport mount operation", "path", path, "error", err)
		}
		onComplete(dbusMountError(location, call.Err))
	}()
}

// dbusMountError converts a MountLocation failure into a MountError
func dbusMountError(location string, err error) error {
	if err == nil {
		return nil
	}

	mErr := &MountError{Location: location, Message: err.Error()}

	var name string
	var dbusErr dbus.Error
	var dbusErrPtr *dbus.Error
	switch {
	case errors.As(err, &dbusErr):
		name = dbusErr.Name
	case errors.As(err, &dbusErrPtr):
		name = dbusErrPtr.Name
	}

	if code, ok := strings.CutPrefix(name, dbusGIOErrorPrefix); ok {
		switch code {
		case strconv.Itoa(gioErrorAlreadyMounted):
			mErr.Kind = ErrAlreadyMounted
		case strconv.Itoa(gioErrorFailedHandled):
			mErr.Kind = ErrAborted
		}
	}
	if mErr.Kind == nil {
		mErr.Kind = classifyMessage(mErr.Message)
	}
	if mErr.Kind == nil && errors.Is(err, context.Canceled) {
		mErr.Kind = context.Canceled
	}

	return mErr
}

// mountOperation is exported on the bus as org.gtk.vfs.MountOperation.
// The daemon calls it while a MountLocation request is pending.
type mountOperation struct {
	anonymous   bool
	onChallenge ChallengeFunc
	logger      hclog.Logger
}

// AskPassword answers a credential challenge.
// Returns handled, aborted, password, username, domain, anonymous, password_save.
func (op *mountOperation) AskPassword(message, defaultUser, defaultDomain string, flags uint32) (bool, bool, string, string, string, bool, uint32, *dbus.Error) {
	anonymousSupported := flags&askPasswordAnonymousBit != 0
	op.logger.Debug("credentials requested", "message", message, "anonymous_supported", anonymousSupported)

	reply := op.onChallenge(anonymousSupported)
	if reply != ReplyHandled {
		return false, true, "", "", "", false, 0, nil
	}

	// A ticket-backed reply carries no password: the daemon picks up the session's credential cache.
	anonymous := op.anonymous && anonymousSupported
	return true, false, "", defaultUser, defaultDomain, anonymous, 0, nil
}

// AskQuestion is never answered: there is no one to ask.
// Returns handled, aborted, choice.
func (op *mountOperation) AskQuestion(message string, choices []string) (bool, bool, uint32, *dbus.Error) {
	op.logger.Warn("aborting interactive question from gvfs", "message", message)
	return false, true, 0, nil
}

// ShowProcesses is only raised on unmount; it is aborted like any question
func (op *mountOperation) ShowProcesses(message string, choices []string, processes []int32) (bool, bool, uint32, *dbus.Error) {
	return false, true, 0, nil
}

func (op *mountOperation) ShowUnmountProgress(message string, timeLeft, bytesLeft int64) *dbus.Error {
	return nil
}

func (op *mountOperation) Aborted() *dbus.Error {
	op.logger.Debug("mount operation aborted by gvfs")
	return nil
}
