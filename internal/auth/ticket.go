package auth

import (
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jcmturner/gokrb5/v8/credentials"
)

// CCacheEnv is the environment variable naming the session's Kerberos credential cache
const CCacheEnv = "KRB5CCNAME"

// TicketSource reports whether a Kerberos ticket can be used for authentication
type TicketSource interface {
	Available() bool
}

// EnvTicket reports a ticket whenever the credential cache variable is set.
// The provider consumes the ticket itself; nothing is read here.
type EnvTicket struct {
	// Getenv looks up environment variables. Defaults to os.Getenv.
	Getenv func(string) string
}

// Available implements TicketSource
func (e EnvTicket) Available() bool {
	return ccacheName(e.Getenv) != ""
}

// CCacheTicket also inspects FILE credential caches and only reports a ticket
// when the cache holds at least one unexpired credential. Caches of other
// types cannot be read from here and are trusted as present.
type CCacheTicket struct {
	Getenv func(string) string
	Now    func() time.Time
	Logger hclog.Logger
}

// Available implements TicketSource
func (c CCacheTicket) Available() bool {
	logger := c.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	name := ccacheName(c.Getenv)
	if name == "" {
		return false
	}

	path, ok := ccacheFilePath(name)
	if !ok {
		logger.Debug("credential cache type cannot be inspected, assuming ticket is present", "ccache", name)
		return true
	}

	ccache, err := credentials.LoadCCache(path)
	if err != nil {
		logger.Warn("unable to load credential cache", "ccache", path, "error", err)
		return false
	}

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	for _, cred := range ccache.GetEntries() {
		if cred.EndTime.After(now()) {
			logger.Debug("valid kerberos ticket found",
				"principal", ccache.GetClientPrincipalName().PrincipalNameString(),
				"realm", ccache.GetClientRealm(),
				"expires", cred.EndTime,
			)
			return true
		}
	}

	logger.Warn("kerberos tickets in credential cache are expired", "ccache", path)
	return false
}

func ccacheName(getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	return getenv(CCacheEnv)
}

// ccacheFilePath returns the file backing a credential cache name, if any.
// Names without a type prefix are files.
func ccacheFilePath(name string) (string, bool) {
	if path, ok := strings.CutPrefix(name, "FILE:"); ok {
		return path, true
	}
	if strings.HasPrefix(name, "/") {
		return name, true
	}
	return "", false
}
