// Package auth decides how credential challenges raised by the mount
// provider are answered.
//
// The tool runs unattended at session start, so no challenge is ever
// forwarded to the user: it is either answered from the request itself
// (anonymous access) or from the session's Kerberos ticket, and aborted
// otherwise.
package auth

import (
	"github.com/hashicorp/go-hclog"

	"github.com/kriansa/netmount/internal/gvfs"
)

// Policy answers credential challenges for mount attempts
type Policy struct {
	tickets TicketSource
	logger  hclog.Logger
}

// NewPolicy creates a policy that consults tickets when a challenge cannot be
// answered anonymously
func NewPolicy(tickets TicketSource, logger hclog.Logger) *Policy {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Policy{
		tickets: tickets,
		logger:  logger,
	}
}

// Attempt holds the challenge state of one in-flight mount.
// It must not be shared between mounts.
type Attempt struct {
	policy             *Policy
	location           string
	anonymous          bool
	askedAnonymousOnce bool
}

// NewAttempt starts tracking challenges for a single mount of location
func (p *Policy) NewAttempt(location string, anonymous bool) *Attempt {
	return &Attempt{
		policy:    p,
		location:  location,
		anonymous: anonymous,
	}
}

// Challenge answers one credential challenge for this attempt.
// The provider calls it synchronously and may call it several times.
func (a *Attempt) Challenge(anonymousSupported bool) gvfs.Reply {
	logger := a.policy.logger.With("location", a.location)

	if a.anonymous && anonymousSupported {
		if a.askedAnonymousOnce {
			// The provider asked again after we already went anonymous: access was denied.
			logger.Warn("anonymous access denied")
			return gvfs.ReplyAborted
		}
		logger.Debug("anonymous access supported by the provider")
		a.askedAnonymousOnce = true
		return gvfs.ReplyHandled
	}

	if a.policy.tickets != nil && a.policy.tickets.Available() {
		logger.Debug("kerberos ticket found for the session")
		return gvfs.ReplyHandled
	}

	logger.Warn("kerberos ticket not available for the session")
	return gvfs.ReplyAborted
}
