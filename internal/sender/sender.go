// Package sender defines the outbound send contract and the provider
// adapters behind it. The dispatcher only sees the Sender interface; provider
// specifics, including how their errors split into transient and permanent,
// stay here.
package sender

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Message is one fully-rendered email ready to hand to a provider.
type Message struct {
	To         string
	From       string
	Subject    string
	Body       string
	TrackingID string
	SubTaskID  uuid.UUID
}

// Result is what a successful send returns.
type Result struct {
	// ProviderMessageID is the provider's identifier for the accepted
	// message, used later to correlate delivery events.
	ProviderMessageID string
}

// Sender delivers one message through one provider. Implementations must be
// safe for concurrent use; the dispatcher calls Send from every service
// runner bound to the provider.
type Sender interface {
	Send(ctx context.Context, msg Message) (*Result, error)
}

// permanentError marks a failure that retrying cannot fix: rejected
// recipient, suppressed address, malformed content.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so IsPermanent reports true for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether a send error must not be retried. Anything not
// explicitly marked permanent is treated as transient; retrying a permanent
// failure wastes quota, while giving up on a transient one loses mail, so
// the default leans transient.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Registry resolves a Sender by provider name.
type Registry struct {
	senders map[string]Sender
}

// NewRegistry builds a registry from a provider->Sender map.
func NewRegistry(senders map[string]Sender) *Registry {
	return &Registry{senders: senders}
}

// For returns the sender for a provider name.
func (r *Registry) For(provider string) (Sender, error) {
	s, ok := r.senders[provider]
	if !ok {
		return nil, Permanent(errors.New("no sender registered for provider " + provider))
	}
	return s, nil
}
