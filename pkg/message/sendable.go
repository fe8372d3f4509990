package message

import (
	"io"
	"time"
)

// Message type discriminators for Sendable implementations.
const (
	TypeUndefined = iota
	TypeEbXml
	TypeSOAP
	TypeAck
)

// NotSet marks retry parameters that SDS did not supply.
const NotSet = -1

// Sendable is implemented by the three outbound Spine message variants.
// A Sendable carries its own retry and timing state so the transmission
// engine can treat all variants uniformly.
type Sendable interface {
	// Type returns the variant discriminator (TypeEbXml, TypeSOAP, TypeAck).
	Type() int

	// MessageID returns the ebXML message id, or "" where the variant has
	// none (acknowledgments).
	MessageID() string

	// SOAPAction returns the SOAPAction the message is sent under.
	SOAPAction() string

	// HL7Payload returns the HL7v3 payload body, where one exists.
	HL7Payload() string

	// WriteTo serialises the complete wire form, HTTP framing included.
	WriteTo(w io.Writer) error

	// State returns the shared retry/timing state.
	State() *RetryState
}

// RetryState is the retry and timing state shared by all Sendable
// variants. For SOAP requests and acknowledgments the retry fields stay
// at NotSet and the message is never tracked.
type RetryState struct {
	RetryCount      int
	RetryInterval   int // minimum seconds between tries
	PersistDuration int // seconds

	ResolvedURL string // empty means "replay a persisted copy"
	OdsCode     string

	// SynchronousResponse holds the raw body of any synchronous HTTP
	// response, once a transmission attempt has completed.
	SynchronousResponse string

	Started time.Time
	LastTry time.Time
	tries   int
}

// NewRetryState returns state with retry parameters unset and the
// transmission clock started.
func NewRetryState() RetryState {
	return RetryState{
		RetryCount:      NotSet,
		RetryInterval:   NotSet,
		PersistDuration: NotSet,
		OdsCode:         "ODS",
		Started:         time.Now(),
	}
}

// RecordTry reports whether a transmission attempt may proceed.
// Messages without a retry budget (RetryCount < 1) are always eligible
// and their counters are left alone. Otherwise the attempt counter is
// incremented; once it exceeds RetryCount the message has exhausted its
// budget and must be expired by the caller instead of transmitted.
func (r *RetryState) RecordTry() bool {
	if r.RetryCount < 1 {
		return true
	}
	r.tries++
	if r.tries > r.RetryCount {
		return false
	}
	r.LastTry = time.Now()
	return true
}

// Tries returns the number of transmission attempts recorded so far.
func (r *RetryState) Tries() int { return r.tries }

// SetTries is used when reconstructing state from a received or persisted
// message, where only the declared timestamp is known.
func (r *RetryState) SetTries(n int) { r.tries = n }

// ExpiresAt returns the moment the persist-duration window closes.
func (r *RetryState) ExpiresAt() time.Time {
	return r.Started.Add(time.Duration(r.PersistDuration) * time.Second)
}

// DueForRetry reports whether at least RetryInterval has elapsed since the
// last attempt. A message that has never been tried is not due: the sweep
// skips it for the cycle rather than re-transmitting it.
func (r *RetryState) DueForRetry(now time.Time) bool {
	if r.LastTry.IsZero() {
		return false
	}
	return !now.Before(r.LastTry.Add(time.Duration(r.RetryInterval) * time.Second))
}

// SetOdsCode sets the originating organisation code, ignoring empty input.
func (r *RetryState) SetOdsCode(ods string) {
	if ods != "" {
		r.OdsCode = ods
	}
}
