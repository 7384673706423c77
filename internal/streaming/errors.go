package streaming

import (
	"errors"
	"fmt"
)

// Sentinel errors for sink/queue behavior (§7 Recoverable/Fatal taxonomy).
var (
	// ErrQuotaExceeded is returned by a Sink when it rejects an Append because
	// it is full; AppendQueue recovers by evicting and retrying.
	ErrQuotaExceeded = errors.New("streaming: sink quota exceeded")

	// ErrSinkClosed is a Fatal condition: the consumer is gone.
	ErrSinkClosed = errors.New("streaming: sink closed")

	// ErrOwnerHasActiveSession is returned by SessionRegistry.Open when the
	// owner already has a live session (the "one stream per tab" rule).
	ErrOwnerHasActiveSession = errors.New("streaming: owner already has an active session")

	// ErrSessionNotFound is returned by registry/session lookups.
	ErrSessionNotFound = errors.New("streaming: session not found")

	// ErrNotPlaylist is the ParseError reason for text that isn't an m3u8 at all.
	ErrNotPlaylist = errors.New("streaming: not a playlist")
)

// FetchErrorKind classifies a failed fetch per §4.2's status table.
type FetchErrorKind int

const (
	// FetchFatal means no retry should be attempted; the session fails.
	FetchFatal FetchErrorKind = iota
	// FetchSkip means the caller should advance past this item without failing.
	FetchSkip
	// FetchTransient means retries were exhausted but the condition may clear.
	FetchTransient
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchFatal:
		return "fatal"
	case FetchSkip:
		return "skip"
	case FetchTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// FetchError is the structured, classified error returned by
// FetchPipeline.Get (a RequestProxy reports failures as *ProxyError).
type FetchError struct {
	Kind    FetchErrorKind
	Failure FailureKind // meaningful when Kind == FetchFatal
	Status  int         // HTTP status, 0 if not an HTTP response (network/timeout)
	URL     string
	Cause   error
}

func (e *FetchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("streaming: fetch %s: %s (status=%d): %v", e.Kind, e.URL, e.Status, e.Cause)
	}
	return fmt.Sprintf("streaming: fetch %s: %s (status=%d)", e.Kind, e.URL, e.Status)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// ParseError is returned by PlaylistParser.Parse when text is not a playlist.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("streaming: parse playlist: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrNotPlaylist }

// SessionError is a Fatal session-level error surfaced to the owner exactly once.
type SessionError struct {
	Session SessionID
	Failure FailureKind
	Cause   error
}

func (e *SessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("streaming: session %s failed: %s: %v", e.Session, e.Failure, e.Cause)
	}
	return fmt.Sprintf("streaming: session %s failed: %s", e.Session, e.Failure)
}

func (e *SessionError) Unwrap() error { return e.Cause }
