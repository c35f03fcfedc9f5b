package offline0

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTransition is returned when a lifecycle operation is called from
// a state that does not allow it.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// ErrUnknownSyncTag is returned by Sync for tags other than the configured one.
var ErrUnknownSyncTag = errors.New("unknown sync tag")

// ErrInvalidPayload is returned when an enqueued payload is not valid JSON.
var ErrInvalidPayload = errors.New("payload is not valid JSON")

// ErrPayloadTooLarge is returned when an enqueued payload exceeds sync.maxPayload.
var ErrPayloadTooLarge = errors.New("payload too large")

// ErrStorageClosed is returned by storage operations after Close.
var ErrStorageClosed = errors.New("storage is closed")

// AssetFailure records why a single precache URL could not be fetched.
type AssetFailure struct {
	URL string
	Err error
}

// InstallError reports a failed precache. No asset of the attempt is stored.
type InstallError struct {
	Version  string
	Failures []AssetFailure
}

func (e *InstallError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.URL, f.Err))
	}
	return fmt.Sprintf("install %s: %d asset(s) failed: %s", e.Version, len(e.Failures), strings.Join(parts, "; "))
}

func (e *InstallError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// FetchError means neither the cache nor the network could answer a request.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.Key, e.Err) }

func (e *FetchError) Unwrap() error { return e.Err }

// statusError is a non-2xx response where a success was required.
type statusError struct {
	Status int
}

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.Status) }
