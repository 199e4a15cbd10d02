package engine

import "errors"

// Error taxonomy. Input and voice-resolution failures are rejected before
// any model call or cache allocation; load failures are raised once at
// startup; inference failures abort only the session they occur in.
var (
	// ErrInput reports empty/invalid text or an unknown voice id.
	ErrInput = errors.New("invalid input")
	// ErrModelLoad reports a missing or unloadable model artifact at startup.
	ErrModelLoad = errors.New("model load failure")
	// ErrInference reports a forward-pass or shape failure at runtime.
	ErrInference = errors.New("inference failure")
	// ErrCancelled reports caller-initiated cancellation; the session result
	// still carries the audio completed before the cancel was observed.
	ErrCancelled = errors.New("generation cancelled")
)
