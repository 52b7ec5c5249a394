package sim

import "errors"

var (
	// ErrInvalidChunkBounds marks a chunk outside [cursor, prompt length]. It is
	// a contract violation and fails the request; bounds are never clamped.
	ErrInvalidChunkBounds = errors.New("invalid chunk bounds")
	// ErrEngineFailure wraps a compute engine error. Every request of the
	// affected batch fails with it.
	ErrEngineFailure = errors.New("compute engine failure")
	// ErrUnknownRequest is returned for ids the registry has never seen.
	ErrUnknownRequest = errors.New("unknown request")
	// ErrDuplicateRequest is returned when an id is submitted twice.
	ErrDuplicateRequest = errors.New("duplicate request")
	// ErrEmptyPrompt is returned when a request has no prompt tokens.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrInvalidTransition is returned for state changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid config")
)
