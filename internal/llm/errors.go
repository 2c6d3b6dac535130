package llm

import "errors"

var (
	// ErrCircuitOpen is returned without calling the runtime while a
	// model's breaker is open.
	ErrCircuitOpen = errors.New("llm: circuit open")

	// ErrResponseShape is returned when a response cannot be coerced into
	// JSON by any salvage step.
	ErrResponseShape = errors.New("llm: unparseable response shape")

	// ErrValidation is returned when a response parses but the caller's
	// quality gate rejects it, after the JSON-only retry was spent.
	ErrValidation = errors.New("llm: response failed validation")

	// ErrUnknownTier is returned for a tier the client was not built with.
	ErrUnknownTier = errors.New("llm: unknown model tier")
)
