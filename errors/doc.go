// Package errors provides standardized error handling for stepstreams.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid
// (bad input or definition, do not retry) and Fatal (stop processing). The
// stream transport consults the class when deciding whether a publish is worth
// retrying; the engine uses it to decide whether a failed start is recoverable.
//
// # Wrapping
//
// All wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// Three wrappers attach a class while wrapping:
//
//	errors.WrapTransient(err, "JetStream", "Publish", "publish message")
//	errors.WrapInvalid(err, "Registry", "Resolve", "resolve stage")
//	errors.WrapFatal(err, "Engine", "Start", "connect transport")
//
// The plain Wrap keeps whatever class the wrapped error already carries.
//
// # Classification
//
//	if errors.IsTransient(err) {
//	    // retry with backoff
//	}
//
// Classification checks ClassifiedError first, then the standard error
// variables, then falls back to message patterns for errors coming from
// third-party clients. context.DeadlineExceeded is transient; context.Canceled
// is not, since cancellation is a caller decision.
//
// Package-specific sentinels (collector timeouts, queue full, unknown stream)
// live next to the code that returns them.
package errors
