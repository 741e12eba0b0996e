// Package errors implements a three-class error classification system for
// the flow execution engine: Transient (temporary, retryable), Invalid
// (bad input or state, non-retryable), and Fatal (unrecoverable, stop
// processing).
//
// The classification maps directly onto the engine's error surface:
//
//   - Invalid: unknown flow or plugin types, schema violations on flow or
//     plugin arguments, state-machine precondition failures
//     (ErrInvalidState, ErrChildrenPending), access denials. Rejected
//     synchronously at the call that introduced them, never partially
//     applied.
//   - Transient: storage unavailability, connection loss, revision
//     conflicts on KV updates, full work queues. Retried with backoff where
//     the caller owns the retry loop.
//   - Fatal: configuration errors and resource exhaustion.
//
// All error wrapping follows the standardized format
//
//	"component.method: action failed: %w"
//
// via the Wrap family of functions, which preserve classification through
// errors.Is/As chains:
//
//	if err := machine.Complete(ctx, id); err != nil {
//	    if errors.Is(err, errors.ErrChildrenPending) {
//	        // re-poll after children finish; not an end-user error
//	    }
//	}
//
// Plugin processing failures are deliberately absent from this package's
// sentinel set: they are recorded as batch status entries by the output
// plugin runtime, never propagated as errors.
package errors
