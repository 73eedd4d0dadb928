// Package xerrors classifies the error kinds a control loop needs to act
// on differently: a transient remote failure retries, a precondition
// failure skips the job for this tick, a name collision is success in
// disguise. Callers use errors.As against the sentinel wrapper types
// instead of matching error strings.
package xerrors

import "fmt"

// Transient wraps a remote failure worth retrying within a task's
// deadline: a 5xx from the cloud or CI provider, a network timeout, or an
// SSH connection refusal during bootstrap.
type Transient struct{ Err error }

func (e *Transient) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *Transient) Unwrap() error { return e.Err }

// Precondition wraps a label or resolution failure that makes a job's
// RunnerSpec unbuildable: an unknown image, server type, or location, or a
// malformed label. The job is rejected for this tick and not retried until
// its label set changes.
type Precondition struct{ Err error }

func (e *Precondition) Error() string { return fmt.Sprintf("precondition: %v", e.Err) }
func (e *Precondition) Unwrap() error { return e.Err }

// NameCollision wraps a cloud API rejection caused by a server name
// already existing. The naming invariant guarantees this only happens when
// another worker has already created the server with that name, so
// callers treat it as success.
type NameCollision struct{ Err error }

func (e *NameCollision) Error() string { return fmt.Sprintf("name collision: %v", e.Err) }
func (e *NameCollision) Unwrap() error { return e.Err }

// BudgetExhausted wraps a failure to find capacity for a job this tick: the
// server cap was reached, no recyclable match existed, or eviction was
// refused. The job is skipped and retried next tick.
type BudgetExhausted struct{ Err error }

func (e *BudgetExhausted) Error() string { return fmt.Sprintf("budget exhausted: %v", e.Err) }
func (e *BudgetExhausted) Unwrap() error { return e.Err }

// Bootstrap wraps a non-zero exit from a setup or startup script. It is
// fatal for the server under construction; the server is deleted and the
// same name is not retried.
type Bootstrap struct{ Err error }

func (e *Bootstrap) Error() string { return fmt.Sprintf("bootstrap: %v", e.Err) }
func (e *Bootstrap) Unwrap() error { return e.Err }

// Fatal wraps a top-level loop error or an invalid startup configuration.
// Receiving one sets the process-wide terminate signal.
type Fatal struct{ Err error }

func (e *Fatal) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *Fatal) Unwrap() error { return e.Err }
