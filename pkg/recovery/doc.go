// Package recovery implements the recovery orchestrator.
//
// A recovery cancels tracked timers, rebuilds the handler set of the last
// dispatched target, runs the registered reset and init handlers, purges
// namespaced persisted keys and finally runs the recovery callbacks. Steps
// fail independently; only a step error wrapping fault.ErrFatalStep, or a
// panic outside the steps, leaves the state unrecoverable. State.TryBegin
// claims a run under one lock, so at most one recovery is in flight and at
// most one starts per cooldown window. Escalation claims through TryBegin
// and then calls Orchestrator.RecoverClaimed.
package recovery
