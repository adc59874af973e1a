// Package engine drives a deployment through its fixed step pipeline.
//
// The engine owns no scheduling state of its own: the state store's
// NextPendingStep is the sole scheduling authority, which makes every run,
// first or resumed, the same loop over persisted state. Each step executes
// under a retry policy selected by its registered class, and a completed run
// must still pass the completion gate, which verifies that the required
// cross-step outputs exist before the deployment is declared successful.
//
// Pause and cancel are cooperative: the step in flight finishes, and only the
// waits between attempts and steps end early. Progress is reported as typed
// events on a channel returned by Events.
package engine
