// Package merge folds the raw findings of one detection rule into the alert store.
//
// A merge invocation runs three stages in order for a rule and an event-time window:
// the Normalizer projects raw rows into alerts, the Reconciler unions them with the
// rule's existing alerts in the window, and the Executor groups the working set by
// dedup key and applies one atomic write to the Store. Service composes the stages and
// is the boundary used by the scheduler and the HTTP API.
package merge
