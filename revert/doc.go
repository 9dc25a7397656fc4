// Package revert computes the inverse of a changeset range and emits it as
// a new forward changeset at the tip of the timeline. History is never
// rewritten: reverting is always additive, and reinstating is just
// reverting again to an index after the original revert point.
package revert
