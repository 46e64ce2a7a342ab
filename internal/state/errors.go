package state

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an execution, story or merge queue item does
// not exist. Wrapped with context by the lookup that failed.
var ErrNotFound = errors.New("not found")

// InvalidTransitionError reports a status change rejected by the transition
// table.
type InvalidTransitionError struct {
	Branch string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.Branch, e.From, e.To)
}

// BranchExistsError reports an insert that would violate branch uniqueness
// among active executions.
type BranchExistsError struct {
	Project string
	Branch  string
}

func (e *BranchExistsError) Error() string {
	return fmt.Sprintf("active execution already exists for branch %s in project %s", e.Branch, e.Project)
}

// ClaimRejectedError reports a failed ready->starting claim. Reason is the
// precise precondition that did not hold.
type ClaimRejectedError struct {
	Branch string
	Reason string
}

func (e *ClaimRejectedError) Error() string {
	return fmt.Sprintf("cannot claim %s: %s", e.Branch, e.Reason)
}
