package migration

import (
	"context"
	"errors"

	"github.com/steveyegge/flowshift/internal/storage"
)

var (
	// ErrPlanNotFound means the plan id on a marker does not resolve.
	ErrPlanNotFound = errors.New("migration plan not found")
	// ErrPlanExpired means the plan exists but may no longer be applied.
	ErrPlanExpired = errors.New("migration plan expired")
	// ErrBrokenPlanChain means a composite migration is missing a link.
	ErrBrokenPlanChain = errors.New("broken migration plan chain")
	// ErrNoAnchorFound means the session's step cannot be located in the new version.
	ErrNoAnchorFound = errors.New("no anchor found for session position")
	// ErrInvalidTransition is returned for a plan status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid plan status transition")
	// ErrInvalidVersionPair is returned when from_version >= to_version.
	ErrInvalidVersionPair = errors.New("invalid version pair")
	// ErrPlanNotPending is returned when mutating a plan that is no longer PENDING.
	ErrPlanNotPending = errors.New("plan is not pending")
	// ErrAmbiguityUnacknowledged blocks approval of a plan with ambiguous anchors.
	ErrAmbiguityUnacknowledged = errors.New("plan has ambiguous anchors; approval requires acknowledgment")
	// ErrUnknownAnchor is returned for a policy change on a hash that is not an anchor of the plan.
	ErrUnknownAnchor = errors.New("anchor not in plan")
)

// ErrorKind names the failure class recorded in audit records and shown by the CLI.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindPlanNotFound      ErrorKind = "plan_not_found"
	KindPlanExpired       ErrorKind = "plan_expired"
	KindBrokenPlanChain   ErrorKind = "broken_plan_chain"
	KindNoAnchorFound     ErrorKind = "no_anchor_found"
	KindAmbiguousAnchor   ErrorKind = "ambiguous_anchor"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindInvalidRequest    ErrorKind = "invalid_request"
	KindConflict          ErrorKind = "conflict"
	KindNotFound          ErrorKind = "not_found"
	KindCanceled          ErrorKind = "canceled"
	KindInternal          ErrorKind = "internal"
)

// Classify maps err onto the failure taxonomy. nil maps to KindNone.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrPlanNotFound):
		return KindPlanNotFound
	case errors.Is(err, ErrPlanExpired):
		return KindPlanExpired
	case errors.Is(err, ErrBrokenPlanChain):
		return KindBrokenPlanChain
	case errors.Is(err, ErrNoAnchorFound):
		return KindNoAnchorFound
	case errors.Is(err, ErrAmbiguityUnacknowledged):
		return KindAmbiguousAnchor
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrPlanNotPending):
		return KindInvalidTransition
	case errors.Is(err, ErrInvalidVersionPair), errors.Is(err, ErrUnknownAnchor):
		return KindInvalidRequest
	case errors.Is(err, storage.ErrConflict):
		return KindConflict
	case errors.Is(err, storage.ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}

// Hint returns a one-line operator hint for a kind, or "".
func Hint(kind ErrorKind) string {
	switch kind {
	case KindPlanNotFound, KindPlanExpired:
		return "generate and approve a fresh plan for this version pair"
	case KindBrokenPlanChain:
		return "every intermediate version pair needs an approved plan"
	case KindAmbiguousAnchor:
		return "review the duplicate steps, then re-run with --acknowledge-ambiguity"
	case KindInvalidTransition:
		return "check the plan status with 'flowshift plan show'"
	case KindConflict:
		return "the record changed concurrently; retry"
	case KindNoAnchorFound, KindInvalidRequest, KindNotFound, KindCanceled, KindInternal, KindNone:
		return ""
	}
	return ""
}
