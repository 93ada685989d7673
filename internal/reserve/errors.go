package reserve

import (
	"errors"
	"fmt"
)

// NegativeCode classifies why a resolution could not produce a plan. Codes
// are recoverable refusals: the caller may retry with different parameters
// or surface a "not available" message.
type NegativeCode int

const (
	CodeMaintenanceConflict NegativeCode = iota + 1
	CodeIPMACConflictReservation
	CodeIPMACConflictManagementNode
	CodeConcurrencyCapReached
	CodeUnknownPlatform
	CodeNoMappedComputers
	CodeNoSchedulePlatformMatch
	CodeNoManagementNodeOrLease
	CodeEditWindowRestricted
	CodeScheduleIncompatibleForEdit
)

func (c NegativeCode) String() string {
	switch c {
	case CodeMaintenanceConflict:
		return "maintenance_conflict"
	case CodeIPMACConflictReservation:
		return "ipmac_conflict_reservation"
	case CodeIPMACConflictManagementNode:
		return "ipmac_conflict_management_node"
	case CodeConcurrencyCapReached:
		return "concurrency_cap_reached"
	case CodeUnknownPlatform:
		return "unknown_platform"
	case CodeNoMappedComputers:
		return "no_mapped_computers"
	case CodeNoSchedulePlatformMatch:
		return "no_schedule_platform_match"
	case CodeNoManagementNodeOrLease:
		return "no_management_node_or_lease"
	case CodeEditWindowRestricted:
		return "edit_window_restricted"
	case CodeScheduleIncompatibleForEdit:
		return "schedule_incompatible_for_edit"
	}
	return fmt.Sprintf("negative_code_%d", int(c))
}

// NegativeResult is the typed refusal returned by the resolver. It
// implements error so callers can propagate it, but it is not a fault:
// store failures and exhausted retries are returned as plain errors
// instead.
type NegativeResult struct {
	Code    NegativeCode
	ImageID string
	Detail  string
}

func (e *NegativeResult) Error() string {
	if e.ImageID == "" {
		return fmt.Sprintf("not available: %s", e.Code)
	}
	return fmt.Sprintf("not available: %s (image %s)", e.Code, e.ImageID)
}

// AsNegative unwraps err into a NegativeResult if it carries one.
func AsNegative(err error) (*NegativeResult, bool) {
	var neg *NegativeResult
	if errors.As(err, &neg) {
		return neg, true
	}
	return nil, false
}

func notAvailable(code NegativeCode, imageID, detail string) *NegativeResult {
	return &NegativeResult{Code: code, ImageID: imageID, Detail: detail}
}
