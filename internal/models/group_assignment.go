package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// AssignmentMode controls how a directory group is targeted by the MDM.
type AssignmentMode string

const (
	// AssignmentIncluded targets the members of the group.
	AssignmentIncluded AssignmentMode = "included"
	// AssignmentExcluded removes the members of the group from the target.
	AssignmentExcluded AssignmentMode = "excluded"
	// AssignmentAllUsers targets every licensed user in the tenant.
	AssignmentAllUsers AssignmentMode = "all_users"
	// AssignmentAllDevices targets every managed device in the tenant.
	AssignmentAllDevices AssignmentMode = "all_devices"
)

// DeliveryPriority is the content delivery optimization setting.
type DeliveryPriority string

const (
	DeliveryNotConfigured DeliveryPriority = "not_configured"
	DeliveryForeground    DeliveryPriority = "foreground"
)

// NotificationSetting controls end-user toast notifications for the install.
type NotificationSetting string

const (
	NotificationShowAll    NotificationSetting = "show_all"
	NotificationShowReboot NotificationSetting = "show_reboot"
	NotificationHideAll    NotificationSetting = "hide_all"
)

// FilterMode says whether an assignment filter includes or excludes matches.
type FilterMode string

const (
	FilterInclude FilterMode = "include"
	FilterExclude FilterMode = "exclude"
)

// GroupAssignment is one target of a phase. The values are passed through to
// the MDM unchanged; Stagehand only checks that they are well formed.
type GroupAssignment struct {
	GroupID          *uuid.UUID          `json:"group_id,omitempty"`
	GroupName        string              `json:"group_name,omitempty"`
	Mode             AssignmentMode      `json:"mode"`
	DeliveryPriority DeliveryPriority    `json:"delivery_priority,omitempty"`
	Notification     NotificationSetting `json:"notification,omitempty"`
	FilterID         *uuid.UUID          `json:"filter_id,omitempty"`
	FilterMode       FilterMode          `json:"filter_mode,omitempty"`
}

// ErrInvalidGroupAssignment is returned by GroupAssignment.Validate.
var ErrInvalidGroupAssignment = errors.New("invalid group assignment")

// Validate checks the assignment is internally consistent.
func (g GroupAssignment) Validate() error {
	switch g.Mode {
	case AssignmentIncluded, AssignmentExcluded:
		if g.GroupID == nil || *g.GroupID == uuid.Nil {
			return fmt.Errorf("%w: mode %s requires group_id", ErrInvalidGroupAssignment, g.Mode)
		}
	case AssignmentAllUsers, AssignmentAllDevices:
		if g.GroupID != nil {
			return fmt.Errorf("%w: mode %s must not set group_id", ErrInvalidGroupAssignment, g.Mode)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidGroupAssignment, g.Mode)
	}

	switch g.DeliveryPriority {
	case "", DeliveryNotConfigured, DeliveryForeground:
	default:
		return fmt.Errorf("%w: unknown delivery priority %q", ErrInvalidGroupAssignment, g.DeliveryPriority)
	}

	switch g.Notification {
	case "", NotificationShowAll, NotificationShowReboot, NotificationHideAll:
	default:
		return fmt.Errorf("%w: unknown notification setting %q", ErrInvalidGroupAssignment, g.Notification)
	}

	if g.FilterID != nil {
		if g.FilterMode != FilterInclude && g.FilterMode != FilterExclude {
			return fmt.Errorf("%w: filter_mode must be include or exclude", ErrInvalidGroupAssignment)
		}
	} else if g.FilterMode != "" {
		return fmt.Errorf("%w: filter_mode set without filter_id", ErrInvalidGroupAssignment)
	}

	return nil
}

// ValidGroups splits groups into well formed entries and the errors for the rest.
func ValidGroups(groups []GroupAssignment) ([]GroupAssignment, []error) {
	valid := make([]GroupAssignment, 0, len(groups))
	var errs []error
	for i, g := range groups {
		if err := g.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("group %d: %w", i, err))
			continue
		}
		valid = append(valid, g)
	}
	return valid, errs
}
