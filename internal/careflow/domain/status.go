package domain

import (
	"github.com/safar-saathi/careflow/internal/shared/errors"
	"github.com/safar-saathi/careflow/internal/shared/types"
)

// Status is the lifecycle state shared by every workflow record
type Status string

const (
	StatusPending    Status = "pending"
	StatusRequested  Status = "requested"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusDenied     Status = "denied"
	StatusExpired    Status = "expired"
)

// Lifecycle is a closed transition table for one record type
type Lifecycle struct {
	resource string
	initial  Status
	edges    map[Status][]Status
}

var (
	TransferLifecycle = Lifecycle{
		resource: "transfer",
		initial:  StatusPending,
		edges: map[Status][]Status{
			StatusPending: {StatusApproved, StatusRejected},
		},
	}

	ConsultationLifecycle = Lifecycle{
		resource: "consultation",
		initial:  StatusRequested,
		edges: map[Status][]Status{
			StatusRequested:  {StatusApproved, StatusCancelled},
			StatusApproved:   {StatusInProgress, StatusCancelled},
			StatusInProgress: {StatusCompleted, StatusCancelled},
		},
	}

	DataRequestLifecycle = Lifecycle{
		resource: "data_request",
		initial:  StatusPending,
		edges: map[Status][]Status{
			StatusPending:  {StatusApproved, StatusDenied},
			StatusApproved: {StatusExpired},
		},
	}
)

// Resource names the record type in errors and audit records
func (l Lifecycle) Resource() string {
	return l.resource
}

// Initial is the status every record of this type is created in
func (l Lifecycle) Initial() Status {
	return l.initial
}

// Valid reports whether s belongs to this lifecycle
func (l Lifecycle) Valid(s Status) bool {
	if s == l.initial {
		return true
	}
	for from, tos := range l.edges {
		if from == s {
			return true
		}
		for _, to := range tos {
			if to == s {
				return true
			}
		}
	}
	return false
}

func (l Lifecycle) CanTransition(from, to Status) bool {
	for _, allowed := range l.edges[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s
func (l Lifecycle) IsTerminal(s Status) bool {
	return len(l.edges[s]) == 0
}

// Transition validates from→to, returning AlreadyResolved when the table
// does not allow it
func (l Lifecycle) Transition(id types.ID, from, to Status) error {
	if !l.CanTransition(from, to) {
		return errors.AlreadyResolved(l.resource, id.String(), string(from))
	}
	return nil
}
