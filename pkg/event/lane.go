package event

import "fmt"

// Status is a work-package status in the 7-value canonical vocabulary
// the local model uses.
type Status string

const (
	StatusPlanned    Status = "PLANNED"
	StatusClaimed    Status = "CLAIMED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusForReview  Status = "FOR_REVIEW"
	StatusDone       Status = "DONE"
	StatusBlocked    Status = "BLOCKED"
	StatusCanceled   Status = "CANCELED"
)

// Lane is the 4-value wire vocabulary the server's kanban contract
// understands.
type Lane string

const (
	LanePlanned   Lane = "planned"
	LaneDoing     Lane = "doing"
	LaneForReview Lane = "for_review"
	LaneDone      Lane = "done"
)

// laneFor is the total mapping from canonical statuses to wire lanes.
// The collapse is intentionally lossy: BLOCKED work is still on
// somebody's plate (doing) and CANCELED work leaves the board (done).
// Downstream consumers depend on the 4-value contract, so the mapping
// must stay exactly as written.
var laneFor = map[Status]Lane{
	StatusPlanned:    LanePlanned,
	StatusClaimed:    LaneDoing,
	StatusInProgress: LaneDoing,
	StatusForReview:  LaneForReview,
	StatusDone:       LaneDone,
	StatusBlocked:    LaneDoing,
	StatusCanceled:   LaneDone,
}

// CollapseLane maps a canonical status to its wire lane. Any input
// outside the 7 known values is an error — guessing here would corrupt
// downstream kanban state.
func CollapseLane(s Status) (Lane, error) {
	lane, ok := laneFor[s]
	if !ok {
		return "", fmt.Errorf("event: unknown status %q", s)
	}
	return lane, nil
}
