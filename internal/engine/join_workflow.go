package engine

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var ErrIllegalTransition = errors.New("illegal join transition")

type JoinState int

const (
	JoinRequested JoinState = iota
	JoinPending
	JoinAutoAdmitted
	JoinApproved
	JoinRejected
)

// JoinTransitions lists the legal next states. States without an entry are terminal.
var JoinTransitions = map[JoinState][]JoinState{
	JoinRequested: {JoinPending, JoinAutoAdmitted},
	JoinPending:   {JoinApproved, JoinRejected},
}

func (s JoinState) String() string {
	switch s {
	case JoinRequested:
		return "requested"
	case JoinPending:
		return "pending"
	case JoinAutoAdmitted:
		return "auto-admitted"
	case JoinApproved:
		return "approved"
	case JoinRejected:
		return "rejected"
	default:
		return fmt.Sprintf("JoinState(%d)", int(s))
	}
}

func (s JoinState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *JoinState) UnmarshalText(b []byte) error {
	for st := JoinRequested; st <= JoinRejected; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown join state %q", b)
}

func (s JoinState) Terminal() bool { return len(JoinTransitions[s]) == 0 }

func (s JoinState) CanTransition(to JoinState) bool {
	return slices.Contains(JoinTransitions[s], to)
}

type JoinRequest struct {
	RequestID   string    `json:"id"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	RequestedAt time.Time `json:"requestedAt"`
	State       JoinState `json:"status"`
}

func (r *JoinRequest) transition(to JoinState) error {
	if !r.State.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.State, to)
	}
	r.State = to
	return nil
}
