package supervisor

import (
	"time"

	"github.com/danmuck/hubd/internal/hub"
	"github.com/google/uuid"
)

// Attempt is one pass of the supervisor loop: a session run plus its probes.
type Attempt struct {
	ID        string     `json:"id"`
	Target    hub.Target `json:"-"`
	Endpoint  string     `json:"endpoint"`
	Probes    int        `json:"probes"`
	Outcome   Outcome    `json:"outcome"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at,omitzero"`
}

func newAttempt(target hub.Target) *Attempt {
	return &Attempt{
		ID:        uuid.NewString(),
		Target:    target,
		Endpoint:  target.URL(),
		StartedAt: time.Now(),
	}
}

// Status is a point-in-time view for the admin surface.
type Status struct {
	State    State    `json:"state"`
	Attempt  *Attempt `json:"attempt,omitempty"`
	Attempts uint64   `json:"attempts"`
	Connects uint64   `json:"connects"`
}
