package statussync

import (
	"fmt"
	"time"

	"github.com/hazyhaar/narthex/backend"
	"github.com/hazyhaar/narthex/tagtree"
)

// State is the polling state of one tracked dataset.
type State int

const (
	Idle      State = iota // tracked, no status fetched yet
	Polling                // a fetch is in flight or a re-check is armed
	Completed              // the backend reported no remaining work
	Errored                // the last fetch failed; no automatic retry
)

func (s State) String() string {
	switch s {
	case Polling:
		return "polling"
	case Completed:
		return "completed"
	case Errored:
		return "errored"
	default:
		return "idle"
	}
}

// MarshalText renders the state by name in JSON replies.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = Idle
	case "polling":
		*s = Polling
	case "completed":
		*s = Completed
	case "errored":
		*s = Errored
	default:
		return fmt.Errorf("statussync: unknown state %q", b)
	}
	return nil
}

// Entry is the read-only view of one tracked dataset.
type Entry struct {
	ID            string                     `json:"id"`
	State         State                      `json:"state"`
	Status        backend.Progress           `json:"status"`
	Delimit       tagtree.DelimiterSelection `json:"delimit"`
	Origin        string                     `json:"origin,omitempty"`
	LastCheckedAt time.Time                  `json:"lastCheckedAt,omitzero"`
	Err           string                     `json:"error,omitempty"`
}

// Stats are the loop counters since it was created.
type Stats struct {
	Polls              int `json:"polls"`
	SchedulesCreated   int `json:"schedulesCreated"`
	SchedulesCancelled int `json:"schedulesCancelled"`
	LiveSchedules      int `json:"liveSchedules"`
	Refreshes          int `json:"refreshes"`
	StaleEvents        int `json:"staleEvents"`
}

// pollEntry is an Entry plus the bookkeeping only the loop goroutine touches.
//
// epoch is the generation of the tracked set the entry belongs to. timerSeq
// and fetchSeq are the tokens of the armed re-check and of the in-flight
// fetch; events carrying any other token are stale.
type pollEntry struct {
	Entry
	epoch    uint64
	seq      uint64
	timer    Timer
	timerSeq uint64
	fetching bool
	fetchSeq uint64
}

func (e *pollEntry) next() uint64 {
	e.seq++
	return e.seq
}
