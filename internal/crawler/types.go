package crawler

import (
	"github.com/alekkss/avito/internal/listing"
)

// State is a pagination controller state.
type State int

// Controller states. The last four are terminal.
const (
	StateIdle State = iota
	StateLoading
	StateClassifying
	StateAwaitingUnblock
	StateChallengeWait
	StateExtracting
	StateDone
	StateExhausted
	StateCycled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateClassifying:
		return "classifying"
	case StateAwaitingUnblock:
		return "awaiting_unblock"
	case StateChallengeWait:
		return "challenge_wait"
	case StateExtracting:
		return "extracting"
	case StateDone:
		return "done"
	case StateExhausted:
		return "exhausted"
	case StateCycled:
		return "cycled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the crawl stops in s.
func (s State) Terminal() bool {
	return s >= StateDone
}

// StopReason explains why a crawl reached its terminal state.
type StopReason string

// Stop reasons recorded on Result.
const (
	ReasonNone                StopReason = ""
	ReasonPageLimit           StopReason = "page_limit"
	ReasonTotalPages          StopReason = "total_pages"
	ReasonPageCap             StopReason = "page_cap"
	ReasonEmptyPages          StopReason = "empty_pages"
	ReasonDuplicates          StopReason = "duplicates"
	ReasonRevisit             StopReason = "revisit"
	ReasonBlocked             StopReason = "blocked"
	ReasonStartUnreachable    StopReason = "start_page_unreachable"
	ReasonNextPageUnreachable StopReason = "next_page_unreachable"
	ReasonCanceled            StopReason = "canceled"
	ReasonSessionLost         StopReason = "session_lost"
	ReasonStoreFailure        StopReason = "store_failure"
)

// Result summarizes one crawl. Listings holds every distinct listing in the
// order it was first seen, all of which were handed to the Sink.
type Result struct {
	Listings          []listing.RawListing
	Pages             int
	LastPage          int
	TotalPages        int
	State             State
	Reason            StopReason
	Persisted         int
	Duplicates        int
	BlockedRecoveries int
	ChallengeWaits    int
	ElementRetries    int
}
