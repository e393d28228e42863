package detector

import "fmt"

// CandidateFailure records one occurrence the scan could not resolve.
type CandidateFailure struct {
	CommandID   string `json:"command_id"`
	ScheduledAt string `json:"scheduled_at"`
	Err         error  `json:"-"`
	Reason      string `json:"reason"`
}

// PartialBatchError reports a scan pass where some candidates failed while
// the rest were processed. Each candidate commits independently, so one bad
// occurrence never rolls back its batch.
type PartialBatchError struct {
	Total    int
	Failed   int
	Failures []CandidateFailure
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("scan pass partially failed: %d of %d candidates errored", e.Failed, e.Total)
}
