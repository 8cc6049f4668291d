package types

// JobStatus is the structured payload a job leaves for the poller.
type JobStatus struct {
	Status  string   `json:"status,omitempty"`
	Error   string   `json:"error,omitempty"`
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Failed  []string `json:"failed,omitempty"`
	Handle  string   `json:"handle,omitempty"`
}

func (s JobStatus) Failure() bool {
	return s.Error != ""
}

type PollState string

const (
	PollStateLocked PollState = "locked"
	PollStateResult PollState = "result"
	PollStateIdle   PollState = "idle"
)

// PollResult is the single discriminated shape returned by a poll.
type PollResult struct {
	State   PollState  `json:"state"`
	Payload *JobStatus `json:"payload,omitempty"`
}
