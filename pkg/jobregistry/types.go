package jobregistry

import "time"

// JobState is a stage of the job handler. Values are persisted in job.json.
type JobState string

const (
	JobStateReceived        JobState = "received"
	JobStateDatasetAcquired JobState = "dataset_acquired"
	JobStateConfigured      JobState = "configured"
	JobStateTraining        JobState = "training"
	JobStateCollecting      JobState = "collecting"
	JobStatePublishing      JobState = "publishing"
	JobStateSucceeded       JobState = "succeeded"
	JobStateFailed          JobState = "failed"

	// JobStateUnknown marks a record whose worker died mid-job.
	JobStateUnknown JobState = "unknown"
)

// Terminal reports whether no further transition can follow.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateUnknown:
		return true
	default:
		return false
	}
}

// JobRecord is the persistent record written to job.json. Fields are only
// ever added.
type JobRecord struct {
	JobID      string    `json:"job_id"`
	State      JobState  `json:"state"`
	DatasetURL string    `json:"dataset_url,omitempty"`
	WorkerPID  int       `json:"worker_pid,omitempty"`
	TrainerPID int       `json:"trainer_pid,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`

	LogPath  string `json:"log_path,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Files    int    `json:"files,omitempty"`
	Error    string `json:"error,omitempty"`
}
