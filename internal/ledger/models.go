package ledger

import "time"

// Prompt storage limit and the shorter display limit used for thread titles.
const (
	PromptMaxLen = 50
	TitleMaxLen  = 47
)

// ThreadRun is one row per agent run. A thread has no row of its own; it is
// simply the set of runs sharing a thread_id. Sentiment is the only mutable
// field: nil = unset, true = thumbs up, false = thumbs down.
type ThreadRun struct {
	Timestamp time.Time `gorm:"not null;index:idx_utr_email_timestamp,priority:2,sort:desc;index:idx_utr_email_thread_timestamp,priority:3" json:"timestamp"`
	Email     string    `gorm:"type:varchar(255);not null;index;index:idx_utr_email_timestamp,priority:1;index:idx_utr_email_thread_timestamp,priority:1" json:"email"`
	ThreadID  string    `gorm:"type:varchar(255);not null;index;index:idx_utr_email_thread_timestamp,priority:2" json:"thread_id"`
	RunID     string    `gorm:"type:varchar(255);primaryKey" json:"run_id"`
	Prompt    string    `gorm:"type:varchar(50)" json:"prompt"`
	Sentiment *bool     `json:"sentiment"`
}

func (ThreadRun) TableName() string { return "users_threads_runs" }

// ThreadSummary is one grouped row of the thread list: latest activity,
// run count and the earliest non-empty prompt as display title.
type ThreadSummary struct {
	ThreadID        string    `json:"thread_id"`
	LatestTimestamp time.Time `json:"latest_timestamp"`
	RunCount        int64     `json:"run_count"`
	Title           string    `json:"title"`
	FullPrompt      string    `json:"full_prompt"`
}
