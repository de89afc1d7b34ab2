package ledger

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/datachat-io/datachat/internal/db"
)

// Repo is the append-only run ledger over users_threads_runs. It goes through
// the pool manager on every call, like the checkpoint store, so it survives
// pool recreation.
type Repo struct {
	pool *db.Manager
}

func NewRepo(pool *db.Manager) *Repo {
	return &Repo{pool: pool}
}

func (r *Repo) Migrate(ctx context.Context) error {
	gdb, err := r.pool.Healthy(ctx)
	if err != nil {
		return err
	}
	return gdb.WithContext(ctx).AutoMigrate(&ThreadRun{})
}

// CreateRun registers a run. The prompt is truncated to the storage limit.
// run_id is the primary key: inserting a duplicate fails loudly, because a
// duplicate run_id indicates a logic error upstream, not something to paper
// over with retry-and-ignore.
func (r *Repo) CreateRun(ctx context.Context, email, threadID, prompt, runID string) (string, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	if len(prompt) > PromptMaxLen {
		prompt = prompt[:PromptMaxLen]
	}

	gdb, err := r.pool.Healthy(ctx)
	if err != nil {
		return "", err
	}

	row := ThreadRun{
		Timestamp: time.Now().UTC(),
		Email:     email,
		ThreadID:  threadID,
		RunID:     runID,
		Prompt:    prompt,
	}
	if err := gdb.WithContext(ctx).Create(&row).Error; err != nil {
		return "", err
	}
	return runID, nil
}

// UpdateSentiment sets the sentiment on a run, but only when actingEmail owns
// it. Returns false on zero matched rows whether the run does not exist or
// belongs to someone else; callers cannot tell the two apart, by contract.
func (r *Repo) UpdateSentiment(ctx context.Context, runID string, sentiment *bool, actingEmail string) (bool, error) {
	gdb, err := r.pool.Healthy(ctx)
	if err != nil {
		return false, err
	}

	q := gdb.WithContext(ctx).Model(&ThreadRun{})
	if actingEmail != "" {
		var owned int64
		if err := gdb.WithContext(ctx).Model(&ThreadRun{}).
			Where("run_id = ? AND email = ?", runID, actingEmail).
			Count(&owned).Error; err != nil {
			return false, err
		}
		if owned == 0 {
			log.Printf("[ledger] sentiment update denied run_id=%s acting=%s", runID, actingEmail)
			return false, nil
		}
		q = q.Where("run_id = ? AND email = ?", runID, actingEmail)
	} else {
		q = q.Where("run_id = ?", runID)
	}

	res := q.Update("sentiment", sentiment)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Sentiments returns run_id -> sentiment for every run of the user's thread.
func (r *Repo) Sentiments(ctx context.Context, email, threadID string) (map[string]*bool, error) {
	gdb, err := r.pool.Healthy(ctx)
	if err != nil {
		return nil, err
	}

	var rows []ThreadRun
	if err := gdb.WithContext(ctx).
		Where("email = ? AND thread_id = ?", email, threadID).
		Order("timestamp ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[string]*bool, len(rows))
	for _, row := range rows {
		out[row.RunID] = row.Sentiment
	}
	return out, nil
}

// ListRuns returns the user's runs for one thread ascending by timestamp.
func (r *Repo) ListRuns(ctx context.Context, email, threadID string) ([]ThreadRun, error) {
	gdb, err := r.pool.Healthy(ctx)
	if err != nil {
		return nil, err
	}

	var rows []ThreadRun
	if err := gdb.WithContext(ctx).
		Where("email = ? AND thread_id = ?", email, threadID).
		Order("timestamp ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountThreads returns the number of distinct threads the user has.
func (r *Repo) CountThreads(ctx context.Context, email string) (int64, error) {
	gdb, err := r.pool.Healthy(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	err = gdb.WithContext(ctx).Model(&ThreadRun{}).
		Where("email = ?", email).
		Distinct("thread_id").
		Count(&count).Error
	return count, err
}

// ListThreads returns grouped thread summaries ordered by latest activity,
// newest first, paginated by limit/offset. The title is the earliest
// non-empty prompt of the thread, shortened for display.
func (r *Repo) ListThreads(ctx context.Context, email string, limit, offset int) ([]ThreadSummary, error) {
	gdb, err := r.pool.Healthy(ctx)
	if err != nil {
		return nil, err
	}

	type statRow struct {
		ThreadID        string
		LatestTimestamp time.Time
		RunCount        int64
	}
	var stats []statRow
	if err := gdb.WithContext(ctx).Model(&ThreadRun{}).
		Select("thread_id, MAX(timestamp) AS latest_timestamp, COUNT(*) AS run_count").
		Where("email = ?", email).
		Group("thread_id").
		Order("latest_timestamp DESC").
		Limit(limit).
		Offset(offset).
		Scan(&stats).Error; err != nil {
		return nil, err
	}
	if len(stats) == 0 {
		return []ThreadSummary{}, nil
	}

	ids := make([]string, 0, len(stats))
	for _, s := range stats {
		ids = append(ids, s.ThreadID)
	}

	// Earliest non-empty prompt per thread; rows come back ascending, first
	// hit per thread wins.
	var promptRows []ThreadRun
	if err := gdb.WithContext(ctx).
		Where("email = ? AND thread_id IN ? AND prompt <> ''", email, ids).
		Order("timestamp ASC").
		Find(&promptRows).Error; err != nil {
		return nil, err
	}
	firstPrompt := make(map[string]string, len(ids))
	for _, row := range promptRows {
		if _, ok := firstPrompt[row.ThreadID]; !ok {
			firstPrompt[row.ThreadID] = row.Prompt
		}
	}

	out := make([]ThreadSummary, 0, len(stats))
	for _, s := range stats {
		full := firstPrompt[s.ThreadID]
		if full == "" {
			full = "New Chat"
		}
		title := full
		if len(title) > TitleMaxLen {
			title = title[:TitleMaxLen] + "..."
		}
		out = append(out, ThreadSummary{
			ThreadID:        s.ThreadID,
			LatestTimestamp: s.LatestTimestamp,
			RunCount:        s.RunCount,
			Title:           title,
			FullPrompt:      full,
		})
	}
	return out, nil
}

// DeleteThread removes every run row for the user's thread and returns the
// count. Zero rows is a valid, non-error outcome.
func (r *Repo) DeleteThread(ctx context.Context, email, threadID string) (int64, error) {
	gdb, err := r.pool.Healthy(ctx)
	if err != nil {
		return 0, err
	}

	res := gdb.WithContext(ctx).
		Where("email = ? AND thread_id = ?", email, threadID).
		Delete(&ThreadRun{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
