package thread

import (
	"context"
	"log"
	"time"

	"github.com/datachat-io/datachat/internal/cache"
	"github.com/datachat-io/datachat/internal/checkpoint"
	"github.com/datachat-io/datachat/internal/ledger"
)

// View is everything the HTTP layer needs to render one thread.
type View struct {
	Messages   []checkpoint.Message `json:"messages"`
	RunIDs     []RunInfo            `json:"run_ids"`
	Sentiments map[string]*bool     `json:"sentiments"`
}

type RunInfo struct {
	RunID     string    `json:"run_id"`
	Prompt    string    `json:"prompt"`
	Timestamp time.Time `json:"timestamp"`
}

type Page struct {
	Threads    []ledger.ThreadSummary `json:"threads"`
	TotalCount int64                  `json:"total_count"`
	Page       int                    `json:"page"`
	Limit      int                    `json:"limit"`
	HasMore    bool                   `json:"has_more"`
}

type DeleteResult struct {
	ThreadID           string `json:"thread_id"`
	DeletedRuns        int64  `json:"deleted_runs"`
	DeletedCheckpoints int64  `json:"deleted_checkpoints"`
}

// Service implements the upward interface consumed by the HTTP layer. Thread
// views are cached and coalesced; mutations bypass the cache and purge it.
type Service struct {
	ledger *ledger.Repo
	store  checkpoint.Store
	views  *cache.Cache[View]
}

func NewService(ledgerRepo *ledger.Repo, store checkpoint.Store, viewTTL, viewErrTTL time.Duration) *Service {
	return &Service{
		ledger: ledgerRepo,
		store:  store,
		views:  cache.New[View](viewTTL, viewErrTTL),
	}
}

// Cache keys include the acting user so derived data never leaks across
// users sharing a thread id.
func viewKey(threadID, email string) string {
	return "thread_view_" + threadID + "_" + email
}

// GetThreadView returns the reconstructed conversation for a thread. Under
// concurrent load, one caller rebuilds and the rest share its result.
func (s *Service) GetThreadView(ctx context.Context, threadID, email string) (View, error) {
	return s.views.GetOrCompute(ctx, viewKey(threadID, email), func(ctx context.Context) (View, error) {
		return s.buildView(ctx, threadID, email)
	})
}

func (s *Service) buildView(ctx context.Context, threadID, email string) (View, error) {
	view := View{
		Messages:   []checkpoint.Message{},
		RunIDs:     []RunInfo{},
		Sentiments: map[string]*bool{},
	}

	runs, err := s.ledger.ListRuns(ctx, email, threadID)
	if err != nil {
		return view, err
	}
	if len(runs) == 0 {
		// Thread unknown to this user: empty view, not an error.
		return view, nil
	}
	for _, run := range runs {
		view.RunIDs = append(view.RunIDs, RunInfo{
			RunID:     run.RunID,
			Prompt:    run.Prompt,
			Timestamp: run.Timestamp,
		})
		if run.Sentiment != nil {
			view.Sentiments[run.RunID] = run.Sentiment
		}
	}

	tuples, err := s.store.List(ctx, checkpoint.Config{ThreadID: threadID})
	if err != nil {
		return view, err
	}
	view.Messages = checkpoint.Reconstruct(tuples, "checkpoint_history")
	return view, nil
}

// ListThreads returns a page of thread summaries plus pagination info.
// page is 1-indexed.
func (s *Service) ListThreads(ctx context.Context, email string, page, limit int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	offset := (page - 1) * limit

	total, err := s.ledger.CountThreads(ctx, email)
	if err != nil {
		return Page{}, err
	}
	threads, err := s.ledger.ListThreads(ctx, email, limit, offset)
	if err != nil {
		return Page{}, err
	}

	return Page{
		Threads:    threads,
		TotalCount: total,
		Page:       page,
		Limit:      limit,
		HasMore:    int64(offset+len(threads)) < total,
	}, nil
}

// DeleteThread removes checkpoint state first, then ledger rows, then purges
// the cached view so a stale conversation is never served after deletion.
func (s *Service) DeleteThread(ctx context.Context, threadID, email string) (DeleteResult, error) {
	res := DeleteResult{ThreadID: threadID}

	ckpts, err := s.store.DeleteThread(ctx, threadID)
	if err != nil {
		return res, err
	}
	res.DeletedCheckpoints = ckpts

	runs, err := s.ledger.DeleteThread(ctx, email, threadID)
	if err != nil {
		return res, err
	}
	res.DeletedRuns = runs

	s.views.Invalidate(viewKey(threadID, email))
	log.Printf("[thread] deleted thread=%s email=%s runs=%d checkpoints=%d", threadID, email, runs, ckpts)
	return res, nil
}

// Sentiments returns run_id -> sentiment for the user's thread.
func (s *Service) Sentiments(ctx context.Context, threadID, email string) (map[string]*bool, error) {
	return s.ledger.Sentiments(ctx, email, threadID)
}

// UpdateSentiment records feedback on a run. A false return means the run was
// not updated, with no distinction between "missing" and "not yours".
func (s *Service) UpdateSentiment(ctx context.Context, runID string, sentiment *bool, email string) (bool, error) {
	updated, err := s.ledger.UpdateSentiment(ctx, runID, sentiment, email)
	if err != nil {
		return false, err
	}
	return updated, nil
}

// CreateRun registers a new run for the thread and returns its id.
func (s *Service) CreateRun(ctx context.Context, email, threadID, prompt, runID string) (string, error) {
	return s.ledger.CreateRun(ctx, email, threadID, prompt, runID)
}

// InvalidateView purges the cached view for a thread/user pair. The worker
// has no access to the server's in-process cache; this is for in-process
// mutation paths only.
func (s *Service) InvalidateView(threadID, email string) {
	s.views.Invalidate(viewKey(threadID, email))
}
