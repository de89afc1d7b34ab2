package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"
)

// scriptedStore fails with the queued errors first, then succeeds.
type scriptedStore struct {
	errs     []error
	calls    int
	resets   int
	resetErr error
}

func (s *scriptedStore) next() error {
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *scriptedStore) Put(ctx context.Context, cfg Config, ckpt *Checkpoint, md *Metadata) (Config, error) {
	if err := s.next(); err != nil {
		return Config{}, err
	}
	return Config{ThreadID: cfg.ThreadID, CheckpointID: ckpt.ID}, nil
}

func (s *scriptedStore) PutWrites(ctx context.Context, cfg Config, writes []Write, taskID string) error {
	return s.next()
}

func (s *scriptedStore) Get(ctx context.Context, cfg Config) (*Checkpoint, error) {
	if err := s.next(); err != nil {
		return nil, err
	}
	return &Checkpoint{ID: "ok"}, nil
}

func (s *scriptedStore) GetTuple(ctx context.Context, cfg Config) (*Tuple, error) {
	if err := s.next(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *scriptedStore) List(ctx context.Context, cfg Config) ([]Tuple, error) {
	if err := s.next(); err != nil {
		return nil, err
	}
	return []Tuple{}, nil
}

func (s *scriptedStore) DeleteThread(ctx context.Context, threadID string) (int64, error) {
	if err := s.next(); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *scriptedStore) Reset() error {
	s.resets++
	return s.resetErr
}

func newTestResilient(base Store) (*Resilient, *[]time.Duration) {
	r := NewResilient(base)
	var slept []time.Duration
	r.sleep = func(d time.Duration) { slept = append(slept, d) }
	return r, &slept
}

func TestRetry_RecoversAfterTransientFailure(t *testing.T) {
	base := &scriptedStore{errs: []error{errors.New("SSL connection has been closed unexpectedly")}}
	r, slept := newTestResilient(base)

	got, err := r.Get(context.Background(), Config{ThreadID: "t1"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.ID != "ok" {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}
	if base.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", base.calls)
	}
	if len(*slept) != 1 || (*slept)[0] != backoff(0) {
		t.Fatalf("unexpected backoff sequence: %v", *slept)
	}
	// the error mentions a connection, so the pool reset hook must fire
	if base.resets != 1 {
		t.Fatalf("expected 1 reset, got %d", base.resets)
	}
}

func TestRetry_ExhaustsAttemptsOnPersistentFailure(t *testing.T) {
	transient := errors.New("server closed the connection unexpectedly: bad connection")
	base := &scriptedStore{errs: []error{transient, transient, transient, transient}}
	r, slept := newTestResilient(base)

	_, err := r.GetTuple(context.Background(), Config{ThreadID: "t1"})
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if base.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", base.calls)
	}
	want := []time.Duration{backoff(0), backoff(1)}
	if len(*slept) != len(want) {
		t.Fatalf("unexpected sleep count: %v", *slept)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Fatalf("sleep %d: got %v want %v", i, (*slept)[i], want[i])
		}
	}
}

func TestRetry_FatalErrorFailsImmediately(t *testing.T) {
	fatal := errors.New(`duplicate key value violates unique constraint "users_threads_runs_pkey"`)
	base := &scriptedStore{errs: []error{fatal}}
	r, slept := newTestResilient(base)

	err := r.PutWrites(context.Background(), Config{ThreadID: "t1", CheckpointID: "c1"}, []Write{{Channel: "x"}}, "task")
	if !errors.Is(err, fatal) {
		t.Fatalf("expected the fatal error, got %v", err)
	}
	if base.calls != 1 {
		t.Fatalf("expected no retries for fatal error, got %d attempts", base.calls)
	}
	if len(*slept) != 0 {
		t.Fatalf("expected no sleeps, got %v", *slept)
	}
	if base.resets != 0 {
		t.Fatalf("expected no reset for fatal error, got %d", base.resets)
	}
}

func TestRetry_ResetFailureDoesNotAbort(t *testing.T) {
	base := &scriptedStore{
		errs:     []error{errors.New("connection is lost")},
		resetErr: errors.New("reset refused"),
	}
	r, _ := newTestResilient(base)

	if _, err := r.List(context.Background(), Config{ThreadID: "t1"}); err != nil {
		t.Fatalf("list should still recover: %v", err)
	}
	if base.resets != 1 {
		t.Fatalf("expected reset attempt, got %d", base.resets)
	}
}

func TestRetry_NonConnectionErrorSkipsReset(t *testing.T) {
	base := &scriptedStore{errs: []error{errors.New("flush request failed")}}
	r, _ := newTestResilient(base)

	if _, err := r.DeleteThread(context.Background(), "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if base.calls != 2 {
		t.Fatalf("expected retry, got %d attempts", base.calls)
	}
	if base.resets != 0 {
		t.Fatalf("flush errors do not mention connections, resets=%d", base.resets)
	}
}

func TestIsRecoverable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("DbHandler exited"), true},
		{errors.New("connection is lost"), true},
		{errors.New("SSL connection has been closed unexpectedly"), true},
		{errors.New("write failed: connection closed"), true},
		{errors.New("flush request failed"), true},
		{errors.New("cannot run in pipeline mode"), true},
		{errors.New("connection not available after 30s"), true},
		{errors.New("driver: bad connection"), true},
		{errors.New("syntax error at or near SELECT"), false},
		{errors.New("context canceled"), false},
	}
	for _, tc := range cases {
		if got := IsRecoverable(tc.err); got != tc.want {
			t.Errorf("IsRecoverable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestBackoffGrows(t *testing.T) {
	if backoff(0) >= backoff(1) || backoff(1) >= backoff(2) {
		t.Fatalf("backoff must grow: %v %v %v", backoff(0), backoff(1), backoff(2))
	}
	if backoff(0) != 1500*time.Millisecond {
		t.Fatalf("first delay: got %v", backoff(0))
	}
}
