package checkpoint

import (
	"context"
	"log"
	"math"
	"strings"
	"time"
)

// Error signatures that are safe to retry. Anything else is treated as fatal
// and re-raised on the first attempt. The driver does not expose typed
// categories for these, so classification stays on the message text.
var recoverableSignatures = []string{
	"dbhandler exited",
	"connection is lost",
	"ssl connection has been closed",
	"connection closed",
	"flush request failed",
	"pipeline mode",
	"connection not available",
	"bad connection",
}

// IsRecoverable reports whether err matches a known transient store failure.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range recoverableSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func mentionsConnection(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "ssl") || strings.Contains(msg, "connection")
}

// Resetter is the optional hook a store exposes to refresh its underlying
// connections between retry attempts.
type Resetter interface {
	Reset() error
}

// Resilient wraps a Store with bounded, classification-aware retries. Puts
// rely on the wrapped store's overwrite-safe semantics, which is what makes
// retry-after-partial-failure sound.
type Resilient struct {
	base        Store
	resetter    Resetter
	maxAttempts int
	sleep       func(time.Duration)
}

// Compile-time check: the wrapper implements the full operation surface.
var _ Store = (*Resilient)(nil)

func NewResilient(base Store) *Resilient {
	r := &Resilient{
		base:        base,
		maxAttempts: 3,
		sleep:       time.Sleep,
	}
	if rs, ok := base.(Resetter); ok {
		r.resetter = rs
	}
	return r
}

// backoff is 1.5^(attempt+1) seconds: ~1.5s, 2.25s, 3.38s for attempts 0,1,2.
func backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(1.5, float64(attempt+1)) * float64(time.Second))
}

func retry[T any](r *Resilient, op string, fn func() (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if attempt >= r.maxAttempts-1 || !IsRecoverable(err) {
			if attempt > 0 {
				log.Printf("[checkpoint] %s failed after %d attempts: %v", op, attempt+1, err)
			}
			return zero, err
		}

		delay := backoff(attempt)
		log.Printf("[checkpoint] %s failed (attempt %d): %v; retrying in %s", op, attempt+1, err, delay)
		r.sleep(delay)

		if r.resetter != nil && mentionsConnection(err) {
			if rerr := r.resetter.Reset(); rerr != nil {
				// Reset is best-effort; a failed reset never aborts the loop.
				log.Printf("[checkpoint] connection reset failed: %v", rerr)
			}
		}
	}
}

func (r *Resilient) Put(ctx context.Context, cfg Config, ckpt *Checkpoint, md *Metadata) (Config, error) {
	return retry(r, "put", func() (Config, error) {
		return r.base.Put(ctx, cfg, ckpt, md)
	})
}

func (r *Resilient) PutWrites(ctx context.Context, cfg Config, writes []Write, taskID string) error {
	_, err := retry(r, "put_writes", func() (struct{}, error) {
		return struct{}{}, r.base.PutWrites(ctx, cfg, writes, taskID)
	})
	return err
}

func (r *Resilient) Get(ctx context.Context, cfg Config) (*Checkpoint, error) {
	return retry(r, "get", func() (*Checkpoint, error) {
		return r.base.Get(ctx, cfg)
	})
}

func (r *Resilient) GetTuple(ctx context.Context, cfg Config) (*Tuple, error) {
	return retry(r, "get_tuple", func() (*Tuple, error) {
		return r.base.GetTuple(ctx, cfg)
	})
}

// List restarts the whole listing from the beginning on a recoverable error;
// there is no partial resumption.
func (r *Resilient) List(ctx context.Context, cfg Config) ([]Tuple, error) {
	return retry(r, "list", func() ([]Tuple, error) {
		return r.base.List(ctx, cfg)
	})
}

func (r *Resilient) DeleteThread(ctx context.Context, threadID string) (int64, error) {
	return retry(r, "delete_thread", func() (int64, error) {
		return r.base.DeleteThread(ctx, threadID)
	})
}
