package checkpoint

import "context"

// Config addresses checkpoints. ThreadID is always set; CheckpointID is empty
// when the caller means "the latest snapshot of the thread".
type Config struct {
	ThreadID     string
	CheckpointID string
}

// Checkpoint is an immutable snapshot of agent state at one step. ID is a
// ULID, so lexicographic order is creation order. ChannelValues holds the
// named state slots (final_answer, queries_and_results, top_selection_codes,
// top_chunks, ...).
type Checkpoint struct {
	ID            string         `json:"id"`
	ChannelValues map[string]any `json:"channel_values"`
}

// Metadata travels next to a checkpoint. Writes maps a step name to the
// values that step wrote, which is how the original user prompt is recovered
// before any query rewriting touched it.
type Metadata struct {
	Source string                    `json:"source,omitempty"`
	Step   int                       `json:"step,omitempty"`
	Writes map[string]map[string]any `json:"writes,omitempty"`
}

// Tuple pairs a checkpoint with its address and metadata, mirroring what the
// store hands back on reads.
type Tuple struct {
	Config     Config
	Checkpoint *Checkpoint
	Metadata   *Metadata
}

// Write is one pending channel write recorded against a checkpoint.
type Write struct {
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// Store is the full operation surface the rest of the system depends on.
// The resilient wrapper implements every method explicitly; there is no
// reflective fallthrough to the wrapped implementation.
type Store interface {
	// Put persists a checkpoint. Duplicate puts for the same
	// (thread, checkpoint) overwrite, which is what makes retry-after-partial-
	// failure safe.
	Put(ctx context.Context, cfg Config, ckpt *Checkpoint, md *Metadata) (Config, error)

	// PutWrites persists pending writes for a task at a checkpoint, also
	// overwrite-safe.
	PutWrites(ctx context.Context, cfg Config, writes []Write, taskID string) error

	// Get returns the addressed checkpoint, or the latest one when
	// cfg.CheckpointID is empty. Absence is (nil, nil), not an error.
	Get(ctx context.Context, cfg Config) (*Checkpoint, error)

	// GetTuple is Get plus metadata. Absence is (nil, nil).
	GetTuple(ctx context.Context, cfg Config) (*Tuple, error)

	// List returns all tuples for the thread ascending by checkpoint id.
	// A row that cannot be decoded is logged and skipped; the rest of the
	// sequence is still returned.
	List(ctx context.Context, cfg Config) ([]Tuple, error)

	// DeleteThread removes every checkpoint and write for the thread and
	// returns the number of rows removed. Zero is a valid outcome.
	DeleteThread(ctx context.Context, threadID string) (int64, error)
}
