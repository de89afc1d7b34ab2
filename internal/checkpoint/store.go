package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/datachat-io/datachat/internal/common"
	"github.com/datachat-io/datachat/internal/db"
)

type checkpointRow struct {
	ThreadID     string  `gorm:"type:varchar(255);primaryKey"`
	CheckpointID string  `gorm:"type:varchar(255);primaryKey"`
	ParentID     *string `gorm:"type:varchar(255)"`
	Checkpoint   []byte  `gorm:"type:jsonb;not null"`
	Metadata     []byte  `gorm:"type:jsonb"`
	CreatedAt    time.Time
}

func (checkpointRow) TableName() string { return "checkpoints" }

type checkpointWriteRow struct {
	ThreadID     string `gorm:"type:varchar(255);primaryKey"`
	CheckpointID string `gorm:"type:varchar(255);primaryKey"`
	TaskID       string `gorm:"type:varchar(255);primaryKey"`
	Idx          int    `gorm:"primaryKey"`
	Channel      string `gorm:"type:varchar(255);not null"`
	Value        []byte `gorm:"type:jsonb"`
	CreatedAt    time.Time
}

func (checkpointWriteRow) TableName() string { return "checkpoint_writes" }

// SQLStore persists checkpoints through the shared pool manager. Every
// operation asks the manager for a healthy pool first, so a pool that died
// between requests is replaced transparently.
type SQLStore struct {
	pool *db.Manager
}

func NewSQLStore(pool *db.Manager) *SQLStore {
	return &SQLStore{pool: pool}
}

// Migrate creates the checkpoint tables.
func (s *SQLStore) Migrate(ctx context.Context) error {
	gdb, err := s.pool.Healthy(ctx)
	if err != nil {
		return err
	}
	return gdb.WithContext(ctx).AutoMigrate(&checkpointRow{}, &checkpointWriteRow{})
}

// Reset discards the current pool so the next operation reconnects. The
// resilient wrapper calls this after ssl/connection-class failures.
func (s *SQLStore) Reset() error {
	s.pool.Invalidate()
	return nil
}

func (s *SQLStore) Put(ctx context.Context, cfg Config, ckpt *Checkpoint, md *Metadata) (Config, error) {
	if cfg.ThreadID == "" {
		return Config{}, fmt.Errorf("checkpoint: thread_id required")
	}
	if ckpt == nil {
		return Config{}, fmt.Errorf("checkpoint: nil checkpoint")
	}
	if ckpt.ID == "" {
		id, err := common.NewULID()
		if err != nil {
			return Config{}, err
		}
		ckpt.ID = id
	}

	body, err := json.Marshal(ckpt)
	if err != nil {
		return Config{}, err
	}
	var meta []byte
	if md != nil {
		if meta, err = json.Marshal(md); err != nil {
			return Config{}, err
		}
	}

	gdb, err := s.pool.Healthy(ctx)
	if err != nil {
		return Config{}, err
	}

	row := checkpointRow{
		ThreadID:     cfg.ThreadID,
		CheckpointID: ckpt.ID,
		Checkpoint:   body,
		Metadata:     meta,
	}
	if cfg.CheckpointID != "" {
		parent := cfg.CheckpointID
		row.ParentID = &parent
	}

	err = gdb.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "thread_id"}, {Name: "checkpoint_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return Config{}, err
	}
	return Config{ThreadID: cfg.ThreadID, CheckpointID: ckpt.ID}, nil
}

func (s *SQLStore) PutWrites(ctx context.Context, cfg Config, writes []Write, taskID string) error {
	if cfg.ThreadID == "" || cfg.CheckpointID == "" {
		return fmt.Errorf("checkpoint: thread_id and checkpoint_id required for writes")
	}
	if len(writes) == 0 {
		return nil
	}

	rows := make([]checkpointWriteRow, 0, len(writes))
	for i, w := range writes {
		val, err := json.Marshal(w.Value)
		if err != nil {
			return err
		}
		rows = append(rows, checkpointWriteRow{
			ThreadID:     cfg.ThreadID,
			CheckpointID: cfg.CheckpointID,
			TaskID:       taskID,
			Idx:          i,
			Channel:      w.Channel,
			Value:        val,
		})
	}

	gdb, err := s.pool.Healthy(ctx)
	if err != nil {
		return err
	}
	return gdb.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "thread_id"}, {Name: "checkpoint_id"}, {Name: "task_id"}, {Name: "idx"}},
			UpdateAll: true,
		}).
		Create(&rows).Error
}

func (s *SQLStore) Get(ctx context.Context, cfg Config) (*Checkpoint, error) {
	t, err := s.GetTuple(ctx, cfg)
	if err != nil || t == nil {
		return nil, err
	}
	return t.Checkpoint, nil
}

func (s *SQLStore) GetTuple(ctx context.Context, cfg Config) (*Tuple, error) {
	if cfg.ThreadID == "" {
		return nil, fmt.Errorf("checkpoint: thread_id required")
	}

	gdb, err := s.pool.Healthy(ctx)
	if err != nil {
		return nil, err
	}

	q := gdb.WithContext(ctx).Where("thread_id = ?", cfg.ThreadID)
	if cfg.CheckpointID != "" {
		q = q.Where("checkpoint_id = ?", cfg.CheckpointID)
	}

	var row checkpointRow
	if err := q.Order("checkpoint_id DESC").First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return decodeRow(row)
}

func (s *SQLStore) List(ctx context.Context, cfg Config) ([]Tuple, error) {
	if cfg.ThreadID == "" {
		return nil, fmt.Errorf("checkpoint: thread_id required")
	}

	gdb, err := s.pool.Healthy(ctx)
	if err != nil {
		return nil, err
	}

	var rows []checkpointRow
	if err := gdb.WithContext(ctx).
		Where("thread_id = ?", cfg.ThreadID).
		Order("checkpoint_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	tuples := make([]Tuple, 0, len(rows))
	for _, row := range rows {
		t, err := decodeRow(row)
		if err != nil {
			// One corrupt snapshot must not hide the rest of the thread.
			log.Printf("[checkpoint] skipping undecodable checkpoint thread=%s id=%s: %v", row.ThreadID, row.CheckpointID, err)
			continue
		}
		tuples = append(tuples, *t)
	}
	return tuples, nil
}

func (s *SQLStore) DeleteThread(ctx context.Context, threadID string) (int64, error) {
	gdb, err := s.pool.Healthy(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	res := gdb.WithContext(ctx).Where("thread_id = ?", threadID).Delete(&checkpointWriteRow{})
	if res.Error != nil {
		return 0, res.Error
	}
	total += res.RowsAffected

	res = gdb.WithContext(ctx).Where("thread_id = ?", threadID).Delete(&checkpointRow{})
	if res.Error != nil {
		return total, res.Error
	}
	total += res.RowsAffected
	return total, nil
}

func decodeRow(row checkpointRow) (*Tuple, error) {
	var ckpt Checkpoint
	if err := json.Unmarshal(row.Checkpoint, &ckpt); err != nil {
		return nil, fmt.Errorf("checkpoint %s/%s: decode: %w", row.ThreadID, row.CheckpointID, err)
	}
	if ckpt.ID == "" {
		ckpt.ID = row.CheckpointID
	}

	var md *Metadata
	if len(row.Metadata) > 0 {
		md = &Metadata{}
		if err := json.Unmarshal(row.Metadata, md); err != nil {
			return nil, fmt.Errorf("checkpoint %s/%s: decode metadata: %w", row.ThreadID, row.CheckpointID, err)
		}
	}

	return &Tuple{
		Config:     Config{ThreadID: row.ThreadID, CheckpointID: row.CheckpointID},
		Checkpoint: &ckpt,
		Metadata:   md,
	}, nil
}
