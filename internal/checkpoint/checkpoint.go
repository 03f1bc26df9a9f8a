// Package checkpoint implements the batched flush of task results into the
// archive and the rotating backup-file policy that protects a run against
// a crash mid-write.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/oriys/mechanic/internal/archive"
	"github.com/oriys/mechanic/internal/board"
	"github.com/oriys/mechanic/internal/layout"
	"github.com/oriys/mechanic/internal/logging"
)

// Record is one task's contribution to a pending checkpoint flush: its
// board location, schema name, and the payload bytes to commit.
type Record struct {
	Loc        layout.Location
	TaskID     int
	SchemaName string
	Payload    []byte
}

// Mirror lets the checkpoint engine push a copy of each rotated backup to
// a remote store (internal/remote's S3 mirror, for instance) without
// coupling this package to any specific remote SDK.
type Mirror interface {
	MirrorBackup(path string) error
}

// Observer lets the checkpoint engine report flush activity to metrics
// without coupling this package to any specific collector backend.
type Observer interface {
	ObserveFlush(records int)
}

// Engine batches Records up to a configurable size, flushing them into
// the archive and rotating backup files, per spec.md §4.8.
type Engine struct {
	arc        *archive.Archive
	schemas    map[string]*layout.Schema
	boardDims  layout.BoardDims
	batchSize  int
	pending    []Record
	archivePath string
	backupCount int
	noBackup    bool
	mirror      Mirror
	observer    Observer
}

// Config controls the Engine's batching and backup behavior.
type Config struct {
	ArchivePath string
	BatchSize   int // flush once this many records have accumulated
	NoBackup    bool
	Mirror      Mirror
	Observer    Observer
}

// New creates a checkpoint Engine bound to arc.
func New(arc *archive.Archive, schemas []*layout.Schema, dims layout.BoardDims, cfg Config) *Engine {
	byName := make(map[string]*layout.Schema, len(schemas))
	for _, s := range schemas {
		byName[s.Name] = s
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 1
	}
	return &Engine{
		arc:         arc,
		schemas:     byName,
		boardDims:   dims,
		batchSize:   batch,
		archivePath: cfg.ArchivePath,
		noBackup:    cfg.NoBackup,
		mirror:      cfg.Mirror,
		observer:    cfg.Observer,
	}
}

// Stage queues one task record for the next flush, flushing immediately
// once the batch threshold is reached.
func (e *Engine) Stage(poolID int, b *board.Board, rec Record) error {
	e.pending = append(e.pending, rec)
	if len(e.pending) >= e.batchSize {
		return e.Flush(poolID, b)
	}
	return nil
}

// Flush commits every pending record's payload into its pool-wide dataset
// at the correct hyperslab offset, commits the board snapshot, rotates the
// backup file, and clears the pending batch. Flushing is idempotent at
// cell granularity: re-flushing the same (poolID, loc, schema) overwrites
// the same bytes rather than duplicating them.
func (e *Engine) Flush(poolID int, b *board.Board) error {
	if e.observer != nil {
		e.observer.ObserveFlush(len(e.pending))
	}
	for _, rec := range e.pending {
		s, ok := e.schemas[rec.SchemaName]
		if !ok {
			return fmt.Errorf("checkpoint: unknown schema %q", rec.SchemaName)
		}
		if s.Discipline == layout.Group {
			// GROUP has no shared pool-wide array (layout.PoolDims leaves
			// its shape unchanged): each task's buffer lands only in its
			// own Tasks/task-%04d/ subgroup, per spec.md §4.8 step 3.
			if err := e.arc.CommitTaskDataset(poolID, rec.TaskID, s, rec.Payload); err != nil {
				return fmt.Errorf("checkpoint: commit task dataset for %s task %d: %w", s.Name, rec.TaskID, err)
			}
			continue
		}
		poolDims := layout.PoolDims(s, e.boardDims)
		offsets := layout.Offsets(s, e.boardDims, rec.TaskID, rec.Loc)
		byteOffset := flatByteOffset(offsets, poolDims, s.ElementSize())
		if err := e.arc.WriteHyperslab(poolID, s.Name, byteOffset, rec.Payload); err != nil {
			return fmt.Errorf("checkpoint: write hyperslab for %s: %w", s.Name, err)
		}
	}

	cells := b.Snapshot()
	boardPayload := make([]byte, len(cells)*12)
	for i, c := range cells {
		putInt32(boardPayload[i*12:], int32(c.Status))
		putInt32(boardPayload[i*12+4:], c.Owner)
		putInt32(boardPayload[i*12+8:], c.CheckpointID)
	}
	boardSchema := &layout.Schema{Name: "board", Rank: 2, Dims: []int{e.boardDims.PoolSize(), 3}, Datatype: layout.DatatypeInt}
	if err := e.arc.CommitDataset(poolID, boardSchema, []int{e.boardDims.PoolSize(), 3}, boardPayload); err != nil {
		return fmt.Errorf("checkpoint: commit board: %w", err)
	}

	e.pending = e.pending[:0]

	if err := e.rotateBackup(); err != nil {
		logging.Op().Warn("checkpoint backup rotation failed", "error", err)
	}
	return nil
}

func putInt32(b []byte, v int32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// flatByteOffset converts an n-D element offset within poolDims into a
// flat byte offset, using row-major strides.
func flatByteOffset(offset, poolDims []int, elemSize int) int {
	flat := 0
	stride := 1
	for i := len(poolDims) - 1; i >= 0; i-- {
		flat += offset[i] * stride
		stride *= poolDims[i]
	}
	return flat * elemSize
}

// rotateBackup renumbers prior backups and copies the current archive
// file to NAME-master-00.h5, following the spec's Backup rotation policy:
// -00 is always the most recent snapshot, higher numbers are older.
// The number of backups kept is not capped: every rotation adds one file.
func (e *Engine) rotateBackup() error {
	if e.noBackup || e.archivePath == "" {
		return nil
	}
	dir := filepath.Dir(e.archivePath)
	base := filepath.Base(e.archivePath)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]

	for n := e.backupCount; n >= 1; n-- {
		from := filepath.Join(dir, fmt.Sprintf("%s-master-%02d%s", stem, n-1, ext))
		to := filepath.Join(dir, fmt.Sprintf("%s-master-%02d%s", stem, n, ext))
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return err
			}
		}
	}
	dest := filepath.Join(dir, fmt.Sprintf("%s-master-00%s", stem, ext))
	if err := copyFile(e.archivePath, dest); err != nil {
		return err
	}
	e.backupCount++
	if e.mirror != nil {
		if err := e.mirror.MirrorBackup(dest); err != nil {
			return fmt.Errorf("checkpoint: mirror backup: %w", err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}
