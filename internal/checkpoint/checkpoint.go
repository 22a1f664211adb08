// Package checkpoint implements the checkpoint collaborator (spec §5/§6):
// gzip-compressed, atomically-written snapshots of every source's read
// position and every fiber-type processor's open-fiber state, with
// generation-based retention.
package checkpoint

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aiguy110/noil/internal/metrics"
	"github.com/aiguy110/noil/pkg/errors"
	"github.com/aiguy110/noil/pkg/types"
)

const filePrefix = "noil-checkpoint-"

// Store implements types.CheckpointStore against a directory of
// gzip-compressed JSON snapshot files.
type Store struct {
	dir               string
	retainGenerations int
	logger            *logrus.Logger
}

// New builds a Store rooted at dir, creating it if necessary.
func New(dir string, retainGenerations int, logger *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.CheckpointError("mkdir", err.Error()).Wrap(err)
	}
	return &Store{dir: dir, retainGenerations: retainGenerations, logger: logger}, nil
}

func (s *Store) fileName(generation int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%020d.json.gz", filePrefix, generation))
}

// Store writes snap atomically (temp file + rename) and prunes generations
// beyond the retention window.
func (s *Store) Store(ctx context.Context, snap types.Snapshot) error {
	start := time.Now()
	defer func() { metrics.CheckpointWriteDuration.Observe(time.Since(start).Seconds()) }()

	generation := snap.GlobalWatermark.Generation
	final := s.fileName(generation)
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		metrics.CheckpointWriteFailuresTotal.Inc()
		return errors.CheckpointError("create_temp", err.Error()).Wrap(err)
	}

	gw := gzip.NewWriter(f)
	enc := json.NewEncoder(gw)
	if err := enc.Encode(snap); err != nil {
		gw.Close()
		f.Close()
		os.Remove(tmp)
		metrics.CheckpointWriteFailuresTotal.Inc()
		return errors.CheckpointError("encode", err.Error()).Wrap(err)
	}
	if err := gw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		metrics.CheckpointWriteFailuresTotal.Inc()
		return errors.CheckpointError("flush", err.Error()).Wrap(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		metrics.CheckpointWriteFailuresTotal.Inc()
		return errors.CheckpointError("close", err.Error()).Wrap(err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		metrics.CheckpointWriteFailuresTotal.Inc()
		return errors.CheckpointError("rename", err.Error()).Wrap(err)
	}

	s.logger.WithFields(logrus.Fields{
		"component":  "checkpoint",
		"generation": generation,
		"sources":    len(snap.Sources),
		"processors": len(snap.Processors),
	}).Debug("checkpoint written")

	return s.prune()
}

// Load returns the most recent valid snapshot, or false if none exists.
func (s *Store) Load(ctx context.Context) (*types.Snapshot, bool, error) {
	files, err := s.sortedFiles()
	if err != nil {
		return nil, false, errors.CheckpointError("list", err.Error()).Wrap(err)
	}
	for i := len(files) - 1; i >= 0; i-- {
		snap, err := s.read(files[i])
		if err != nil {
			s.logger.WithError(err).WithField("file", files[i]).Warn("skipping unreadable checkpoint")
			continue
		}
		return snap, true, nil
	}
	return nil, false, nil
}

func (s *Store) read(path string) (*types.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	var snap types.Snapshot
	if err := json.NewDecoder(gr).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) sortedFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		files = append(files, filepath.Join(s.dir, e.Name()))
	}
	sort.Strings(files) // zero-padded generation in the name sorts lexicographically
	return files, nil
}

// prune removes all but the most recent retainGenerations checkpoint files.
func (s *Store) prune() error {
	if s.retainGenerations <= 0 {
		return nil
	}
	files, err := s.sortedFiles()
	if err != nil {
		return err
	}
	metrics.CheckpointGenerationsRetained.Set(float64(len(files)))
	if len(files) <= s.retainGenerations {
		return nil
	}
	for _, f := range files[:len(files)-s.retainGenerations] {
		if err := os.Remove(f); err != nil {
			s.logger.WithError(err).WithField("file", f).Warn("failed to prune checkpoint")
		}
	}
	metrics.CheckpointGenerationsRetained.Set(float64(s.retainGenerations))
	return nil
}
