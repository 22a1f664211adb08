// Package localstore is the reference file-backed implementation of
// types.Store: one append-only, length-framed file per stream (records,
// fiber deltas, memberships) under a configured directory, each record
// compressed independently so a single bad frame never invalidates the
// rest of the file the way a single corrupt gzip stream would.
package localstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/aiguy110/noil/internal/metrics"
	"github.com/aiguy110/noil/pkg/compression"
	"github.com/aiguy110/noil/pkg/errors"
	"github.com/aiguy110/noil/pkg/types"
)

// Store writes each stream to its own append-only file.
type Store struct {
	cfg        types.LocalStoreConfig
	logger     *logrus.Logger
	compressor *compression.HTTPCompressor
	algorithm  compression.Algorithm

	mu    sync.Mutex
	files map[string]*streamFile
}

type streamFile struct {
	file *os.File
	mu   sync.Mutex
}

// New builds a Store rooted at cfg.Directory.
func New(cfg types.LocalStoreConfig, logger *logrus.Logger) *Store {
	algo := compression.Algorithm(cfg.Compression)
	if algo == "" {
		algo = compression.AlgorithmGzip
	}

	compressor := compression.NewHTTPCompressor(compression.Config{
		DefaultAlgorithm: algo,
		MinBytes:         1, // every record is compressed, however small
		Level:            6,
		PoolSize:         4,
	}, logger)

	return &Store{
		cfg:        cfg,
		logger:     logger,
		compressor: compressor,
		algorithm:  algo,
		files:      make(map[string]*streamFile),
	}
}

// Start creates the output directory.
func (s *Store) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Directory, 0o755); err != nil {
		return errors.StoreError("mkdir", err.Error()).Wrap(err)
	}
	return nil
}

// Stop closes every open stream file.
func (s *Store) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sf := range s.files {
		sf.file.Close()
	}
	return nil
}

// IsHealthy is always true for the local backend: a full disk surfaces as
// a write error on the next call instead of a standing health flag.
func (s *Store) IsHealthy() bool { return true }

func (s *Store) streamFor(name string) (*streamFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sf, ok := s.files[name]; ok {
		return sf, nil
	}

	path := filepath.Join(s.cfg.Directory, name+"."+string(s.algorithm))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	sf := &streamFile{file: f}
	s.files[name] = sf
	return sf, nil
}

// write compresses v independently and appends it as a
// (4-byte length, compressed bytes) frame.
func (s *Store) write(stream string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.StoreError("encode", err.Error()).Wrap(err)
	}

	result, err := s.compressor.Compress(body, s.algorithm, stream)
	if err != nil {
		metrics.StoreWritesTotal.WithLabelValues("local_file", stream, "error").Inc()
		return errors.StoreError("compress", err.Error()).Wrap(err)
	}

	sf, err := s.streamFor(stream)
	if err != nil {
		metrics.StoreWritesTotal.WithLabelValues("local_file", stream, "error").Inc()
		return errors.StoreError("open_stream", err.Error()).Wrap(err)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(result.Data)))

	sf.mu.Lock()
	defer sf.mu.Unlock()
	if _, err := sf.file.Write(header[:]); err != nil {
		metrics.StoreWritesTotal.WithLabelValues("local_file", stream, "error").Inc()
		return errors.StoreError("write", err.Error()).Wrap(err)
	}
	if _, err := sf.file.Write(result.Data); err != nil {
		metrics.StoreWritesTotal.WithLabelValues("local_file", stream, "error").Inc()
		return errors.StoreError("write", err.Error()).Wrap(err)
	}

	metrics.StoreWritesTotal.WithLabelValues("local_file", stream, "ok").Inc()
	return nil
}

// WriteLog appends every record to the records stream.
func (s *Store) WriteLog(ctx context.Context, records []types.LogRecord) error {
	for _, r := range records {
		if err := s.write("records", r); err != nil {
			return err
		}
	}
	return nil
}

// WriteFiber appends a fiber delta to the fibers stream.
func (s *Store) WriteFiber(ctx context.Context, delta types.FiberDelta) error {
	return s.write("fibers", delta)
}

// WriteMemberships appends every membership to the memberships stream.
func (s *Store) WriteMemberships(ctx context.Context, memberships []types.FiberMembership) error {
	for _, m := range memberships {
		if err := s.write("memberships", m); err != nil {
			return err
		}
	}
	return nil
}
