package relay

import (
	"context"
	"encoding/hex"
	"hash"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/InsulaLabs/lantorrent/pkg/models"
	"golang.org/x/crypto/blake2b"
)

// NewChecksum returns the hash used for whole-payload verification.
func NewChecksum() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only fails for keys longer than 64 bytes
		panic(err)
	}
	return h
}

// localSink writes the stream to one file. With Rename set the bytes go to a
// hidden temporary file in the target directory, so the final path only ever
// holds a complete and verified copy.
type localSink struct {
	leaf     models.Leaf
	expected int64
	checksum string
	logger   *slog.Logger

	file    *os.File
	tmpName string
	hash    hash.Hash
	written int64
}

func newLocalSink(leaf models.Leaf, td *models.TransferDescriptor, logger *slog.Logger) *localSink {
	return &localSink{
		leaf:     leaf,
		expected: td.SourceLength,
		checksum: td.Checksum,
		logger:   logger.With("target", leaf.Target.Path),
	}
}

func (s *localSink) open(ctx context.Context) error {
	path := s.leaf.Target.Path
	var err error
	if s.leaf.Target.Rename {
		s.file, err = os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".lt-*")
		if err == nil {
			s.tmpName = s.file.Name()
		}
	} else {
		s.file, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	}
	if err != nil {
		return models.NewError(models.CodeOutputOpenFailed, "%s: %v", path, err)
	}
	if s.checksum != "" {
		s.hash = NewChecksum()
	}
	return nil
}

func (s *localSink) write(block []byte) error {
	n, err := s.file.Write(block)
	s.written += int64(n)
	if err != nil {
		return models.NewError(models.CodeOutputOpenFailed, "writing %s: %v", s.leaf.Target.Path, err)
	}
	if s.hash != nil {
		s.hash.Write(block)
	}
	return nil
}

func (s *localSink) finish(ctx context.Context) []models.CompletionRecord {
	path := s.leaf.Target.Path
	if s.written != s.expected {
		return s.fail(models.NewError(models.CodeConnectionError, "wrote %d of %d bytes to %s", s.written, s.expected, path))
	}
	if s.checksum != "" {
		if sum := hex.EncodeToString(s.hash.Sum(nil)); sum != s.checksum {
			return s.fail(models.NewError(models.CodeChecksumMismatch, "%s has %s, expected %s", path, sum, s.checksum))
		}
	}
	if err := s.file.Sync(); err != nil {
		return s.fail(models.NewError(models.CodeOutputOpenFailed, "sync %s: %v", path, err))
	}
	if s.tmpName != "" {
		if err := s.file.Chmod(0644); err != nil {
			return s.fail(models.NewError(models.CodeOutputOpenFailed, "chmod %s: %v", s.tmpName, err))
		}
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return s.fail(models.NewError(models.CodeOutputOpenFailed, "close %s: %v", path, err))
	}
	if s.tmpName != "" {
		if err := os.Rename(s.tmpName, path); err != nil {
			return s.fail(models.NewError(models.CodeOutputOpenFailed, "rename into %s: %v", path, err))
		}
		s.tmpName = ""
	}
	s.logger.Debug("local target written", "bytes", s.written)
	return []models.CompletionRecord{models.Succeeded(s.leaf, s.written)}
}

func (s *localSink) fail(err error) []models.CompletionRecord {
	s.cleanup()
	s.logger.Warn("local target failed", "error", err)
	return []models.CompletionRecord{models.Failed(s.leaf, err)}
}

func (s *localSink) abort(err error) []models.CompletionRecord {
	return s.fail(err)
}

// cleanup releases the file and removes any temporary copy. A non-renamed
// target keeps whatever was written.
func (s *localSink) cleanup() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if s.tmpName != "" {
		os.Remove(s.tmpName)
		s.tmpName = ""
	}
}
