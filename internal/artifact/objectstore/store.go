// Package objectstore keeps pipeline artifacts in an S3-compatible object store.
package objectstore

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/artifact"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"time"
)

// ErrObjectNotFound is returned by backends for missing keys.
var ErrObjectNotFound = errors.New("object not found")

// Backend is the minimal object API the store needs.
type Backend interface {
	Exists(ctx context.Context, key string) (bool, error)
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	URI(key string) string
}

// Store implements artifact.Store on top of a Backend.
type Store struct {
	backend Backend
	prefix  string
	logger  *slog.Logger
}

var _ artifact.Store = (*Store)(nil)

// NewStore wraps a backend. Keys are placed under prefix when it is set.
func NewStore(backend Backend, prefix string) *Store {
	return &Store{
		backend: backend,
		prefix:  prefix,
		logger:  slog.With("component", "artifact-store"),
	}
}

// New builds the store selected by cfg.
func New(ctx context.Context, cfg Config) (artifact.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case KindMinio:
		backend, err := NewMinio(cfg)
		if err != nil {
			return nil, err
		}
		return NewStore(backend, cfg.Prefix), nil
	case KindS3:
		backend, err := NewS3(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewStore(backend, cfg.Prefix), nil
	default:
		return artifact.NewMemoryStore(), nil
	}
}

func (s *Store) key(ref artifact.Ref) string {
	return path.Join(s.prefix, ref.Key()+".tar.gz")
}

// Put spools body to a temporary file to learn its size and digest, then uploads it.
// Object stores publish an object only once the upload completes.
func (s *Store) Put(ctx context.Context, ref artifact.Ref, producer string, body io.Reader) (artifact.Artifact, error) {
	if err := artifact.ValidateName("name", ref.Name); err != nil {
		return artifact.Artifact{}, err
	}
	key := s.key(ref)

	exists, err := s.backend.Exists(ctx, key)
	if err != nil {
		return artifact.Artifact{}, apperrors.Internal("objectstore.exists", err)
	}
	if exists {
		return artifact.Artifact{}, apperrors.Conflict("artifact", key, fmt.Sprintf("artifact %s already written", key))
	}

	tmp, err := os.CreateTemp("", "artifact-*.tar.gz")
	if err != nil {
		return artifact.Artifact{}, apperrors.Internal("objectstore.spool", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, digest, err := artifact.Spool(tmp, body)
	if err != nil {
		return artifact.Artifact{}, apperrors.Internal("objectstore.spool", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return artifact.Artifact{}, apperrors.Internal("objectstore.spool", err)
	}

	if err := s.backend.Upload(ctx, key, tmp, size); err != nil {
		return artifact.Artifact{}, apperrors.Internal("objectstore.upload", err)
	}

	s.logger.Debug("Artifact stored", "key", key, "bytes", size, "producer", producer)
	return artifact.Artifact{
		Name:      ref.Name,
		RunID:     ref.RunID,
		Producer:  producer,
		Handle:    s.backend.URI(key),
		Size:      size,
		Digest:    digest,
		CreatedAt: time.Now(),
	}, nil
}

// Open streams an artifact's bundle.
func (s *Store) Open(ctx context.Context, a artifact.Artifact) (io.ReadCloser, error) {
	key := s.key(artifact.Ref{RunID: a.RunID, Name: a.Name})
	rc, err := s.backend.Download(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, apperrors.ArtifactUnavailable(a.Name)
		}
		return nil, apperrors.Internal("objectstore.download", err)
	}
	return rc, nil
}

// Delete removes an artifact; missing objects are ignored.
func (s *Store) Delete(ctx context.Context, ref artifact.Ref) error {
	if err := s.backend.Remove(ctx, s.key(ref)); err != nil {
		return apperrors.Internal("objectstore.remove", err)
	}
	return nil
}

// Ready reports whether the bucket is reachable.
func (s *Store) Ready(ctx context.Context) error {
	return s.backend.Ping(ctx)
}
