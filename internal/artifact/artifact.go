// Package artifact stores the immutable bundles exchanged between pipeline actions.
//
// An artifact is written exactly once by the action that produces it and is
// addressed by name within the run that owns it. Bundles are gzip-compressed
// tar archives; the orchestrator never interprets their contents beyond
// reading named files out of them.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"time"
)

// Artifact describes a stored bundle.
type Artifact struct {
	Name      string    `json:"name"`
	RunID     string    `json:"runId"`
	Producer  string    `json:"producer"`
	Handle    string    `json:"handle"`
	Size      int64     `json:"size"`
	Digest    string    `json:"digest"`
	CreatedAt time.Time `json:"createdAt"`
}

// Ref addresses an artifact within a run.
type Ref struct {
	RunID string
	Name  string
}

// Key returns the storage key for the ref.
func (r Ref) Key() string {
	return r.RunID + "/" + r.Name
}

// Store persists artifacts. Put fails with a conflict when the ref already holds
// an artifact; a Put that fails part way leaves nothing behind.
type Store interface {
	Put(ctx context.Context, ref Ref, producer string, body io.Reader) (Artifact, error)
	Open(ctx context.Context, a Artifact) (io.ReadCloser, error)
	Delete(ctx context.Context, ref Ref) error
}

// digestWriter counts and hashes everything written through it.
type digestWriter struct {
	h    hash.Hash
	size int64
}

func newDigestWriter() *digestWriter {
	return &digestWriter{h: sha256.New()}
}

func (d *digestWriter) Write(p []byte) (int, error) {
	n, _ := d.h.Write(p)
	d.size += int64(n)
	return n, nil
}

func (d *digestWriter) digest() string {
	return "sha256:" + hex.EncodeToString(d.h.Sum(nil))
}

// Spool copies body into w while computing its size and sha256 digest.
func Spool(w io.Writer, body io.Reader) (size int64, digest string, err error) {
	dw := newDigestWriter()
	if _, err := io.Copy(io.MultiWriter(w, dw), body); err != nil {
		return 0, "", err
	}
	return dw.size, dw.digest(), nil
}
