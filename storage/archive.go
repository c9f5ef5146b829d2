/*
Copyright (C) 2023-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
)

// BlobStore is the cold-mirror backend for rotated segments, snapshots, and
// compacted prefixes (spec.md §4.5's archival supplement; grounded on
// storage/persistence.go's PersistenceEngine/PersistenceLogfile split, but
// narrowed to a flat put/get surface since the live write path never reads
// back from it).
type BlobStore interface {
	Put(key string, data []byte) error
	Get(key string) ([]byte, error)
}

// FileBlobStore mirrors blobs into a plain directory tree, one file per key.
// Grounded on storage/persistence-files.go's "one file per logical unit"
// layout.
type FileBlobStore struct {
	root string
}

func NewFileBlobStore(root string) *FileBlobStore {
	return &FileBlobStore{root: root}
}

func (b *FileBlobStore) Put(key string, data []byte) error {
	path := filepath.Join(b.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

func (b *FileBlobStore) Get(key string) ([]byte, error) {
	return os.ReadFile(filepath.Join(b.root, filepath.FromSlash(key)))
}

// XZBlobStore wraps another BlobStore and transparently xz-compresses
// everything written through it, for the "cold archival of compacted
// prefixes" supplemented feature (SPEC_FULL.md §5). Grounded on the
// ulikunitz/xz usage pattern the teacher's storage package already depends
// on for column compression.
type XZBlobStore struct {
	inner BlobStore
}

func NewXZBlobStore(inner BlobStore) *XZBlobStore {
	return &XZBlobStore{inner: inner}
}

func (b *XZBlobStore) Put(key string, data []byte) error {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return b.inner.Put(key+".xz", buf.Bytes())
}

func (b *XZBlobStore) Get(key string) ([]byte, error) {
	raw, err := b.inner.Get(key + ".xz")
	if err != nil {
		return nil, err
	}
	r, err := xz.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// archivedPrefix is the payload written to the cold archive whenever a
// compaction discards a prefix of an aggregate's log: the full envelopes
// that are about to become unrecoverable from the live segment files.
type archivedPrefix struct {
	Aggregate string     `json:"aggregate"`
	Envelopes []Envelope `json:"envelopes"`
}

// archiveCompactedPrefix best-effort mirrors the portion of the log a
// compaction is about to discard. Archival failures are ignored and never
// fail the compaction itself: the archive is a convenience for
// operators doing historical audits, not part of the durability contract in
// spec.md §4.4.
func (es *EventStore) archiveCompactedPrefix(name string, p *aggregatePipeline, discarded []Envelope) {
	if len(discarded) == 0 || p.archive == nil {
		return
	}
	body, err := json.Marshal(archivedPrefix{Aggregate: name, Envelopes: discarded})
	if err != nil {
		return
	}
	_ = p.archive.Put(archiveKey(name, fmt.Sprintf("compacted-%d.json", len(discarded))), body)
}

// blobStoreContext is the context S3BlobStore passes to its requests. It is
// context.Background() and is never cancelled, not even on shutdown;
// FileBlobStore, XZBlobStore and CephBlobStore do not use it.
var blobStoreContext = context.Background()
