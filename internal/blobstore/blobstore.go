// Package blobstore is the content-addressed chunk store. Blob ids are the
// SHA-256 of the content, so writes are idempotent and chunks shared between
// files are stored once. Logical files are ordered lists of blob references
// kept in the datastore.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/vigilsec/fleet/internal/datastore"
)

// MaxUnboundedRead caps ReadFile calls that do not pass an explicit length.
// Larger files must be read in bounded slices.
const MaxUnboundedRead = 500 << 20

// BlobID is the SHA-256 digest of a blob's content.
type BlobID []byte

func (id BlobID) String() string { return hex.EncodeToString(id) }

// DigestOf computes the blob id data would be stored under.
func DigestOf(data []byte) BlobID {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Manager fronts the datastore's blob tables with digest computation and
// file assembly.
type Manager struct {
	store datastore.Store
}

func NewManager(store datastore.Store) *Manager {
	return &Manager{store: store}
}

// WriteBlobs stores chunks and returns their content digests, in order.
func (m *Manager) WriteBlobs(ctx context.Context, blobs [][]byte) ([]BlobID, error) {
	raw, err := m.store.WriteBlobs(ctx, blobs)
	if err != nil {
		return nil, err
	}
	out := make([]BlobID, len(raw))
	for i, id := range raw {
		out[i] = id
	}
	return out, nil
}

// ReadBlob fetches one chunk by digest.
func (m *Manager) ReadBlob(ctx context.Context, id BlobID) ([]byte, error) {
	got, err := m.store.ReadBlobs(ctx, [][]byte{id})
	if err != nil {
		return nil, err
	}
	data, ok := got[id.String()]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", id)
	}
	return data, nil
}

// CheckBlobsExist reports, per digest, whether the chunk is stored.
func (m *Manager) CheckBlobsExist(ctx context.Context, ids []BlobID) (map[string]bool, error) {
	raw := make([][]byte, len(ids))
	for i, id := range ids {
		raw[i] = id
	}
	return m.store.CheckBlobsExist(ctx, raw)
}

// WriteFile records the chunk list of a logical file under fileID. The
// offsets must be contiguous from zero.
func (m *Manager) WriteFile(ctx context.Context, fileID []byte, refs []datastore.BlobRef) error {
	var expect uint64
	for _, ref := range refs {
		if ref.Offset != expect {
			return fmt.Errorf("blob ref at offset %d, want %d", ref.Offset, expect)
		}
		expect += ref.Size
	}
	return m.store.WriteBlobReferences(ctx, fileID, refs)
}

// FileSize returns the total byte length of a stored file.
func (m *Manager) FileSize(ctx context.Context, fileID []byte) (uint64, error) {
	refs, err := m.store.ReadBlobReferences(ctx, fileID)
	if err != nil {
		return 0, err
	}
	var size uint64
	for _, ref := range refs {
		size += ref.Size
	}
	return size, nil
}

// ReadFile assembles length bytes of the file starting at offset. A length
// of zero means "to the end", which is refused past MaxUnboundedRead so a
// missing length cannot pull gigabytes into memory.
func (m *Manager) ReadFile(ctx context.Context, fileID []byte, offset, length uint64) ([]byte, error) {
	refs, err := m.store.ReadBlobReferences(ctx, fileID)
	if err != nil {
		return nil, err
	}
	var total uint64
	for _, ref := range refs {
		total += ref.Size
	}
	if offset >= total {
		return nil, nil
	}
	if length == 0 {
		length = total - offset
		if length > MaxUnboundedRead {
			return nil, fmt.Errorf("file is %d bytes, pass an explicit length: %w",
				total, datastore.ErrOversizedRead)
		}
	}
	if offset+length > total {
		length = total - offset
	}

	var buf bytes.Buffer
	buf.Grow(int(length))
	for _, ref := range refs {
		if ref.Offset+ref.Size <= offset || uint64(buf.Len()) >= length {
			continue
		}
		data, err := m.ReadBlob(ctx, BlobID(ref.BlobID))
		if err != nil {
			return nil, err
		}
		start := uint64(0)
		if offset > ref.Offset {
			start = offset - ref.Offset
		}
		end := uint64(len(data))
		if remain := length - uint64(buf.Len()); end-start > remain {
			end = start + remain
		}
		buf.Write(data[start:end])
	}
	return buf.Bytes(), nil
}
