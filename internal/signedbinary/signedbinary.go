// Package signedbinary manages executables shipped to agents. An upload is
// chunked, each chunk signed with the server's code-signing key and stored in
// the blob store; the reference list is persisted under the binary's name.
// Agents download the chunk stream and verify every signature against the
// pinned code-signing public key before executing anything, so the datastore
// is never trusted with unsigned code.
package signedbinary

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vigilsec/fleet/internal/blobstore"
	"github.com/vigilsec/fleet/internal/datastore"
)

// DefaultChunkSize keeps individual signed blobs comfortably under the
// datastore's row size limits.
const DefaultChunkSize = 512 << 10

// Service signs and stores deliverable binaries.
type Service struct {
	store   datastore.Store
	blobs   *blobstore.Manager
	signKey *rsa.PrivateKey
	log     *logrus.Entry
}

func NewService(store datastore.Store, signKey *rsa.PrivateKey, log *logrus.Logger) *Service {
	return &Service{
		store:   store,
		blobs:   blobstore.NewManager(store),
		signKey: signKey,
		log:     log.WithField("component", "signedbinary"),
	}
}

// Upload chunks, signs and stores data under the given binary id,
// replacing any previous upload of the same id.
func (s *Service) Upload(ctx context.Context, id datastore.SignedBinaryID, data []byte, chunkSize int) error {
	if id.Path == "" {
		return fmt.Errorf("binary path must be set")
	}
	switch id.Type {
	case datastore.BinaryExecutable, datastore.BinaryPythonHack:
	default:
		return fmt.Errorf("unknown binary type %q", id.Type)
	}
	if len(data) == 0 {
		return fmt.Errorf("binary %s is empty", id.Path)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	var chunks [][]byte
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}

	blobIDs, err := s.blobs.WriteBlobs(ctx, chunks)
	if err != nil {
		return err
	}
	refs := make([]datastore.SignedBinaryRef, len(chunks))
	for i, chunk := range chunks {
		sig, err := s.sign(chunk)
		if err != nil {
			return fmt.Errorf("signing chunk %d of %s: %w", i, id.Path, err)
		}
		refs[i] = datastore.SignedBinaryRef{
			BlobID:    blobIDs[i],
			Size:      uint64(len(chunk)),
			Signature: sig,
		}
	}
	if err := s.store.WriteSignedBinaryReferences(ctx, id, refs); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"type": id.Type, "path": id.Path, "chunks": len(refs), "bytes": len(data),
	}).Info("signed binary stored")
	return nil
}

// Fetch reassembles a stored binary, verifying every chunk signature on the
// way out.
func (s *Service) Fetch(ctx context.Context, id datastore.SignedBinaryID) ([]byte, error) {
	refs, err := s.store.ReadSignedBinaryReferences(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []byte
	for i, ref := range refs {
		chunk, err := s.blobs.ReadBlob(ctx, blobstore.BlobID(ref.BlobID))
		if err != nil {
			return nil, err
		}
		if err := VerifyChunk(&s.signKey.PublicKey, chunk, ref.Signature); err != nil {
			return nil, fmt.Errorf("chunk %d of %s: %w", i, id.Path, err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// List returns the ids of every stored binary.
func (s *Service) List(ctx context.Context) ([]datastore.SignedBinaryID, error) {
	return s.store.ReadIDsForAllSignedBinaries(ctx)
}

func (s *Service) sign(chunk []byte) ([]byte, error) {
	digest := sha256.Sum256(chunk)
	return rsa.SignPKCS1v15(rand.Reader, s.signKey, crypto.SHA256, digest[:])
}

// VerifyChunk checks one chunk against its stored signature. The agent runs
// the same check with its pinned copy of the public key.
func VerifyChunk(pub *rsa.PublicKey, chunk, signature []byte) error {
	digest := sha256.Sum256(chunk)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}
