package signedbinary

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilsec/fleet/internal/datastore"
)

func newService(t *testing.T) *Service {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return NewService(datastore.NewMemoryStore(), key, logrus.New())
}

func TestUploadAndFetch(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	id := datastore.SignedBinaryID{Type: datastore.BinaryExecutable, Path: "installers/agent-3.5"}
	data := bytes.Repeat([]byte("fleet-agent-payload "), 100)

	require.NoError(t, svc.Upload(ctx, id, data, 64))

	refs, err := svc.store.ReadSignedBinaryReferences(ctx, id)
	require.NoError(t, err)
	assert.Greater(t, len(refs), 1)
	var total uint64
	for _, ref := range refs {
		assert.NotEmpty(t, ref.Signature)
		total += ref.Size
	}
	assert.EqualValues(t, len(data), total)

	got, err := svc.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFetchRejectsTamperedChunk(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	id := datastore.SignedBinaryID{Type: datastore.BinaryExecutable, Path: "tools/scan"}
	require.NoError(t, svc.Upload(ctx, id, []byte("original content"), 0))

	refs, err := svc.store.ReadSignedBinaryReferences(ctx, id)
	require.NoError(t, err)
	refs[0].Signature[0] ^= 0xff
	require.NoError(t, svc.store.WriteSignedBinaryReferences(ctx, id, refs))

	_, err = svc.Fetch(ctx, id)
	assert.ErrorContains(t, err, "signature")
}

func TestUploadValidation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	err := svc.Upload(ctx, datastore.SignedBinaryID{Type: datastore.BinaryExecutable}, []byte("x"), 0)
	assert.Error(t, err)

	err = svc.Upload(ctx, datastore.SignedBinaryID{Type: "ZIP", Path: "a"}, []byte("x"), 0)
	assert.Error(t, err)

	err = svc.Upload(ctx, datastore.SignedBinaryID{Type: datastore.BinaryExecutable, Path: "a"}, nil, 0)
	assert.Error(t, err)
}

func TestListBinaries(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.Upload(ctx, datastore.SignedBinaryID{
		Type: datastore.BinaryExecutable, Path: "installers/agent-3.5",
	}, []byte("exe"), 0))
	require.NoError(t, svc.Upload(ctx, datastore.SignedBinaryID{
		Type: datastore.BinaryPythonHack, Path: "hacks/triage.py",
	}, []byte("py"), 0))

	ids, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}
