package crypt

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilsec/fleet/internal/wire"
)

var (
	keyOnce   sync.Once
	serverKey *rsa.PrivateKey
	agentKey  *rsa.PrivateKey
)

// testKeys generates the two RSA keys once; key generation dominates the
// package's test time otherwise.
func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		serverKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		agentKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return serverKey, agentKey
}

func pinned(pub *rsa.PublicKey) KeyResolver {
	return func(string) (*rsa.PublicKey, error) { return pub, nil }
}

func TestCipherPacketRoundTrip(t *testing.T) {
	srv, agent := testKeys(t)
	c, err := NewCipher("C.0000000000000001", agent, &srv.PublicKey)
	require.NoError(t, err)

	for _, plain := range [][]byte{
		[]byte(""),
		[]byte("short"),
		[]byte("exactly sixteen!"), // one full block forces a padding block
		make([]byte, 4096),
	} {
		iv := NewPacketIV()
		enc, err := c.Encrypt(plain, iv)
		require.NoError(t, err)
		assert.Zero(t, len(enc)%16)

		got, err := c.Decrypt(enc, iv)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestDecryptRejectsMalformedCiphertext(t *testing.T) {
	srv, agent := testKeys(t)
	c, err := NewCipher("agent", agent, &srv.PublicKey)
	require.NoError(t, err)
	iv := NewPacketIV()

	var decErr *DecryptionError
	_, err = c.Decrypt([]byte("not block aligned"), iv)
	require.ErrorAs(t, err, &decErr)

	_, err = c.Decrypt(make([]byte, 32), iv[:4])
	require.ErrorAs(t, err, &decErr)

	// Valid length but garbage padding.
	enc, err := c.Encrypt([]byte("hello"), iv)
	require.NoError(t, err)
	enc[len(enc)-1] ^= 0xff
	_, err = c.Decrypt(enc, iv)
	require.ErrorAs(t, err, &decErr)
}

func TestAcceptCipherAuthenticatesKnownPeer(t *testing.T) {
	srv, agent := testKeys(t)
	c, err := NewCipher("C.0000000000000001", agent, &srv.PublicKey)
	require.NoError(t, err)

	comm := &wire.ClientCommunication{
		EncryptedCipher:         c.EncryptedCipher,
		EncryptedCipherMetadata: c.EncryptedCipherMetadata,
	}
	got, source, authenticated, err := AcceptCipher(comm, srv, pinned(&agent.PublicKey))
	require.NoError(t, err)
	assert.True(t, authenticated)
	assert.Equal(t, "C.0000000000000001", source)

	// The accepted cipher shares the session keys with the sender's.
	iv := NewPacketIV()
	enc, err := c.Encrypt([]byte("payload"), iv)
	require.NoError(t, err)
	plain, err := got.Decrypt(enc, iv)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plain)
}

func TestAcceptCipherUnknownPeerIsUnauthenticated(t *testing.T) {
	srv, agent := testKeys(t)
	c, err := NewCipher("C.00000000000000ff", agent, &srv.PublicKey)
	require.NoError(t, err)

	comm := &wire.ClientCommunication{
		EncryptedCipher:         c.EncryptedCipher,
		EncryptedCipherMetadata: c.EncryptedCipherMetadata,
	}
	resolve := func(string) (*rsa.PublicKey, error) { return nil, ErrUnknownPeer }
	got, source, authenticated, err := AcceptCipher(comm, srv, resolve)
	require.NoError(t, err)
	assert.False(t, authenticated)
	assert.Equal(t, "C.00000000000000ff", source)
	assert.NotNil(t, got)
}

func TestAcceptCipherRejectsForgedSignature(t *testing.T) {
	srv, agent := testKeys(t)
	c, err := NewCipher("agent", agent, &srv.PublicKey)
	require.NoError(t, err)

	comm := &wire.ClientCommunication{
		EncryptedCipher:         c.EncryptedCipher,
		EncryptedCipherMetadata: c.EncryptedCipherMetadata,
	}
	// Resolver pins a key that did not sign the suite.
	_, _, _, err = AcceptCipher(comm, srv, pinned(&srv.PublicKey))
	var decErr *DecryptionError
	require.ErrorAs(t, err, &decErr)
	assert.Contains(t, decErr.Reason, "signature")
}

func TestVerifyHMACCurrentVersionNeedsFullHMAC(t *testing.T) {
	srv, agent := testKeys(t)
	c, err := NewCipher("agent", agent, &srv.PublicKey)
	require.NoError(t, err)

	iv := NewPacketIV()
	enc, err := c.Encrypt([]byte("bundle"), iv)
	require.NoError(t, err)
	comm := &wire.ClientCommunication{
		Encrypted:  enc,
		PacketIV:   iv,
		APIVersion: wire.APIVersion,
		HMAC:       c.HMAC(enc),
		FullHMAC:   c.FullHMAC(enc, iv, wire.APIVersion),
	}
	require.NoError(t, c.VerifyHMAC(comm))

	// A valid short HMAC alone is not enough on the current version.
	comm.FullHMAC = nil
	var decErr *DecryptionError
	require.ErrorAs(t, c.VerifyHMAC(comm), &decErr)

	// Tampering with the ciphertext breaks the full HMAC.
	comm.FullHMAC = c.FullHMAC(enc, iv, wire.APIVersion)
	comm.Encrypted = append([]byte{}, enc...)
	comm.Encrypted[0] ^= 1
	require.ErrorAs(t, c.VerifyHMAC(comm), &decErr)
}

func TestVerifyHMACLegacyPeerUsesShortHMAC(t *testing.T) {
	srv, agent := testKeys(t)
	c, err := NewCipher("agent", agent, &srv.PublicKey)
	require.NoError(t, err)

	iv := NewPacketIV()
	enc, err := c.Encrypt([]byte("bundle"), iv)
	require.NoError(t, err)
	comm := &wire.ClientCommunication{
		Encrypted:  enc,
		PacketIV:   iv,
		APIVersion: wire.APIVersion - 1,
		HMAC:       c.HMAC(enc),
	}
	require.NoError(t, c.VerifyHMAC(comm))

	comm.HMAC = append([]byte{}, comm.HMAC...)
	comm.HMAC[0] ^= 1
	var decErr *DecryptionError
	require.ErrorAs(t, c.VerifyHMAC(comm), &decErr)
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	srv, _ := testKeys(t)
	pemData, err := EncodePublicKeyPEM(&srv.PublicKey)
	require.NoError(t, err)

	pub, err := ParsePublicKeyPEM(pemData)
	require.NoError(t, err)
	assert.True(t, srv.PublicKey.Equal(pub))

	_, err = ParsePublicKeyPEM([]byte("not pem"))
	assert.Error(t, err)
}

func TestFingerprintIsStable(t *testing.T) {
	srv, agent := testKeys(t)
	a, err := Fingerprint(&srv.PublicKey)
	require.NoError(t, err)
	b, err := Fingerprint(&srv.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	other, err := Fingerprint(&agent.PublicKey)
	require.NoError(t, err)
	assert.NotEqual(t, a, other)
}
