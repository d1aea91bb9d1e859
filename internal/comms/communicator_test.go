package comms

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilsec/fleet/internal/crypt"
	"github.com/vigilsec/fleet/internal/ids"
	"github.com/vigilsec/fleet/internal/wire"
)

const serverName = "fleet-server"

var (
	keyOnce   sync.Once
	serverKey *rsa.PrivateKey
	agentKey  *rsa.PrivateKey
)

type commPair struct {
	server  *Communicator
	agent   *Communicator
	agentID ids.ClientID
}

// newCommPair wires a server and an agent communicator with each other's
// keys pinned.
func newCommPair(t *testing.T) *commPair {
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
	fingerprint, err := crypt.Fingerprint(&agentKey.PublicKey)
	require.NoError(t, err)
	agentID, err := ids.ClientIDFromKey(fingerprint)
	require.NoError(t, err)

	server := New(serverName, serverKey, func(source string) (*rsa.PublicKey, error) {
		if source == agentID.String() {
			return &agentKey.PublicKey, nil
		}
		return nil, crypt.ErrUnknownPeer
	})
	agent := New(agentID.String(), agentKey, func(source string) (*rsa.PublicKey, error) {
		if source == serverName {
			return &serverKey.PublicKey, nil
		}
		return nil, crypt.ErrUnknownPeer
	})
	return &commPair{server: server, agent: agent, agentID: agentID}
}

func testMessages(client ids.ClientID) []*wire.Message {
	session := ids.FlowSession(client, ids.FlowID(7))
	return []*wire.Message{
		{SessionID: session, RequestID: 1, ResponseID: 1, Source: client,
			ArgsType: "DataBlob", Payload: bytes.Repeat([]byte("result "), 200)},
		{SessionID: session, RequestID: 1, ResponseID: 2, Source: client,
			Type: wire.TypeStatus},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := newCommPair(t)
	msgs := testMessages(p.agentID)

	bundle, err := p.agent.Encode(msgs, serverName, &serverKey.PublicKey, 12345)
	require.NoError(t, err)
	assert.EqualValues(t, len(msgs), bundle.NumMessages)
	// The repetitive payload must have been worth compressing.
	assert.Less(t, len(bundle.Encrypted), 1400)

	decoded, err := p.server.Decode(bundle)
	require.NoError(t, err)
	assert.True(t, decoded.Authenticated)
	assert.Equal(t, p.agentID.String(), decoded.Source)
	assert.EqualValues(t, 12345, decoded.Nonce)
	require.Len(t, decoded.Messages, 2)
	for i, m := range decoded.Messages {
		assert.Equal(t, wire.Authenticated, m.Auth)
		assert.Equal(t, msgs[i].SessionID, m.SessionID)
		assert.Equal(t, msgs[i].ResponseID, m.ResponseID)
		assert.Equal(t, msgs[i].Payload, m.Payload)
	}
}

func TestUnknownPeerDecodesUnauthenticated(t *testing.T) {
	p := newCommPair(t)
	unknown := New(serverName, serverKey, func(string) (*rsa.PublicKey, error) {
		return nil, crypt.ErrUnknownPeer
	})

	bundle, err := p.agent.Encode(testMessages(p.agentID), serverName, &serverKey.PublicKey, 1)
	require.NoError(t, err)

	decoded, err := unknown.Decode(bundle)
	require.NoError(t, err)
	assert.False(t, decoded.Authenticated)
	for _, m := range decoded.Messages {
		assert.Equal(t, wire.Unauthenticated, m.Auth)
	}
}

func TestDecodeRejectsTamperedBundle(t *testing.T) {
	p := newCommPair(t)
	bundle, err := p.agent.Encode(testMessages(p.agentID), serverName, &serverKey.PublicKey, 1)
	require.NoError(t, err)

	bundle.Encrypted = append([]byte{}, bundle.Encrypted...)
	bundle.Encrypted[0] ^= 1
	bundle.HMAC = nil
	_, err = p.server.Decode(bundle)
	var decErr *crypt.DecryptionError
	require.ErrorAs(t, err, &decErr)
}

func TestDecodeRejectsUnsupportedAPIVersion(t *testing.T) {
	p := newCommPair(t)
	bundle, err := p.agent.Encode(nil, serverName, &serverKey.PublicKey, 1)
	require.NoError(t, err)
	bundle.APIVersion = 99
	_, err = p.server.Decode(bundle)
	require.ErrorContains(t, err, "unsupported api version")
}

func TestOutboundSessionCipherIsReused(t *testing.T) {
	p := newCommPair(t)
	first, err := p.agent.Encode(nil, serverName, &serverKey.PublicKey, 1)
	require.NoError(t, err)
	second, err := p.agent.Encode(nil, serverName, &serverKey.PublicKey, 2)
	require.NoError(t, err)
	assert.Equal(t, first.EncryptedCipher, second.EncryptedCipher)

	p.agent.ForgetPeer(serverName)
	third, err := p.agent.Encode(nil, serverName, &serverKey.PublicKey, 3)
	require.NoError(t, err)
	assert.NotEqual(t, first.EncryptedCipher, third.EncryptedCipher)
}

func TestForgetPeerDropsInboundSession(t *testing.T) {
	p := newCommPair(t)
	bundle, err := p.agent.Encode(nil, serverName, &serverKey.PublicKey, 1)
	require.NoError(t, err)
	decoded, err := p.server.Decode(bundle)
	require.NoError(t, err)
	require.True(t, decoded.Authenticated)

	// After the session is forgotten the next bundle re-verifies against a
	// resolver that no longer knows the peer.
	p.server.ForgetPeer(p.agentID.String())
	p.server.resolve = func(string) (*rsa.PublicKey, error) { return nil, crypt.ErrUnknownPeer }
	again, err := p.server.Decode(bundle)
	require.NoError(t, err)
	assert.False(t, again.Authenticated)
}

func TestVerifyResponseNonce(t *testing.T) {
	p := newCommPair(t)
	bundle, err := p.server.Encode(testMessages(p.agentID), p.agentID.String(), &agentKey.PublicKey, 777)
	require.NoError(t, err)
	decoded, err := p.agent.Decode(bundle)
	require.NoError(t, err)
	require.True(t, decoded.Authenticated)

	assert.True(t, VerifyResponseNonce(decoded, 777))
	assert.True(t, decoded.Authenticated)

	assert.False(t, VerifyResponseNonce(decoded, 778))
	assert.False(t, decoded.Authenticated)
	for _, m := range decoded.Messages {
		assert.Equal(t, wire.Unauthenticated, m.Auth)
	}
}
