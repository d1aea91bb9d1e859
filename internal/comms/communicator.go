// Package comms packs ordered message batches into encrypted
// ClientCommunication records and back. It sits directly on the cipher
// layer and owns the per-peer session caches: outbound ciphers are reused
// for 24 hours, inbound ciphers are cached by their wrapped form so the RSA
// unwrap happens once per session, not once per packet.
package comms

import (
	"bytes"
	"compress/zlib"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vigilsec/fleet/internal/crypt"
	"github.com/vigilsec/fleet/internal/metrics"
	"github.com/vigilsec/fleet/internal/wire"
)

// SessionTTL bounds how long an outbound session cipher is reused before a
// fresh one is generated.
const SessionTTL = 24 * time.Hour

const sessionCacheSize = 10000

// Decoded is the result of decoding one inbound bundle.
type Decoded struct {
	Messages      []*wire.Message
	Source        string // peer common name or client id from cipher metadata
	Nonce         uint64 // the sender's microsecond timestamp
	APIVersion    uint32
	Authenticated bool
}

type inboundSession struct {
	cipher        *crypt.Cipher
	source        string
	authenticated bool
}

// Communicator encodes and decodes bundles for one party (the server, or an
// agent in tests).
type Communicator struct {
	source  string
	key     *rsa.PrivateKey
	resolve crypt.KeyResolver

	outbound *expirable.LRU[string, *crypt.Cipher]
	inbound  *expirable.LRU[string, inboundSession]
}

// New builds a communicator. source is this party's common name; resolve
// pins peer public keys for signature verification.
func New(source string, key *rsa.PrivateKey, resolve crypt.KeyResolver) *Communicator {
	return &Communicator{
		source:   source,
		key:      key,
		resolve:  resolve,
		outbound: expirable.NewLRU[string, *crypt.Cipher](sessionCacheSize, nil, SessionTTL),
		inbound:  expirable.NewLRU[string, inboundSession](sessionCacheSize, nil, SessionTTL),
	}
}

// Encode packs messages into an encrypted bundle addressed to peer. The
// timestamp is embedded as the bundle nonce; when answering a poll it must
// echo the nonce of the request being answered.
func (c *Communicator) Encode(msgs []*wire.Message, peer string, peerPub *rsa.PublicKey, timestamp uint64) (*wire.ClientCommunication, error) {
	list := &wire.MessageList{Messages: msgs}
	serialized := list.Marshal()
	metrics.SentBytes.Add(float64(len(serialized)))

	packed := &wire.PackedMessageList{
		Compression: wire.Uncompressed,
		MessageList: serialized,
		Timestamp:   timestamp,
		Source:      c.source,
	}
	// Compress iff zlib actually shrinks the list.
	if compressed := deflate(serialized); len(compressed) < len(serialized) {
		packed.Compression = wire.ZCompression
		packed.MessageList = compressed
	}

	cipher, ok := c.outbound.Get(peer)
	if !ok {
		var err error
		cipher, err = crypt.NewCipher(c.source, c.key, peerPub)
		if err != nil {
			return nil, err
		}
		c.outbound.Add(peer, cipher)
	}

	packetIV := crypt.NewPacketIV()
	encrypted, err := cipher.Encrypt(packed.Marshal(), packetIV)
	if err != nil {
		return nil, err
	}

	return &wire.ClientCommunication{
		EncryptedCipher:         cipher.EncryptedCipher,
		EncryptedCipherMetadata: cipher.EncryptedCipherMetadata,
		PacketIV:                packetIV,
		Encrypted:               encrypted,
		HMAC:                    cipher.HMAC(encrypted),
		FullHMAC:                cipher.FullHMAC(encrypted, packetIV, wire.APIVersion),
		APIVersion:              wire.APIVersion,
		NumMessages:             uint32(len(msgs)),
	}, nil
}

// Decode verifies and decrypts an inbound bundle. HMAC verification happens
// before any decryption; a failure there yields a DecryptionError and no
// further processing. Messages are marked Authenticated only when the
// session cipher's signature verified against a pinned peer key.
func (c *Communicator) Decode(comm *wire.ClientCommunication) (*Decoded, error) {
	if comm.APIVersion != wire.APIVersion && comm.APIVersion != wire.APIVersion-1 {
		return nil, fmt.Errorf("unsupported api version %d", comm.APIVersion)
	}

	sess, err := c.acceptSession(comm)
	if err != nil {
		return nil, err
	}
	if err := sess.cipher.VerifyHMAC(comm); err != nil {
		return nil, err
	}

	plain, err := sess.cipher.Decrypt(comm.Encrypted, comm.PacketIV)
	if err != nil {
		return nil, err
	}
	packed, err := wire.UnmarshalPackedMessageList(plain)
	if err != nil {
		return nil, &crypt.DecryptionError{Reason: "malformed packed message list", Err: err}
	}

	serialized := packed.MessageList
	switch packed.Compression {
	case wire.Uncompressed:
	case wire.ZCompression:
		serialized, err = inflate(serialized)
		if err != nil {
			return nil, &crypt.DecryptionError{Reason: "bad compression", Err: err}
		}
	default:
		return nil, &crypt.DecryptionError{Reason: fmt.Sprintf("unknown compression %d", packed.Compression)}
	}
	metrics.ReceivedBytes.Add(float64(len(serialized)))

	list, err := wire.UnmarshalMessageList(serialized)
	if err != nil {
		return nil, &crypt.DecryptionError{Reason: "malformed message list", Err: err}
	}

	// The signed metadata source must match the plaintext source; a mismatch
	// means the bundle was re-wrapped and cannot be trusted.
	authenticated := sess.authenticated
	if packed.Source != "" && packed.Source != sess.source {
		authenticated = false
	}

	auth := wire.Unauthenticated
	if authenticated {
		auth = wire.Authenticated
	}
	for _, m := range list.Messages {
		m.Auth = auth
	}

	return &Decoded{
		Messages:      list.Messages,
		Source:        sess.source,
		Nonce:         packed.Timestamp,
		APIVersion:    comm.APIVersion,
		Authenticated: authenticated,
	}, nil
}

// VerifyResponseNonce checks that a reply bundle echoes the nonce of the
// request, per the initiator side of the protocol. On mismatch the caller
// must treat the bundle as unauthenticated.
func VerifyResponseNonce(d *Decoded, sent uint64) bool {
	if d.Nonce != sent {
		d.Authenticated = false
		for _, m := range d.Messages {
			m.Auth = wire.Unauthenticated
		}
		return false
	}
	return true
}

func (c *Communicator) acceptSession(comm *wire.ClientCommunication) (inboundSession, error) {
	key := string(sessionKey(comm.EncryptedCipher))
	if sess, ok := c.inbound.Get(key); ok {
		return sess, nil
	}
	cipher, source, authenticated, err := crypt.AcceptCipher(comm, c.key, c.resolve)
	if err != nil {
		return inboundSession{}, err
	}
	sess := inboundSession{cipher: cipher, source: source, authenticated: authenticated}
	c.inbound.Add(key, sess)
	return sess, nil
}

// ForgetPeer drops any cached sessions for a peer, forcing signature
// re-verification on its next bundle. Called after enrollment pins a new key.
func (c *Communicator) ForgetPeer(peer string) {
	c.outbound.Remove(peer)
	for _, k := range c.inbound.Keys() {
		if sess, ok := c.inbound.Peek(k); ok && sess.source == peer {
			c.inbound.Remove(k)
		}
	}
}

func sessionKey(encryptedCipher []byte) []byte {
	sum := sha256.Sum256(encryptedCipher)
	return sum[:]
}

func deflate(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return data
	}
	if err := w.Close(); err != nil {
		return data
	}
	return buf.Bytes()
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
