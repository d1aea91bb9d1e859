// Package crypt implements the per-peer authenticated encryption protecting
// agent<->server bundles: a random AES-256-CBC cipher suite per session,
// RSA-wrapped to the peer and signed by the sender, with HMAC-SHA256 over
// the full transport framing.
package crypt

import (
	"bytes"
	stdcrypto "crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/vigilsec/fleet/internal/wire"
)

// CipherName is the only supported symmetric suite.
const CipherName = "AES256CBC"

const (
	aesKeySize  = 32
	hmacKeySize = 32
	ivSize      = aes.BlockSize
)

// DecryptionError covers HMAC mismatches, RSA failures, bad padding and
// malformed cipher records. Bundles failing with it are dropped and counted,
// never processed.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decryption failed: %s: %v", e.Reason, e.Err)
	}
	return "decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// ErrUnknownPeer is returned when a bundle's cipher metadata names a peer
// whose public key the resolver does not know.
var ErrUnknownPeer = errors.New("unknown peer public key")

// KeyResolver maps a peer common name (or client id string) to its pinned
// RSA public key. Returning ErrUnknownPeer leaves the bundle unauthenticated.
type KeyResolver func(source string) (*rsa.PublicKey, error)

// Cipher is one directional session cipher: the symmetric suite plus its
// RSA-wrapped and signed forms, reusable for every packet of the session.
type Cipher struct {
	props *wire.CipherProperties

	// Precomputed per-session fields attached to every outgoing packet.
	EncryptedCipher         []byte
	EncryptedCipherMetadata []byte

	hmacKey []byte
}

// NewCipher generates a fresh session cipher from source (the sender's name)
// to the peer's public key, signing the suite with the sender's private key.
func NewCipher(source string, selfKey *rsa.PrivateKey, peerPub *rsa.PublicKey) (*Cipher, error) {
	props := &wire.CipherProperties{
		Name:    CipherName,
		Key:     randBytes(aesKeySize),
		HMACKey: randBytes(hmacKeySize),
		IV:      randBytes(ivSize),
	}
	serialized := props.Marshal()

	encCipher, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, peerPub, serialized, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap session cipher: %w", err)
	}

	digest := sha256.Sum256(serialized)
	sig, err := rsa.SignPKCS1v15(rand.Reader, selfKey, stdcrypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign session cipher: %w", err)
	}
	md := &wire.CipherMetadata{Source: source, Signature: sig}

	c := &Cipher{props: props, EncryptedCipher: encCipher, hmacKey: props.HMACKey}
	c.EncryptedCipherMetadata, err = c.Encrypt(md.Marshal(), props.IV)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// AcceptCipher unwraps a received session cipher with the receiver's private
// key and verifies the embedded signature through the resolver. The returned
// authenticated flag is false (not an error) when the peer is unknown, so
// that enrollment traffic can still be admitted on the whitelisted session.
func AcceptCipher(comm *wire.ClientCommunication, selfKey *rsa.PrivateKey, resolve KeyResolver) (c *Cipher, source string, authenticated bool, err error) {
	serialized, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, selfKey, comm.EncryptedCipher, nil)
	if err != nil {
		return nil, "", false, &DecryptionError{Reason: "unwrap session cipher", Err: err}
	}
	props, err := wire.UnmarshalCipherProperties(serialized)
	if err != nil {
		return nil, "", false, &DecryptionError{Reason: "malformed cipher properties", Err: err}
	}
	if props.Name != CipherName || len(props.Key) != aesKeySize ||
		len(props.HMACKey) != hmacKeySize || len(props.IV) != ivSize {
		return nil, "", false, &DecryptionError{Reason: "bad cipher suite"}
	}

	c = &Cipher{
		props:                   props,
		EncryptedCipher:         comm.EncryptedCipher,
		EncryptedCipherMetadata: comm.EncryptedCipherMetadata,
		hmacKey:                 props.HMACKey,
	}

	mdPlain, err := c.Decrypt(comm.EncryptedCipherMetadata, props.IV)
	if err != nil {
		return nil, "", false, &DecryptionError{Reason: "cipher metadata", Err: err}
	}
	md, err := wire.UnmarshalCipherMetadata(mdPlain)
	if err != nil {
		return nil, "", false, &DecryptionError{Reason: "malformed cipher metadata", Err: err}
	}

	peerPub, err := resolve(md.Source)
	if errors.Is(err, ErrUnknownPeer) {
		return c, md.Source, false, nil
	}
	if err != nil {
		return nil, "", false, err
	}
	digest := sha256.Sum256(serialized)
	if err := rsa.VerifyPKCS1v15(peerPub, stdcrypto.SHA256, digest[:], md.Signature); err != nil {
		return nil, "", false, &DecryptionError{Reason: "cipher signature", Err: err}
	}
	return c, md.Source, true, nil
}

// Encrypt AES-CBC encrypts plain under the session key with the given IV,
// applying PKCS#7 padding.
func (c *Cipher) Encrypt(plain, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.props.Key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// Decrypt reverses Encrypt, validating the padding.
func (c *Cipher) Decrypt(enc, iv []byte) ([]byte, error) {
	if len(enc) == 0 || len(enc)%aes.BlockSize != 0 {
		return nil, &DecryptionError{Reason: "ciphertext not block aligned"}
	}
	if len(iv) != ivSize {
		return nil, &DecryptionError{Reason: "bad iv length"}
	}
	block, err := aes.NewCipher(c.props.Key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(enc))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, enc)
	return pkcs7Unpad(out, aes.BlockSize)
}

// HMAC computes the legacy short HMAC over the ciphertext only.
func (c *Cipher) HMAC(encrypted []byte) []byte {
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write(encrypted)
	return mac.Sum(nil)
}

// FullHMAC authenticates the complete transport framing: ciphertext, wrapped
// cipher, wrapped metadata, packet IV and the little-endian API version.
func (c *Cipher) FullHMAC(encrypted, packetIV []byte, apiVersion uint32) []byte {
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write(encrypted)
	mac.Write(c.EncryptedCipher)
	mac.Write(c.EncryptedCipherMetadata)
	mac.Write(packetIV)
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], apiVersion)
	mac.Write(v[:])
	return mac.Sum(nil)
}

// VerifyHMAC checks a received packet's HMAC before anything is decrypted.
// Current-version peers must present a valid full HMAC; the short HMAC is
// accepted only from peers announcing an older API version.
func (c *Cipher) VerifyHMAC(comm *wire.ClientCommunication) error {
	if comm.APIVersion >= wire.APIVersion {
		want := c.FullHMAC(comm.Encrypted, comm.PacketIV, comm.APIVersion)
		if !hmac.Equal(want, comm.FullHMAC) {
			return &DecryptionError{Reason: "full HMAC verification failed"}
		}
		return nil
	}
	if !hmac.Equal(c.HMAC(comm.Encrypted), comm.HMAC) {
		return &DecryptionError{Reason: "HMAC verification failed"}
	}
	return nil
}

func randBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// NewPacketIV returns a fresh random IV for one packet.
func NewPacketIV() []byte { return randBytes(ivSize) }

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, &DecryptionError{Reason: "bad padding length"}
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, &DecryptionError{Reason: "bad padding"}
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, &DecryptionError{Reason: "bad padding"}
		}
	}
	return data[:len(data)-pad], nil
}

// Fingerprint returns the SHA-256 fingerprint of an RSA public key in DER
// form. Client ids are derived from it at enrollment.
func Fingerprint(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return sum[:], nil
}

// ParsePublicKeyPEM parses a PEM-encoded RSA public key.
func ParsePublicKeyPEM(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}

// EncodePublicKeyPEM encodes an RSA public key to PEM.
func EncodePublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func ParsePrivateKeyPEM(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return key, nil
}
