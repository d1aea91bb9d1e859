package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Compression selects how the serialized MessageList inside a
// PackedMessageList is compressed.
type Compression uint32

const (
	Uncompressed Compression = 0
	ZCompression Compression = 1 // zlib
)

// PackedMessageList is the plaintext of an encrypted bundle: a (possibly
// compressed) serialized MessageList plus the sender's microsecond timestamp,
// which doubles as the anti-replay nonce.
type PackedMessageList struct {
	Compression Compression
	MessageList []byte // serialized, possibly compressed MessageList
	Timestamp   uint64 // microseconds since epoch
	Source      string // sender common name or client id
}

const (
	pmlTagCompression = 1
	pmlTagMessageList = 2
	pmlTagTimestamp   = 3
	pmlTagSource      = 4
)

func (p *PackedMessageList) Marshal() []byte {
	var b []byte
	if p.Compression != Uncompressed {
		b = protowire.AppendTag(b, pmlTagCompression, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Compression))
	}
	b = protowire.AppendTag(b, pmlTagMessageList, protowire.BytesType)
	b = protowire.AppendBytes(b, p.MessageList)
	b = protowire.AppendTag(b, pmlTagTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Timestamp)
	if p.Source != "" {
		b = protowire.AppendTag(b, pmlTagSource, protowire.BytesType)
		b = protowire.AppendString(b, p.Source)
	}
	return b
}

func UnmarshalPackedMessageList(b []byte) (*PackedMessageList, error) {
	p := &PackedMessageList{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("packed list: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case pmlTagCompression:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			p.Compression, b = Compression(v), b[n:]
		case pmlTagMessageList:
			v, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			p.MessageList, b = v, b[n:]
		case pmlTagTimestamp:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			p.Timestamp, b = v, b[n:]
		case pmlTagSource:
			s, n, err := consumeString(b, typ)
			if err != nil {
				return nil, err
			}
			p.Source, b = s, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("packed list: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return p, nil
}

// CipherProperties is the symmetric cipher suite for one session, generated
// by the initiating party and RSA-encrypted to the peer.
type CipherProperties struct {
	Name    string // cipher suite name, always "AES256CBC"
	Key     []byte // AES-256 key, 32 bytes
	HMACKey []byte // HMAC-SHA256 key, 32 bytes
	IV      []byte // metadata IV, 16 bytes
}

const (
	cipherTagName    = 1
	cipherTagKey     = 2
	cipherTagHMACKey = 3
	cipherTagIV      = 4
)

func (c *CipherProperties) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, cipherTagName, protowire.BytesType)
	b = protowire.AppendString(b, c.Name)
	b = protowire.AppendTag(b, cipherTagKey, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Key)
	b = protowire.AppendTag(b, cipherTagHMACKey, protowire.BytesType)
	b = protowire.AppendBytes(b, c.HMACKey)
	b = protowire.AppendTag(b, cipherTagIV, protowire.BytesType)
	b = protowire.AppendBytes(b, c.IV)
	return b
}

func UnmarshalCipherProperties(b []byte) (*CipherProperties, error) {
	c := &CipherProperties{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("cipher properties: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case cipherTagName:
			s, n, err := consumeString(b, typ)
			if err != nil {
				return nil, err
			}
			c.Name, b = s, b[n:]
		case cipherTagKey:
			v, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			c.Key, b = v, b[n:]
		case cipherTagHMACKey:
			v, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			c.HMACKey, b = v, b[n:]
		case cipherTagIV:
			v, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			c.IV, b = v, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("cipher properties: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return c, nil
}

// CipherMetadata names the party that generated a session cipher and carries
// its RSA signature over the serialized CipherProperties.
type CipherMetadata struct {
	Source    string // common name or client id of the cipher's creator
	Signature []byte
}

const (
	cmTagSource    = 1
	cmTagSignature = 2
)

func (c *CipherMetadata) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, cmTagSource, protowire.BytesType)
	b = protowire.AppendString(b, c.Source)
	b = protowire.AppendTag(b, cmTagSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Signature)
	return b
}

func UnmarshalCipherMetadata(b []byte) (*CipherMetadata, error) {
	c := &CipherMetadata{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("cipher metadata: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case cmTagSource:
			s, n, err := consumeString(b, typ)
			if err != nil {
				return nil, err
			}
			c.Source, b = s, b[n:]
		case cmTagSignature:
			v, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			c.Signature, b = v, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("cipher metadata: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return c, nil
}

// ClientCommunication is the outermost record POSTed to /control and
// returned in the poll response body.
type ClientCommunication struct {
	EncryptedCipher         []byte // RSA-encrypted CipherProperties
	EncryptedCipherMetadata []byte // AES-encrypted signed CipherMetadata
	PacketIV                []byte // 16 bytes, fresh per packet
	Encrypted               []byte // AES-CBC ciphertext of PackedMessageList
	HMAC                    []byte // legacy short HMAC over Encrypted only
	FullHMAC                []byte // HMAC over ciphertext + cipher + metadata + iv + api version
	APIVersion              uint32
	NumMessages             uint32
}

const (
	ccTagEncryptedCipher   = 1
	ccTagEncryptedMetadata = 2
	ccTagPacketIV          = 3
	ccTagEncrypted         = 4
	ccTagHMAC              = 5
	ccTagFullHMAC          = 6
	ccTagAPIVersion        = 7
	ccTagNumMessages       = 8
)

func (c *ClientCommunication) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, ccTagEncryptedCipher, protowire.BytesType)
	b = protowire.AppendBytes(b, c.EncryptedCipher)
	b = protowire.AppendTag(b, ccTagEncryptedMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, c.EncryptedCipherMetadata)
	b = protowire.AppendTag(b, ccTagPacketIV, protowire.BytesType)
	b = protowire.AppendBytes(b, c.PacketIV)
	b = protowire.AppendTag(b, ccTagEncrypted, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Encrypted)
	if len(c.HMAC) > 0 {
		b = protowire.AppendTag(b, ccTagHMAC, protowire.BytesType)
		b = protowire.AppendBytes(b, c.HMAC)
	}
	b = protowire.AppendTag(b, ccTagFullHMAC, protowire.BytesType)
	b = protowire.AppendBytes(b, c.FullHMAC)
	b = protowire.AppendTag(b, ccTagAPIVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.APIVersion))
	if c.NumMessages != 0 {
		b = protowire.AppendTag(b, ccTagNumMessages, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.NumMessages))
	}
	return b
}

func UnmarshalClientCommunication(b []byte) (*ClientCommunication, error) {
	c := &ClientCommunication{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("client communication: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case ccTagEncryptedCipher:
			v, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			c.EncryptedCipher, b = v, b[n:]
		case ccTagEncryptedMetadata:
			v, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			c.EncryptedCipherMetadata, b = v, b[n:]
		case ccTagPacketIV:
			v, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			c.PacketIV, b = v, b[n:]
		case ccTagEncrypted:
			v, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			c.Encrypted, b = v, b[n:]
		case ccTagHMAC:
			v, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			c.HMAC, b = v, b[n:]
		case ccTagFullHMAC:
			v, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			c.FullHMAC, b = v, b[n:]
		case ccTagAPIVersion:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			c.APIVersion, b = uint32(v), b[n:]
		case ccTagNumMessages:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			c.NumMessages, b = uint32(v), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("client communication: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return c, nil
}
