// Package ids defines the identifier types shared by every layer: client ids,
// flow ids, and the session ids that tie wire messages back to flows or to
// well-known server-side handlers.
package ids

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
)

// ClientID is an opaque 64-bit agent identifier rendered as "C." followed by
// 16 lowercase hex digits.
type ClientID uint64

// ClientIDPrefix is the stable prefix of every rendered client id.
const ClientIDPrefix = "C."

func (c ClientID) String() string {
	return fmt.Sprintf("%s%016x", ClientIDPrefix, uint64(c))
}

// ParseClientID parses the "C.<16 hex>" form.
func ParseClientID(s string) (ClientID, error) {
	if !strings.HasPrefix(s, ClientIDPrefix) || len(s) != len(ClientIDPrefix)+16 {
		return 0, fmt.Errorf("malformed client id %q", s)
	}
	var v uint64
	if _, err := fmt.Sscanf(s[len(ClientIDPrefix):], "%016x", &v); err != nil {
		return 0, fmt.Errorf("malformed client id %q: %w", s, err)
	}
	return ClientID(v), nil
}

// ClientIDFromKey derives a client id from an agent public key fingerprint.
// The first 8 bytes of the fingerprint are interpreted big-endian, matching
// the id the agent derives for itself at enrollment.
func ClientIDFromKey(fingerprint []byte) (ClientID, error) {
	if len(fingerprint) < 8 {
		return 0, fmt.Errorf("fingerprint too short: %d bytes", len(fingerprint))
	}
	return ClientID(binary.BigEndian.Uint64(fingerprint[:8])), nil
}

// FlowID is a random 64-bit per-client flow identifier rendered as 16
// uppercase hex digits.
type FlowID uint64

func (f FlowID) String() string {
	return fmt.Sprintf("%016X", uint64(f))
}

// ParseFlowID parses the 16-hex form, accepting either case.
func ParseFlowID(s string) (FlowID, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("malformed flow id %q", s)
	}
	var v uint64
	if _, err := fmt.Sscanf(strings.ToUpper(s), "%016X", &v); err != nil {
		return 0, fmt.Errorf("malformed flow id %q: %w", s, err)
	}
	return FlowID(v), nil
}

// NewFlowID returns a fresh random flow id.
func NewFlowID() FlowID {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return FlowID(binary.BigEndian.Uint64(b[:]))
}

// HuntID shares the FlowID id-space.
type HuntID = FlowID

// SessionID addresses a message stream: either a flow on a client
// ("<client>/<flow>[/<flow>...]" for nested children) or a reserved
// well-known handler name prefixed with "W:".
type SessionID string

// WellKnownPrefix marks reserved server-side handler sessions.
const WellKnownPrefix = "W:"

// Reserved well-known session ids.
const (
	SessionEnrollment = SessionID(WellKnownPrefix + "Enrollment")
	SessionStats      = SessionID(WellKnownPrefix + "Stats")
	SessionBlobUpload = SessionID(WellKnownPrefix + "TransferStore")
	SessionForeman    = SessionID(WellKnownPrefix + "Foreman")
)

// IsWellKnown reports whether the session addresses a reserved handler
// rather than a flow.
func (s SessionID) IsWellKnown() bool {
	return strings.HasPrefix(string(s), WellKnownPrefix)
}

// HandlerName returns the handler name of a well-known session id.
func (s SessionID) HandlerName() string {
	return strings.TrimPrefix(string(s), WellKnownPrefix)
}

// FlowSession builds the session id for a flow, including any chain of
// ancestor flow ids for nested children.
func FlowSession(client ClientID, flows ...FlowID) SessionID {
	parts := make([]string, 0, len(flows)+1)
	parts = append(parts, client.String())
	for _, f := range flows {
		parts = append(parts, f.String())
	}
	return SessionID(strings.Join(parts, "/"))
}

// ParseFlowSession splits a flow session id into its client and flow chain.
// The last element of the chain is the flow the messages belong to.
func ParseFlowSession(s SessionID) (ClientID, []FlowID, error) {
	parts := strings.Split(string(s), "/")
	if len(parts) < 2 {
		return 0, nil, fmt.Errorf("malformed flow session %q", s)
	}
	client, err := ParseClientID(parts[0])
	if err != nil {
		return 0, nil, err
	}
	flows := make([]FlowID, 0, len(parts)-1)
	for _, p := range parts[1:] {
		f, err := ParseFlowID(p)
		if err != nil {
			return 0, nil, err
		}
		flows = append(flows, f)
	}
	return client, flows, nil
}
