// Package datastore defines the transactional persistence contract every
// other component builds on, together with its error taxonomy and the
// leasing discipline shared by all work queues. Two implementations exist:
// an in-memory store for tests and single-node development, and a Postgres
// store for production.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vigilsec/fleet/internal/ids"
)

// Sentinel errors of the store's error taxonomy. All are fatal for the
// caller unless wrapped in TransientError.
var (
	ErrUnknownClient         = errors.New("unknown client")
	ErrUnknownFlow           = errors.New("unknown flow")
	ErrUnknownApproval       = errors.New("unknown approval")
	ErrUnknownHunt           = errors.New("unknown hunt")
	ErrUnknownUser           = errors.New("unknown user")
	ErrUnknownBinary         = errors.New("unknown signed binary")
	ErrAtLeastOneUnknownPath = errors.New("at least one unknown path")
	ErrDuplicateKey          = errors.New("duplicate key")
	ErrLeaseConflict         = errors.New("lease conflict")
	ErrOversizedRead         = errors.New("oversized read")
)

// TransientError wraps storage-layer failures that the caller should retry
// with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient storage error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retriable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ClientSearch is the paged client listing filter.
type ClientSearch struct {
	Keywords []string
	Offset   int
	Count    int
}

// HuntFlowFilter selects which child flows of a hunt to return.
type HuntFlowFilter string

const (
	HuntFlowsAll       HuntFlowFilter = "ALL"
	HuntFlowsSucceeded HuntFlowFilter = "SUCCEEDED"
	HuntFlowsFailed    HuntFlowFilter = "FAILED"
	HuntFlowsCrashed   HuntFlowFilter = "CRASHED"
)

// Store is the single persistence contract. Every mutation within one call
// is atomic; no cross-call transactions are offered. All lease-taking calls
// follow the same discipline: atomically claim rows whose lease is absent
// or expired, stamp owner and deadline, increment the lease count, and
// return the claimed rows.
type Store interface {
	// Clients.
	WriteClientMetadata(ctx context.Context, client *Client) error
	ReadClient(ctx context.Context, id ids.ClientID) (*Client, error)
	MultiReadClient(ctx context.Context, idList []ids.ClientID) (map[ids.ClientID]*Client, error)
	ListClients(ctx context.Context, offset, count int) ([]*Client, error)
	UpdateClientPing(ctx context.Context, id ids.ClientID, lastPing, lastClock time.Time, lastIP string) error
	UpdateClientForemanTime(ctx context.Context, id ids.ClientID, t time.Time) error
	WriteClientCrash(ctx context.Context, id ids.ClientID, crash *CrashRecord) error
	AddClientLabels(ctx context.Context, id ids.ClientID, labels []Label) error
	RemoveClientLabels(ctx context.Context, id ids.ClientID, labels []Label) error
	WriteClientSnapshot(ctx context.Context, snap *ClientSnapshot) (version uint64, err error)
	ReadClientSnapshot(ctx context.Context, id ids.ClientID) (*ClientSnapshot, error)
	AddClientKeywords(ctx context.Context, id ids.ClientID, keywords []string) error
	ListClientsForKeywords(ctx context.Context, keywords []string) ([]ids.ClientID, error)

	// Flows.
	WriteFlowObject(ctx context.Context, flow *Flow) error
	ReadFlowObject(ctx context.Context, client ids.ClientID, flow ids.FlowID) (*Flow, error)
	ListFlowObjects(ctx context.Context, client ids.ClientID, offset, count int) ([]*Flow, error)
	// UpdateFlow persists a mutated flow row; the caller must hold the
	// processing lease identified by owner, or pass owner == "" for fields
	// that are not lease-protected (pending_termination only).
	UpdateFlow(ctx context.Context, flow *Flow, owner string) error
	SetFlowPendingTermination(ctx context.Context, client ids.ClientID, flow ids.FlowID, reason string) error
	// LeaseFlowForProcessing claims the flow row until deadline. Exactly one
	// concurrent caller succeeds; the others get ErrLeaseConflict.
	LeaseFlowForProcessing(ctx context.Context, client ids.ClientID, flow ids.FlowID, owner string, duration time.Duration) (*Flow, error)
	ReleaseProcessedFlow(ctx context.Context, flow *Flow, owner string) error

	// Flow requests and responses.
	WriteFlowRequests(ctx context.Context, requests []*FlowRequest) error
	WriteFlowResponses(ctx context.Context, responses []*FlowResponse) error
	DeleteFlowRequests(ctx context.Context, client ids.ClientID, flow ids.FlowID, requestIDs []uint64) error
	ReadAllFlowRequestsAndResponses(ctx context.Context, client ids.ClientID, flow ids.FlowID) ([]*RequestAndResponses, error)
	// ReadFlowRequestsReadyForProcessing returns requests with
	// needs_processing set and request id >= cursor, joined with responses,
	// ordered by request id.
	ReadFlowRequestsReadyForProcessing(ctx context.Context, client ids.ClientID, flow ids.FlowID, cursor uint64) ([]*RequestAndResponses, error)
	ListFlowResults(ctx context.Context, client ids.ClientID, flow ids.FlowID, offset, count int, payloadType string) ([]*FlowResponse, error)

	// Outbound client action queue.
	WriteClientActionRequests(ctx context.Context, requests []*ClientActionRequest) error
	LeaseClientActionRequests(ctx context.Context, client ids.ClientID, owner string, duration time.Duration, limit int) ([]*ClientActionRequest, error)
	DeleteClientActionRequest(ctx context.Context, client ids.ClientID, flow ids.FlowID, requestID uint64) error
	ReadAllClientActionRequests(ctx context.Context, client ids.ClientID) ([]*ClientActionRequest, error)

	// Flow processing queue.
	WriteFlowProcessingRequests(ctx context.Context, requests []*FlowProcessingRequest) error
	LeaseFlowProcessingRequests(ctx context.Context, owner string, duration time.Duration, limit int) ([]*FlowProcessingRequest, error)
	AckFlowProcessingRequest(ctx context.Context, req *FlowProcessingRequest, owner string) error

	// Message handler queue.
	WriteMessageHandlerRequests(ctx context.Context, requests []*MessageHandlerRequest) error
	LeaseMessageHandlerRequests(ctx context.Context, owner string, duration time.Duration, limit int) ([]*MessageHandlerRequest, error)
	DeleteMessageHandlerRequest(ctx context.Context, req *MessageHandlerRequest, owner string) error

	// Approvals and users.
	WriteApprovalRequest(ctx context.Context, approval *Approval) error
	ReadApprovalRequest(ctx context.Context, requestor string, approvalID string) (*Approval, error)
	ReadApprovalRequests(ctx context.Context, requestor string, typ ApprovalType, subjectID string, includeExpired bool) ([]*Approval, error)
	GrantApproval(ctx context.Context, requestor string, approvalID string, grant Grant) error
	WriteUser(ctx context.Context, user *User) error
	ReadUser(ctx context.Context, username string) (*User, error)

	// Hunts.
	WriteHuntObject(ctx context.Context, hunt *Hunt) error
	ReadHuntObject(ctx context.Context, id ids.HuntID) (*Hunt, error)
	ListHuntObjects(ctx context.Context, offset, count int) ([]*Hunt, error)
	UpdateHuntObject(ctx context.Context, id ids.HuntID, update func(*Hunt) error) error
	ReadHuntFlows(ctx context.Context, id ids.HuntID, offset, count int, filter HuntFlowFilter) ([]*Flow, error)
	// MarkHuntClient records the (hunt, client) dispatch pair; returns false
	// when the client was already dispatched for this hunt.
	MarkHuntClient(ctx context.Context, id ids.HuntID, client ids.ClientID) (bool, error)
	ListStartedHunts(ctx context.Context) ([]*Hunt, error)

	// Blobs.
	WriteBlobs(ctx context.Context, blobs [][]byte) ([][]byte, error)
	ReadBlobs(ctx context.Context, blobIDs [][]byte) (map[string][]byte, error)
	CheckBlobsExist(ctx context.Context, blobIDs [][]byte) (map[string]bool, error)
	WriteBlobReferences(ctx context.Context, fileID []byte, refs []BlobRef) error
	ReadBlobReferences(ctx context.Context, fileID []byte) ([]BlobRef, error)

	// Signed binaries.
	WriteSignedBinaryReferences(ctx context.Context, id SignedBinaryID, refs []SignedBinaryRef) error
	ReadSignedBinaryReferences(ctx context.Context, id SignedBinaryID) ([]SignedBinaryRef, error)
	ReadIDsForAllSignedBinaries(ctx context.Context) ([]SignedBinaryID, error)
	DeleteSignedBinaryReferences(ctx context.Context, id SignedBinaryID) error
}
