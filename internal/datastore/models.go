package datastore

import (
	"time"

	"github.com/vigilsec/fleet/internal/ids"
)

// Label is an (owner, name) pair attached to a client.
type Label struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// CrashRecord captures the most recent agent crash.
type CrashRecord struct {
	SessionID ids.SessionID `json:"session_id"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

// Client is the persistent per-agent record, created at enrollment and
// updated on every poll. Never deleted automatically.
type Client struct {
	ID              ids.ClientID
	Fingerprint     []byte // SHA-256 of the agent public key
	PublicKeyPEM    []byte
	FirstSeen       time.Time
	LastPing        time.Time
	LastClock       time.Time // agent-reported wall clock at last poll
	LastIP          string
	LastForeman     time.Time // last time hunt rules were evaluated for it
	Labels          []Label
	LastCrash       *CrashRecord
	SnapshotVersion uint64
}

// ClientSnapshot is one versioned knowledge-base capture for a client.
type ClientSnapshot struct {
	ClientID  ids.ClientID
	Version   uint64
	Timestamp time.Time
	Knowledge []byte // serialized wire.KnowledgeBase
	Startup   []byte // serialized wire.StartupInfo
}

// FlowState is the lifecycle state of a flow. Terminal states are final.
type FlowState string

const (
	FlowRunning  FlowState = "RUNNING"
	FlowFinished FlowState = "FINISHED"
	FlowError    FlowState = "ERROR"
	FlowCrashed  FlowState = "CRASHED"
)

// Terminal reports whether the state admits no further transitions.
func (s FlowState) Terminal() bool { return s != FlowRunning }

// Flow is the persistent state machine record for one investigation on one
// client.
type Flow struct {
	ClientID     ids.ClientID
	FlowID       ids.FlowID
	ParentFlowID ids.FlowID // zero when top level
	ParentHuntID ids.HuntID // zero unless hunt-created
	// ParentRequestID is the parent's request awaiting this child's
	// completion notification.
	ParentRequestID uint64

	Class     string
	Creator   string
	CreatedAt time.Time
	UpdatedAt time.Time

	State        FlowState
	ErrorMessage string
	Backtrace    string

	// StateBlob is the flow class's serialized private state.
	StateBlob []byte

	// NextRequestID is the id the next issued request will take; request ids
	// start at 1 and are assigned in flow-callback order.
	NextRequestID uint64
	// NextRequestToProcess is the processing cursor: only the complete
	// request with this id may be consumed. Monotonically non-decreasing.
	NextRequestToProcess uint64
	// OutstandingRequests counts issued but not yet consumed requests.
	OutstandingRequests int64
	// OutstandingChildren counts running child flows.
	OutstandingChildren int64

	CPUTimeUsed        float64
	NetworkBytesSent   uint64
	CPULimitSeconds    float64 // zero = unlimited
	NetworkBytesLimit  uint64  // zero = unlimited
	PendingTermination string

	ProcessingOwner    string
	ProcessingDeadline time.Time
	ProcessingCount    uint64

	NumResults uint64
}

// FlowRequest is one unit of work a flow issued: either an agent action or
// a wait for a child flow.
type FlowRequest struct {
	ClientID  ids.ClientID
	FlowID    ids.FlowID
	RequestID uint64

	// Action invoked on the agent; empty for child-flow wait requests.
	Action   string
	ArgsType string
	Args     []byte

	// NextState names the flow-class callback that consumes the responses.
	NextState string

	// ChildFlowID is set on child-flow wait requests: the id of the child
	// whose completion this request awaits.
	ChildFlowID ids.FlowID

	// NeedsProcessing flips true when the terminal status arrives.
	NeedsProcessing bool
	// ResponsesExpected is set from the status response id; zero until then.
	ResponsesExpected uint64

	CreatedAt time.Time
}

// ResultsRequestID is the reserved request id under which a flow's replies
// (its results) are stored. Real request ids start at 1, and request cleanup
// never touches this stream.
const ResultsRequestID uint64 = 0

// ResponseKind mirrors the wire message type of a response row.
type ResponseKind string

const (
	ResponseMessage  ResponseKind = "MESSAGE"
	ResponseStatus   ResponseKind = "STATUS"
	ResponseIterator ResponseKind = "ITERATOR"
)

// FlowResponse is one agent reply (or synthetic server-side reply) to a
// flow request.
type FlowResponse struct {
	ClientID   ids.ClientID
	FlowID     ids.FlowID
	RequestID  uint64
	ResponseID uint64

	Kind        ResponseKind
	PayloadType string
	Payload     []byte

	Timestamp time.Time
}

// RequestAndResponses joins a request with everything received for it.
type RequestAndResponses struct {
	Request   *FlowRequest
	Responses []*FlowResponse // ordered by ResponseID
}

// Status returns the terminal status response, or nil.
func (r *RequestAndResponses) Status() *FlowResponse {
	for i := len(r.Responses) - 1; i >= 0; i-- {
		if r.Responses[i].Kind == ResponseStatus {
			return r.Responses[i]
		}
	}
	return nil
}

// Complete reports whether every expected response including the terminal
// status has arrived.
func (r *RequestAndResponses) Complete() bool {
	if r.Request.ResponsesExpected == 0 {
		return false
	}
	return uint64(len(r.Responses)) == r.Request.ResponsesExpected && r.Status() != nil
}

// ClientActionRequest is one outbound message queued for an agent. Deleted
// when its terminal status response arrives.
type ClientActionRequest struct {
	ClientID  ids.ClientID
	MessageID uint64 // task id, unique per client
	FlowID    ids.FlowID
	RequestID uint64

	SessionID ids.SessionID
	Action    string
	ArgsType  string
	Args      []byte

	CPULimit          uint64
	NetworkBytesLimit uint64
	RequireFastpoll   bool
	Priority          uint32

	LeaseOwner    string
	LeaseDeadline time.Time
	LeaseCount    uint64

	CreatedAt time.Time
}

// FlowProcessingRequest signals that a flow may have newly completed
// requests. Deduplicated on (client, flow); DeliveryTime defers wake-up.
type FlowProcessingRequest struct {
	ClientID     ids.ClientID
	FlowID       ids.FlowID
	WriteTime    time.Time
	DeliveryTime time.Time // zero = deliver immediately

	LeaseOwner    string
	LeaseDeadline time.Time
}

// MessageHandlerRequest is an inbound well-known-session message queued for
// a server-side handler. Deleted when the handler completes.
type MessageHandlerRequest struct {
	Handler   string
	RequestID uint64
	ClientID  ids.ClientID

	PayloadType string
	Payload     []byte
	Timestamp   time.Time

	LeaseOwner    string
	LeaseDeadline time.Time
}

// ApprovalType scopes an approval to a kind of subject.
type ApprovalType string

const (
	ApprovalClient  ApprovalType = "CLIENT"
	ApprovalHunt    ApprovalType = "HUNT"
	ApprovalCronJob ApprovalType = "CRON_JOB"
)

// Grant is one peer user's sign-off on an approval.
type Grant struct {
	Grantor   string    `json:"grantor"`
	Timestamp time.Time `json:"timestamp"`
}

// Approval is a persisted access authorization request with its grants.
type Approval struct {
	Requestor  string
	Type       ApprovalType
	SubjectID  string
	ApprovalID string

	Reason        string
	NotifiedUsers []string
	EmailCC       []string
	Expiration    time.Time
	Grants        []Grant

	CreatedAt time.Time
}

// Expired reports whether the approval has lapsed at the given instant.
func (a *Approval) Expired(now time.Time) bool { return !a.Expiration.After(now) }

// UserType separates admins (who can grant hunt approvals and run
// restricted flows) from standard analysts.
type UserType string

const (
	UserStandard UserType = "STANDARD"
	UserAdmin    UserType = "ADMIN"
)

// User is a server-side operator identity; authentication happens upstream.
type User struct {
	Username string
	Type     UserType
	Email    string
}

// HuntState is the lifecycle state of a hunt.
type HuntState string

const (
	HuntPaused    HuntState = "PAUSED"
	HuntStarted   HuntState = "STARTED"
	HuntStopped   HuntState = "STOPPED"
	HuntCompleted HuntState = "COMPLETED"
)

// HuntCounters accumulate across a hunt's child flows.
type HuntCounters struct {
	NumClients    uint64
	NumSuccessful uint64
	NumFailed     uint64
	NumCrashed    uint64
	NumResults    uint64
	TotalCPU      float64
	TotalNetwork  uint64
}

// Hunt is a fleet-wide flow factory.
type Hunt struct {
	ID          ids.HuntID
	Creator     string
	Description string
	CreatedAt   time.Time
	StartedAt   time.Time

	FlowClass    string
	FlowArgsType string
	FlowArgs     []byte

	ClientRule ClientRuleSet

	// ClientRate is the max dispatches per minute; zero disables throttling
	// (rapid-hunt mode).
	ClientRate  float64
	ClientLimit uint64

	CrashLimit         uint64
	AvgCPUSecondsLimit float64
	AvgNetworkLimit    uint64
	AvgResultsLimit    float64

	State      HuntState
	StopReason string
	Counters   HuntCounters
}

// ClientRuleSet is a conjunction/disjunction of predicates over client
// attributes, evaluated at dispatch time.
type ClientRuleSet struct {
	// MatchMode ALL requires every rule to match; ANY requires one.
	MatchMode string       `json:"match_mode"` // "ALL" (default) or "ANY"
	Rules     []ClientRule `json:"rules"`
}

// ClientRule is a single predicate over a client attribute.
type ClientRule struct {
	// Kind: "os", "label", "regex_hostname", "min_age_days".
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// BlobRef locates one chunk of a logical file in the blob store.
type BlobRef struct {
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
	BlobID []byte `json:"blob_id"` // SHA-256
}

// BinaryType distinguishes signed binary kinds.
type BinaryType string

const (
	BinaryPythonHack BinaryType = "PYTHON_HACK"
	BinaryExecutable BinaryType = "EXECUTABLE"
)

// SignedBinaryRef is one signed chunk of a deliverable binary.
type SignedBinaryRef struct {
	BlobID    []byte `json:"blob_id"`
	Size      uint64 `json:"size"`
	Signature []byte `json:"signature"`
}

// SignedBinaryID names a deliverable binary.
type SignedBinaryID struct {
	Type BinaryType
	Path string
}
