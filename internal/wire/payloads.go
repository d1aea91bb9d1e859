package wire

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Payload is any typed value an action can emit or accept. Payloads are
// serialized as JSON and named by their registered type so that both sides
// can agree on the schema without reflection.
type Payload interface {
	PayloadType() string
}

var (
	payloadMu       sync.RWMutex
	payloadRegistry = map[string]func() Payload{}
)

// RegisterPayload adds a payload schema to the registry. Call from init.
// Registering the same name twice panics; that is a programming error.
func RegisterPayload(factory func() Payload) {
	p := factory()
	payloadMu.Lock()
	defer payloadMu.Unlock()
	if _, ok := payloadRegistry[p.PayloadType()]; ok {
		panic(fmt.Sprintf("wire: payload type %q registered twice", p.PayloadType()))
	}
	payloadRegistry[p.PayloadType()] = factory
}

// MarshalPayload serializes a payload, returning its bytes and type name.
func MarshalPayload(p Payload) ([]byte, string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, "", fmt.Errorf("marshal payload %q: %w", p.PayloadType(), err)
	}
	return b, p.PayloadType(), nil
}

// UnmarshalPayload decodes payload bytes by registered type name. Unknown
// type names are a hard error on receive.
func UnmarshalPayload(typeName string, data []byte) (Payload, error) {
	payloadMu.RLock()
	factory, ok := payloadRegistry[typeName]
	payloadMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown payload type %q", typeName)
	}
	p := factory()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("unmarshal payload %q: %w", typeName, err)
	}
	return p, nil
}

// StatusResult classifies how a request ended on the agent.
type StatusResult string

const (
	StatusOK              StatusResult = "OK"
	StatusGenericError    StatusResult = "GENERIC_ERROR"
	StatusClientKilled    StatusResult = "CLIENT_KILLED"
	StatusCPUExceeded     StatusResult = "CPU_LIMIT_EXCEEDED"
	StatusNetworkExceeded StatusResult = "NETWORK_LIMIT_EXCEEDED"
)

// CPUSeconds is a pair of user/system CPU second counters reported by the
// agent for one request.
type CPUSeconds struct {
	UserCPUTime   float64 `json:"user_cpu_time"`
	SystemCPUTime float64 `json:"system_cpu_time"`
}

func (c CPUSeconds) Total() float64 { return c.UserCPUTime + c.SystemCPUTime }

// Status is the terminal payload of every request, always sent last and
// exactly once per request.
type Status struct {
	Result           StatusResult `json:"result"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	Backtrace        string       `json:"backtrace,omitempty"`
	CPUTimeUsed      CPUSeconds   `json:"cpu_time_used"`
	NetworkBytesSent uint64       `json:"network_bytes_sent"`
}

func (*Status) PayloadType() string { return "Status" }

// EnrollmentRequest is sent by an unenrolled agent on the enrollment session.
// The certificate is the agent's self-signed public key in PEM form.
type EnrollmentRequest struct {
	Certificate []byte `json:"certificate"`
}

func (*EnrollmentRequest) PayloadType() string { return "EnrollmentRequest" }

// StartupInfo is volunteered by the agent on each restart and at enrollment.
type StartupInfo struct {
	Hostname      string    `json:"hostname"`
	System        string    `json:"system"`
	OSRelease     string    `json:"os_release"`
	OSVersion     string    `json:"os_version"`
	Architecture  string    `json:"architecture"`
	AgentVersion  string    `json:"agent_version"`
	BootTime      time.Time `json:"boot_time"`
	ClientInfoURL string    `json:"client_info_url,omitempty"`
}

func (*StartupInfo) PayloadType() string { return "StartupInfo" }

// ClientStats is periodic agent self-reporting on the stats session.
type ClientStats struct {
	CPUSamples    []float64 `json:"cpu_samples"`
	MemoryPercent float64   `json:"memory_percent"`
	BytesReceived uint64    `json:"bytes_received"`
	BytesSent     uint64    `json:"bytes_sent"`
	BootTime      time.Time `json:"boot_time"`
}

func (*ClientStats) PayloadType() string { return "ClientStats" }

// Process is one row of an agent process listing.
type Process struct {
	PID       int32    `json:"pid"`
	PPID      int32    `json:"ppid"`
	Name      string   `json:"name"`
	Exe       string   `json:"exe"`
	Cmdline   []string `json:"cmdline"`
	Username  string   `json:"username"`
	CTime     int64    `json:"ctime"`
	RSSSize   uint64   `json:"rss_size"`
	VMSSize   uint64   `json:"vms_size"`
	NumThread int32    `json:"num_threads"`
}

func (*Process) PayloadType() string { return "Process" }

// StatEntry describes one filesystem entry.
type StatEntry struct {
	Path    string `json:"path"`
	Size    uint64 `json:"size"`
	Mode    uint32 `json:"mode"`
	UID     int32  `json:"uid"`
	GID     int32  `json:"gid"`
	MTime   int64  `json:"mtime"`
	ATime   int64  `json:"atime"`
	CTime   int64  `json:"ctime"`
	IsDir   bool   `json:"is_dir"`
	Symlink string `json:"symlink,omitempty"`
}

func (*StatEntry) PayloadType() string { return "StatEntry" }

// BufferReference points at one chunk of a transferred file: the chunk's
// bytes are stored in the blob store under Digest.
type BufferReference struct {
	Path   string `json:"path"`
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
	Digest []byte `json:"digest"` // SHA-256 of the chunk
}

func (*BufferReference) PayloadType() string { return "BufferReference" }

// DataBlob carries raw bytes, used by the blob upload session.
type DataBlob struct {
	Data []byte `json:"data"`
}

func (*DataBlob) PayloadType() string { return "DataBlob" }

// FetchRequest asks the agent to read and upload a range of a file.
type FetchRequest struct {
	Path      string `json:"path"`
	Offset    uint64 `json:"offset"`
	Length    uint64 `json:"length"`
	ChunkSize uint64 `json:"chunk_size"`
}

func (*FetchRequest) PayloadType() string { return "FetchRequest" }

// PathSpec names a file on the agent for stat or fetch actions.
type PathSpec struct {
	Path string `json:"path"`
}

func (*PathSpec) PayloadType() string { return "PathSpec" }

// ExecuteBinaryRequest asks the agent to run a signed binary that it must
// first verify against the pinned code-signing key.
type ExecuteBinaryRequest struct {
	BinaryPath string   `json:"binary_path"`
	Args       []string `json:"args"`
	TimeLimit  uint64   `json:"time_limit_seconds"`
}

func (*ExecuteBinaryRequest) PayloadType() string { return "ExecuteBinaryRequest" }

// KnowledgeBase holds the platform facts Interrogate collects.
type KnowledgeBase struct {
	Hostname     string   `json:"hostname"`
	FQDN         string   `json:"fqdn"`
	System       string   `json:"system"`
	OSRelease    string   `json:"os_release"`
	OSVersion    string   `json:"os_version"`
	Architecture string   `json:"architecture"`
	InstallDate  int64    `json:"install_date"`
	Users        []string `json:"users"`
}

func (*KnowledgeBase) PayloadType() string { return "KnowledgeBase" }

// ClientCrash is published when an agent reports it was killed mid-action.
type ClientCrash struct {
	ClientID     string    `json:"client_id"`
	SessionID    string    `json:"session_id"`
	Timestamp    time.Time `json:"timestamp"`
	CrashMessage string    `json:"crash_message"`
}

func (*ClientCrash) PayloadType() string { return "ClientCrash" }

func init() {
	RegisterPayload(func() Payload { return &Status{} })
	RegisterPayload(func() Payload { return &EnrollmentRequest{} })
	RegisterPayload(func() Payload { return &StartupInfo{} })
	RegisterPayload(func() Payload { return &ClientStats{} })
	RegisterPayload(func() Payload { return &Process{} })
	RegisterPayload(func() Payload { return &StatEntry{} })
	RegisterPayload(func() Payload { return &BufferReference{} })
	RegisterPayload(func() Payload { return &DataBlob{} })
	RegisterPayload(func() Payload { return &FetchRequest{} })
	RegisterPayload(func() Payload { return &PathSpec{} })
	RegisterPayload(func() Payload { return &ExecuteBinaryRequest{} })
	RegisterPayload(func() Payload { return &KnowledgeBase{} })
	RegisterPayload(func() Payload { return &ClientCrash{} })
}
