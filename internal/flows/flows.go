// Package flows holds the built-in flow classes: interrogation, process
// listing, file collection and agent update. Each class is a state machine
// registered with the flow engine; the states run server-side between agent
// round trips.
package flows

import (
	"context"
	"crypto/sha256"
	"fmt"
	"regexp"

	"github.com/vigilsec/fleet/internal/blobstore"
	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/flow"
	"github.com/vigilsec/fleet/internal/wire"
)

func init() {
	wire.RegisterPayload(func() wire.Payload { return &ListProcessesArgs{} })

	flow.Register(&flow.Descriptor{
		Name: "Interrogate",
		Doc:  "Collect the client's knowledge base and refresh its snapshot.",
		New:  func() flow.Impl { return &Interrogate{} },
	})
	flow.Register(&flow.Descriptor{
		Name: "ListProcesses",
		Doc:  "List processes running on the client, optionally filtered by name.",
		New:  func() flow.Impl { return &ListProcesses{} },
	})
	flow.Register(&flow.Descriptor{
		Name: "GetFile",
		Doc:  "Fetch one file from the client into the blob store.",
		New:  func() flow.Impl { return &GetFile{} },
	})
	flow.Register(&flow.Descriptor{
		Name:       "UpdateAgent",
		Doc:        "Install a signed agent binary on the client.",
		Restricted: true,
		New:        func() flow.Impl { return &UpdateAgent{} },
	})
}

// Interrogate asks the agent for its platform facts and startup info, writes
// a fresh client snapshot and indexes the client for keyword search.
type Interrogate struct{}

func (f *Interrogate) Start(_ context.Context, fc *flow.Context) error {
	if err := fc.CallClient("GetKnowledgeBase", nil, "StoreKnowledge"); err != nil {
		return err
	}
	return fc.CallClient("GetStartupInfo", nil, "StoreStartup")
}

func (f *Interrogate) States() map[string]flow.StateFunc {
	return map[string]flow.StateFunc{
		"StoreKnowledge": f.storeKnowledge,
		"StoreStartup":   f.storeStartup,
	}
}

func (f *Interrogate) storeKnowledge(ctx context.Context, fc *flow.Context, rs *flow.Responses) error {
	if !rs.Success() {
		return fmt.Errorf("knowledge base collection failed: %s", rs.ErrorMessage())
	}
	payloads, err := rs.Payloads()
	if err != nil {
		return err
	}
	for _, p := range payloads {
		kb, ok := p.(*wire.KnowledgeBase)
		if !ok {
			continue
		}
		raw, _, err := wire.MarshalPayload(kb)
		if err != nil {
			return err
		}
		if _, err := fc.Store().WriteClientSnapshot(ctx, &datastore.ClientSnapshot{
			ClientID:  fc.ClientID(),
			Knowledge: raw,
		}); err != nil {
			return err
		}
		if err := fc.Store().AddClientKeywords(ctx, fc.ClientID(), searchKeywords(kb)); err != nil {
			return err
		}
		if err := fc.SendReply(kb); err != nil {
			return err
		}
	}
	return nil
}

func (f *Interrogate) storeStartup(ctx context.Context, fc *flow.Context, rs *flow.Responses) error {
	if !rs.Success() {
		// Startup info is best effort; the knowledge base already landed.
		return nil
	}
	payloads, err := rs.Payloads()
	if err != nil {
		return err
	}
	for _, p := range payloads {
		info, ok := p.(*wire.StartupInfo)
		if !ok {
			continue
		}
		raw, _, err := wire.MarshalPayload(info)
		if err != nil {
			return err
		}
		snap, err := fc.Store().ReadClientSnapshot(ctx, fc.ClientID())
		if err != nil {
			snap = &datastore.ClientSnapshot{ClientID: fc.ClientID()}
		}
		snap.Startup = raw
		if _, err := fc.Store().WriteClientSnapshot(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

func searchKeywords(kb *wire.KnowledgeBase) []string {
	keywords := []string{kb.Hostname, kb.FQDN, kb.System, kb.OSRelease, kb.OSVersion}
	keywords = append(keywords, kb.Users...)
	out := keywords[:0]
	for _, k := range keywords {
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

// ListProcessesArgs filters the listing by process name.
type ListProcessesArgs struct {
	NameRegex string `json:"name_regex,omitempty"`
}

func (*ListProcessesArgs) PayloadType() string { return "ListProcessesArgs" }

// ListProcesses collects the client's process table.
type ListProcesses struct {
	NameRegex string `json:"name_regex,omitempty"`
}

func (f *ListProcesses) Start(_ context.Context, fc *flow.Context) error {
	var args ListProcessesArgs
	if err := fc.DecodeArgs(&args); err != nil {
		return err
	}
	if args.NameRegex != "" {
		if _, err := regexp.Compile(args.NameRegex); err != nil {
			return fmt.Errorf("bad name_regex: %w", err)
		}
		f.NameRegex = args.NameRegex
	}
	return fc.CallClient("ListProcesses", nil, "Collect")
}

func (f *ListProcesses) States() map[string]flow.StateFunc {
	return map[string]flow.StateFunc{"Collect": f.collect}
}

func (f *ListProcesses) collect(_ context.Context, fc *flow.Context, rs *flow.Responses) error {
	if !rs.Success() {
		return fmt.Errorf("process listing failed: %s", rs.ErrorMessage())
	}
	var filter *regexp.Regexp
	if f.NameRegex != "" {
		filter = regexp.MustCompile(f.NameRegex)
	}
	payloads, err := rs.Payloads()
	if err != nil {
		return err
	}
	for _, p := range payloads {
		proc, ok := p.(*wire.Process)
		if !ok {
			continue
		}
		if filter != nil && !filter.MatchString(proc.Name) {
			continue
		}
		if err := fc.SendReply(proc); err != nil {
			return err
		}
	}
	return nil
}

// defaultChunkSize is the fetch chunk size when the caller leaves it unset.
const defaultChunkSize = 512 << 10

// GetFile fetches one file. The agent uploads the content in chunks through
// the blob upload session and answers with one BufferReference per chunk;
// the flow assembles them into a blob-backed file map and replies with the
// file's stat entry.
type GetFile struct {
	Path      string              `json:"path"`
	ChunkSize uint64              `json:"chunk_size"`
	Refs      []datastore.BlobRef `json:"refs"`
}

func (f *GetFile) Start(_ context.Context, fc *flow.Context) error {
	var args wire.FetchRequest
	if err := fc.DecodeArgs(&args); err != nil {
		return err
	}
	if args.Path == "" {
		return fmt.Errorf("path must be set")
	}
	f.Path = args.Path
	f.ChunkSize = args.ChunkSize
	if f.ChunkSize == 0 {
		f.ChunkSize = defaultChunkSize
	}
	return fc.CallClient("FetchFile", &wire.FetchRequest{
		Path:      f.Path,
		Offset:    args.Offset,
		Length:    args.Length,
		ChunkSize: f.ChunkSize,
	}, "Chunks")
}

func (f *GetFile) States() map[string]flow.StateFunc {
	return map[string]flow.StateFunc{"Chunks": f.chunks}
}

func (f *GetFile) chunks(ctx context.Context, fc *flow.Context, rs *flow.Responses) error {
	if !rs.Success() {
		return fmt.Errorf("fetching %s failed: %s", f.Path, rs.ErrorMessage())
	}
	payloads, err := rs.Payloads()
	if err != nil {
		return err
	}
	for _, p := range payloads {
		ref, ok := p.(*wire.BufferReference)
		if !ok {
			continue
		}
		f.Refs = append(f.Refs, datastore.BlobRef{
			Offset: ref.Offset,
			Size:   ref.Length,
			BlobID: ref.Digest,
		})
	}
	if len(f.Refs) == 0 {
		return fmt.Errorf("agent sent no chunks for %s", f.Path)
	}

	blobs := blobstore.NewManager(fc.Store())
	fileID := FileID(fc.ClientID().String(), f.Path)
	if err := blobs.WriteFile(ctx, fileID, f.Refs); err != nil {
		return err
	}
	size, err := blobs.FileSize(ctx, fileID)
	if err != nil {
		return err
	}
	return fc.SendReply(&wire.StatEntry{Path: f.Path, Size: size})
}

// FileID derives the stable blob-reference key for a fetched client file.
func FileID(clientID, path string) []byte {
	sum := sha256.Sum256([]byte(clientID + ":" + path))
	return sum[:]
}

// UpdateAgent ships a signed binary to the agent and executes it. The agent
// downloads the chunks from the binary endpoint and verifies each signature
// against its pinned code-signing key before running anything.
type UpdateAgent struct {
	BinaryPath string `json:"binary_path"`
}

func (f *UpdateAgent) Start(ctx context.Context, fc *flow.Context) error {
	var args wire.ExecuteBinaryRequest
	if err := fc.DecodeArgs(&args); err != nil {
		return err
	}
	if args.BinaryPath == "" {
		return fmt.Errorf("binary_path must be set")
	}
	// Refuse to dispatch an update nobody uploaded.
	id := datastore.SignedBinaryID{Type: datastore.BinaryExecutable, Path: args.BinaryPath}
	if _, err := fc.Store().ReadSignedBinaryReferences(ctx, id); err != nil {
		return fmt.Errorf("binary %s: %w", args.BinaryPath, err)
	}
	f.BinaryPath = args.BinaryPath
	return fc.CallClient("UpdateAgent", &args, "Done")
}

func (f *UpdateAgent) States() map[string]flow.StateFunc {
	return map[string]flow.StateFunc{"Done": f.done}
}

func (f *UpdateAgent) done(_ context.Context, fc *flow.Context, rs *flow.Responses) error {
	if !rs.Success() {
		return fmt.Errorf("update with %s failed: %s", f.BinaryPath, rs.ErrorMessage())
	}
	payloads, err := rs.Payloads()
	if err != nil {
		return err
	}
	for _, p := range payloads {
		if info, ok := p.(*wire.StartupInfo); ok {
			if err := fc.SendReply(info); err != nil {
				return err
			}
		}
	}
	return nil
}
