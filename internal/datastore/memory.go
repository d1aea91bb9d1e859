package datastore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vigilsec/fleet/internal/ids"
)

// MemoryStore is the in-memory Store used by tests and single-node dev
// deployments. All operations take one lock, which makes every call
// trivially atomic.
type MemoryStore struct {
	mu sync.Mutex

	// Clock is injectable for deterministic lease tests.
	Clock func() time.Time

	clients   map[ids.ClientID]*Client
	snapshots map[ids.ClientID][]*ClientSnapshot
	keywords  map[string]map[ids.ClientID]bool

	flows     map[flowKey]*Flow
	requests  map[flowKey]map[uint64]*FlowRequest
	responses map[flowKey]map[uint64]map[uint64]*FlowResponse

	actions map[ids.ClientID]map[uint64]*ClientActionRequest
	taskSeq uint64

	processing map[flowKey]*FlowProcessingRequest

	handlerReqs map[string]*MessageHandlerRequest
	handlerSeq  uint64

	approvals map[string]*Approval // requestor/approvalID
	users     map[string]*User

	hunts       map[ids.HuntID]*Hunt
	huntClients map[ids.HuntID]map[ids.ClientID]bool

	blobs    map[string][]byte
	blobRefs map[string][]BlobRef

	binaries map[SignedBinaryID][]SignedBinaryRef
}

type flowKey struct {
	client ids.ClientID
	flow   ids.FlowID
}

// NewMemoryStore returns an empty store with the wall clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Clock:       time.Now,
		clients:     make(map[ids.ClientID]*Client),
		snapshots:   make(map[ids.ClientID][]*ClientSnapshot),
		keywords:    make(map[string]map[ids.ClientID]bool),
		flows:       make(map[flowKey]*Flow),
		requests:    make(map[flowKey]map[uint64]*FlowRequest),
		responses:   make(map[flowKey]map[uint64]map[uint64]*FlowResponse),
		actions:     make(map[ids.ClientID]map[uint64]*ClientActionRequest),
		processing:  make(map[flowKey]*FlowProcessingRequest),
		handlerReqs: make(map[string]*MessageHandlerRequest),
		approvals:   make(map[string]*Approval),
		users:       make(map[string]*User),
		hunts:       make(map[ids.HuntID]*Hunt),
		huntClients: make(map[ids.HuntID]map[ids.ClientID]bool),
		blobs:       make(map[string][]byte),
		blobRefs:    make(map[string][]BlobRef),
		binaries:    make(map[SignedBinaryID][]SignedBinaryRef),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) now() time.Time { return s.Clock() }

// ---- Clients ----

func (s *MemoryStore) WriteClientMetadata(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *client
	s.clients[client.ID] = &c
	return nil
}

func (s *MemoryStore) ReadClient(_ context.Context, id ids.ClientID) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readClientLocked(id)
}

func (s *MemoryStore) readClientLocked(id ids.ClientID) (*Client, error) {
	c, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", id, ErrUnknownClient)
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) MultiReadClient(_ context.Context, idList []ids.ClientID) (map[ids.ClientID]*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[ids.ClientID]*Client, len(idList))
	for _, id := range idList {
		if c, ok := s.clients[id]; ok {
			cc := *c
			out[id] = &cc
		}
	}
	return out, nil
}

func (s *MemoryStore) ListClients(_ context.Context, offset, count int) ([]*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		cc := *c
		all = append(all, &cc)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return page(all, offset, count), nil
}

func (s *MemoryStore) UpdateClientPing(_ context.Context, id ids.ClientID, lastPing, lastClock time.Time, lastIP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return fmt.Errorf("client %s: %w", id, ErrUnknownClient)
	}
	c.LastPing, c.LastClock, c.LastIP = lastPing, lastClock, lastIP
	return nil
}

func (s *MemoryStore) UpdateClientForemanTime(_ context.Context, id ids.ClientID, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return fmt.Errorf("client %s: %w", id, ErrUnknownClient)
	}
	c.LastForeman = t
	return nil
}

func (s *MemoryStore) WriteClientCrash(_ context.Context, id ids.ClientID, crash *CrashRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return fmt.Errorf("client %s: %w", id, ErrUnknownClient)
	}
	cc := *crash
	c.LastCrash = &cc
	return nil
}

func (s *MemoryStore) AddClientLabels(_ context.Context, id ids.ClientID, labels []Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return fmt.Errorf("client %s: %w", id, ErrUnknownClient)
	}
	for _, l := range labels {
		if !containsLabel(c.Labels, l) {
			c.Labels = append(c.Labels, l)
		}
	}
	return nil
}

func (s *MemoryStore) RemoveClientLabels(_ context.Context, id ids.ClientID, labels []Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return fmt.Errorf("client %s: %w", id, ErrUnknownClient)
	}
	kept := c.Labels[:0]
	for _, have := range c.Labels {
		if !containsLabel(labels, have) {
			kept = append(kept, have)
		}
	}
	c.Labels = kept
	return nil
}

func containsLabel(labels []Label, l Label) bool {
	for _, have := range labels {
		if have == l {
			return true
		}
	}
	return false
}

func (s *MemoryStore) WriteClientSnapshot(_ context.Context, snap *ClientSnapshot) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[snap.ClientID]
	if !ok {
		return 0, fmt.Errorf("client %s: %w", snap.ClientID, ErrUnknownClient)
	}
	c.SnapshotVersion++
	ss := *snap
	ss.Version = c.SnapshotVersion
	if ss.Timestamp.IsZero() {
		ss.Timestamp = s.now()
	}
	s.snapshots[snap.ClientID] = append(s.snapshots[snap.ClientID], &ss)
	return ss.Version, nil
}

func (s *MemoryStore) ReadClientSnapshot(_ context.Context, id ids.ClientID) (*ClientSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[id]
	if len(snaps) == 0 {
		if _, ok := s.clients[id]; !ok {
			return nil, fmt.Errorf("client %s: %w", id, ErrUnknownClient)
		}
		return nil, nil
	}
	out := *snaps[len(snaps)-1]
	return &out, nil
}

func (s *MemoryStore) AddClientKeywords(_ context.Context, id ids.ClientID, keywords []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[id]; !ok {
		return fmt.Errorf("client %s: %w", id, ErrUnknownClient)
	}
	for _, kw := range keywords {
		kw = strings.ToLower(kw)
		if s.keywords[kw] == nil {
			s.keywords[kw] = make(map[ids.ClientID]bool)
		}
		s.keywords[kw][id] = true
	}
	return nil
}

func (s *MemoryStore) ListClientsForKeywords(_ context.Context, keywords []string) ([]ids.ClientID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result map[ids.ClientID]bool
	for _, kw := range keywords {
		hits := s.keywords[strings.ToLower(kw)]
		if result == nil {
			result = make(map[ids.ClientID]bool, len(hits))
			for id := range hits {
				result[id] = true
			}
			continue
		}
		for id := range result {
			if !hits[id] {
				delete(result, id)
			}
		}
	}
	out := make([]ids.ClientID, 0, len(result))
	for id := range result {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ---- Flows ----

func (s *MemoryStore) WriteFlowObject(_ context.Context, flow *Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[flow.ClientID]; !ok {
		return fmt.Errorf("client %s: %w", flow.ClientID, ErrUnknownClient)
	}
	key := flowKey{flow.ClientID, flow.FlowID}
	if _, ok := s.flows[key]; ok {
		return fmt.Errorf("flow %s/%s: %w", flow.ClientID, flow.FlowID, ErrDuplicateKey)
	}
	f := *flow
	s.flows[key] = &f
	return nil
}

func (s *MemoryStore) ReadFlowObject(_ context.Context, client ids.ClientID, flow ids.FlowID) (*Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowKey{client, flow}]
	if !ok {
		return nil, fmt.Errorf("flow %s/%s: %w", client, flow, ErrUnknownFlow)
	}
	out := *f
	return &out, nil
}

func (s *MemoryStore) ListFlowObjects(_ context.Context, client ids.ClientID, offset, count int) ([]*Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*Flow
	for key, f := range s.flows {
		if key.client == client {
			ff := *f
			all = append(all, &ff)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return page(all, offset, count), nil
}

func (s *MemoryStore) UpdateFlow(_ context.Context, flow *Flow, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := flowKey{flow.ClientID, flow.FlowID}
	have, ok := s.flows[key]
	if !ok {
		return fmt.Errorf("flow %s/%s: %w", flow.ClientID, flow.FlowID, ErrUnknownFlow)
	}
	if owner != "" && have.ProcessingOwner != owner {
		return fmt.Errorf("flow %s/%s owned by %q not %q: %w",
			flow.ClientID, flow.FlowID, have.ProcessingOwner, owner, ErrLeaseConflict)
	}
	f := *flow
	f.UpdatedAt = s.now()
	s.flows[key] = &f
	return nil
}

func (s *MemoryStore) SetFlowPendingTermination(_ context.Context, client ids.ClientID, flow ids.FlowID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowKey{client, flow}]
	if !ok {
		return fmt.Errorf("flow %s/%s: %w", client, flow, ErrUnknownFlow)
	}
	f.PendingTermination = reason
	return nil
}

func (s *MemoryStore) LeaseFlowForProcessing(_ context.Context, client ids.ClientID, flow ids.FlowID, owner string, duration time.Duration) (*Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowKey{client, flow}]
	if !ok {
		return nil, fmt.Errorf("flow %s/%s: %w", client, flow, ErrUnknownFlow)
	}
	now := s.now()
	if f.ProcessingOwner != "" && f.ProcessingDeadline.After(now) && f.ProcessingOwner != owner {
		return nil, fmt.Errorf("flow %s/%s leased by %q until %s: %w",
			client, flow, f.ProcessingOwner, f.ProcessingDeadline, ErrLeaseConflict)
	}
	f.ProcessingOwner = owner
	f.ProcessingDeadline = now.Add(duration)
	f.ProcessingCount++
	out := *f
	return &out, nil
}

func (s *MemoryStore) ReleaseProcessedFlow(_ context.Context, flow *Flow, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := flowKey{flow.ClientID, flow.FlowID}
	have, ok := s.flows[key]
	if !ok {
		return fmt.Errorf("flow %s/%s: %w", flow.ClientID, flow.FlowID, ErrUnknownFlow)
	}
	if have.ProcessingOwner != owner {
		return fmt.Errorf("flow %s/%s owned by %q not %q: %w",
			flow.ClientID, flow.FlowID, have.ProcessingOwner, owner, ErrLeaseConflict)
	}
	f := *flow
	f.ProcessingOwner = ""
	f.ProcessingDeadline = time.Time{}
	f.UpdatedAt = s.now()
	s.flows[key] = &f
	return nil
}

// ---- Flow requests and responses ----

func (s *MemoryStore) WriteFlowRequests(_ context.Context, requests []*FlowRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range requests {
		key := flowKey{req.ClientID, req.FlowID}
		if _, ok := s.flows[key]; !ok {
			return fmt.Errorf("flow %s/%s: %w", req.ClientID, req.FlowID, ErrUnknownFlow)
		}
		if s.requests[key] == nil {
			s.requests[key] = make(map[uint64]*FlowRequest)
		}
		r := *req
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.now()
		}
		s.requests[key][req.RequestID] = &r
	}
	return nil
}

func (s *MemoryStore) WriteFlowResponses(_ context.Context, responses []*FlowResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, resp := range responses {
		key := flowKey{resp.ClientID, resp.FlowID}
		if s.responses[key] == nil {
			s.responses[key] = make(map[uint64]map[uint64]*FlowResponse)
		}
		if s.responses[key][resp.RequestID] == nil {
			s.responses[key][resp.RequestID] = make(map[uint64]*FlowResponse)
		}
		r := *resp
		if r.Timestamp.IsZero() {
			r.Timestamp = s.now()
		}
		// Duplicate response ids are deduplicated: retransmissions overwrite
		// the identical row instead of appending.
		s.responses[key][resp.RequestID][resp.ResponseID] = &r

		// A status response fixes the expected count and flags the request
		// ready for processing.
		if req, ok := s.requests[key][resp.RequestID]; ok && resp.Kind == ResponseStatus {
			req.ResponsesExpected = resp.ResponseID
			req.NeedsProcessing = true
		}
	}
	return nil
}

func (s *MemoryStore) DeleteFlowRequests(_ context.Context, client ids.ClientID, flow ids.FlowID, requestIDs []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := flowKey{client, flow}
	for _, id := range requestIDs {
		delete(s.requests[key], id)
		delete(s.responses[key], id)
	}
	return nil
}

func (s *MemoryStore) ReadAllFlowRequestsAndResponses(_ context.Context, client ids.ClientID, flow ids.FlowID) ([]*RequestAndResponses, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinRequestsLocked(flowKey{client, flow}, 0, false), nil
}

func (s *MemoryStore) ReadFlowRequestsReadyForProcessing(_ context.Context, client ids.ClientID, flow ids.FlowID, cursor uint64) ([]*RequestAndResponses, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinRequestsLocked(flowKey{client, flow}, cursor, true), nil
}

func (s *MemoryStore) joinRequestsLocked(key flowKey, cursor uint64, onlyReady bool) []*RequestAndResponses {
	var out []*RequestAndResponses
	for id, req := range s.requests[key] {
		if id < cursor {
			continue
		}
		if onlyReady && !req.NeedsProcessing {
			continue
		}
		r := *req
		rr := &RequestAndResponses{Request: &r}
		for _, resp := range s.responses[key][id] {
			c := *resp
			rr.Responses = append(rr.Responses, &c)
		}
		sort.Slice(rr.Responses, func(i, j int) bool {
			return rr.Responses[i].ResponseID < rr.Responses[j].ResponseID
		})
		out = append(out, rr)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Request.RequestID < out[j].Request.RequestID
	})
	return out
}

func (s *MemoryStore) ListFlowResults(_ context.Context, client ids.ClientID, flow ids.FlowID, offset, count int, payloadType string) ([]*FlowResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := flowKey{client, flow}
	if _, ok := s.flows[key]; !ok {
		return nil, fmt.Errorf("flow %s/%s: %w", client, flow, ErrUnknownFlow)
	}
	var all []*FlowResponse
	for _, resp := range s.responses[key][ResultsRequestID] {
		if resp.Kind != ResponseMessage {
			continue
		}
		if payloadType != "" && resp.PayloadType != payloadType {
			continue
		}
		r := *resp
		all = append(all, &r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].RequestID != all[j].RequestID {
			return all[i].RequestID < all[j].RequestID
		}
		return all[i].ResponseID < all[j].ResponseID
	})
	return page(all, offset, count), nil
}

// ---- Outbound client action queue ----

func (s *MemoryStore) WriteClientActionRequests(_ context.Context, requests []*ClientActionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range requests {
		if _, ok := s.clients[req.ClientID]; !ok {
			return fmt.Errorf("client %s: %w", req.ClientID, ErrUnknownClient)
		}
		if s.actions[req.ClientID] == nil {
			s.actions[req.ClientID] = make(map[uint64]*ClientActionRequest)
		}
		r := *req
		if r.MessageID == 0 {
			s.taskSeq++
			r.MessageID = s.taskSeq
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.now()
		}
		s.actions[req.ClientID][r.MessageID] = &r
	}
	return nil
}

func (s *MemoryStore) LeaseClientActionRequests(_ context.Context, client ids.ClientID, owner string, duration time.Duration, limit int) ([]*ClientActionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var eligible []*ClientActionRequest
	for _, req := range s.actions[client] {
		if req.LeaseDeadline.IsZero() || !req.LeaseDeadline.After(now) {
			eligible = append(eligible, req)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].MessageID < eligible[j].MessageID
	})
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	out := make([]*ClientActionRequest, 0, len(eligible))
	for _, req := range eligible {
		req.LeaseOwner = owner
		req.LeaseDeadline = now.Add(duration)
		req.LeaseCount++
		r := *req
		out = append(out, &r)
	}
	return out, nil
}

func (s *MemoryStore) DeleteClientActionRequest(_ context.Context, client ids.ClientID, flow ids.FlowID, requestID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, req := range s.actions[client] {
		if req.FlowID == flow && req.RequestID == requestID {
			delete(s.actions[client], id)
		}
	}
	return nil
}

func (s *MemoryStore) ReadAllClientActionRequests(_ context.Context, client ids.ClientID) ([]*ClientActionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ClientActionRequest
	for _, req := range s.actions[client] {
		r := *req
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out, nil
}

// ---- Flow processing queue ----

func (s *MemoryStore) WriteFlowProcessingRequests(_ context.Context, requests []*FlowProcessingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range requests {
		key := flowKey{req.ClientID, req.FlowID}
		// Dedup: a pending unleased request for the same flow absorbs the
		// new one, keeping the earlier delivery time.
		if have, ok := s.processing[key]; ok && have.LeaseOwner == "" {
			if !req.DeliveryTime.IsZero() && (have.DeliveryTime.IsZero() || req.DeliveryTime.After(have.DeliveryTime)) {
				continue
			}
		}
		r := *req
		if r.WriteTime.IsZero() {
			r.WriteTime = s.now()
		}
		s.processing[key] = &r
	}
	return nil
}

func (s *MemoryStore) LeaseFlowProcessingRequests(_ context.Context, owner string, duration time.Duration, limit int) ([]*FlowProcessingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var eligible []*FlowProcessingRequest
	for _, req := range s.processing {
		if !req.DeliveryTime.IsZero() && req.DeliveryTime.After(now) {
			continue
		}
		if req.LeaseDeadline.IsZero() || !req.LeaseDeadline.After(now) {
			eligible = append(eligible, req)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].WriteTime.Before(eligible[j].WriteTime) })
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	out := make([]*FlowProcessingRequest, 0, len(eligible))
	for _, req := range eligible {
		req.LeaseOwner = owner
		req.LeaseDeadline = now.Add(duration)
		r := *req
		out = append(out, &r)
	}
	return out, nil
}

func (s *MemoryStore) AckFlowProcessingRequest(_ context.Context, req *FlowProcessingRequest, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := flowKey{req.ClientID, req.FlowID}
	have, ok := s.processing[key]
	if !ok {
		return nil
	}
	if have.LeaseOwner != owner {
		return fmt.Errorf("processing request %s/%s owned by %q not %q: %w",
			req.ClientID, req.FlowID, have.LeaseOwner, owner, ErrLeaseConflict)
	}
	// Only remove the generation the worker actually leased; a newer write
	// for the same flow must survive the ack.
	if have.WriteTime.Equal(req.WriteTime) {
		delete(s.processing, key)
	}
	return nil
}

// ---- Message handler queue ----

func (s *MemoryStore) WriteMessageHandlerRequests(_ context.Context, requests []*MessageHandlerRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range requests {
		r := *req
		if r.RequestID == 0 {
			s.handlerSeq++
			r.RequestID = s.handlerSeq
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = s.now()
		}
		s.handlerReqs[fmt.Sprintf("%s/%d", r.Handler, r.RequestID)] = &r
	}
	return nil
}

func (s *MemoryStore) LeaseMessageHandlerRequests(_ context.Context, owner string, duration time.Duration, limit int) ([]*MessageHandlerRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var eligible []*MessageHandlerRequest
	for _, req := range s.handlerReqs {
		if req.LeaseDeadline.IsZero() || !req.LeaseDeadline.After(now) {
			eligible = append(eligible, req)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].RequestID < eligible[j].RequestID })
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	out := make([]*MessageHandlerRequest, 0, len(eligible))
	for _, req := range eligible {
		req.LeaseOwner = owner
		req.LeaseDeadline = now.Add(duration)
		r := *req
		out = append(out, &r)
	}
	return out, nil
}

func (s *MemoryStore) DeleteMessageHandlerRequest(_ context.Context, req *MessageHandlerRequest, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s/%d", req.Handler, req.RequestID)
	have, ok := s.handlerReqs[key]
	if !ok {
		return nil
	}
	if have.LeaseOwner != owner {
		return fmt.Errorf("handler request %s owned by %q not %q: %w", key, have.LeaseOwner, owner, ErrLeaseConflict)
	}
	delete(s.handlerReqs, key)
	return nil
}

// ---- Approvals and users ----

func approvalKey(requestor, approvalID string) string { return requestor + "/" + approvalID }

func (s *MemoryStore) WriteApprovalRequest(_ context.Context, approval *Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := approvalKey(approval.Requestor, approval.ApprovalID)
	if _, ok := s.approvals[key]; ok {
		return fmt.Errorf("approval %s: %w", key, ErrDuplicateKey)
	}
	a := *approval
	a.Grants = append([]Grant(nil), approval.Grants...)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	s.approvals[key] = &a
	return nil
}

func (s *MemoryStore) ReadApprovalRequest(_ context.Context, requestor, approvalID string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalKey(requestor, approvalID)]
	if !ok {
		return nil, fmt.Errorf("approval %s/%s: %w", requestor, approvalID, ErrUnknownApproval)
	}
	out := *a
	out.Grants = append([]Grant(nil), a.Grants...)
	return &out, nil
}

func (s *MemoryStore) ReadApprovalRequests(_ context.Context, requestor string, typ ApprovalType, subjectID string, includeExpired bool) ([]*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*Approval
	for _, a := range s.approvals {
		if a.Requestor != requestor || a.Type != typ {
			continue
		}
		if subjectID != "" && a.SubjectID != subjectID {
			continue
		}
		if !includeExpired && a.Expired(now) {
			continue
		}
		aa := *a
		aa.Grants = append([]Grant(nil), a.Grants...)
		out = append(out, &aa)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GrantApproval(_ context.Context, requestor, approvalID string, grant Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalKey(requestor, approvalID)]
	if !ok {
		return fmt.Errorf("approval %s/%s: %w", requestor, approvalID, ErrUnknownApproval)
	}
	for _, g := range a.Grants {
		if g.Grantor == grant.Grantor {
			return nil // idempotent re-grant
		}
	}
	a.Grants = append(a.Grants, grant)
	return nil
}

func (s *MemoryStore) WriteUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := *user
	s.users[user.Username] = &u
	return nil
}

func (s *MemoryStore) ReadUser(_ context.Context, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", username, ErrUnknownUser)
	}
	out := *u
	return &out, nil
}

// ---- Hunts ----

func (s *MemoryStore) WriteHuntObject(_ context.Context, hunt *Hunt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hunts[hunt.ID]; ok {
		return fmt.Errorf("hunt %s: %w", hunt.ID, ErrDuplicateKey)
	}
	h := *hunt
	if h.CreatedAt.IsZero() {
		h.CreatedAt = s.now()
	}
	s.hunts[hunt.ID] = &h
	return nil
}

func (s *MemoryStore) ReadHuntObject(_ context.Context, id ids.HuntID) (*Hunt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hunts[id]
	if !ok {
		return nil, fmt.Errorf("hunt %s: %w", id, ErrUnknownHunt)
	}
	out := *h
	return &out, nil
}

func (s *MemoryStore) ListHuntObjects(_ context.Context, offset, count int) ([]*Hunt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*Hunt, 0, len(s.hunts))
	for _, h := range s.hunts {
		hh := *h
		all = append(all, &hh)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return page(all, offset, count), nil
}

func (s *MemoryStore) UpdateHuntObject(_ context.Context, id ids.HuntID, update func(*Hunt) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hunts[id]
	if !ok {
		return fmt.Errorf("hunt %s: %w", id, ErrUnknownHunt)
	}
	return update(h)
}

func (s *MemoryStore) ReadHuntFlows(_ context.Context, id ids.HuntID, offset, count int, filter HuntFlowFilter) ([]*Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hunts[id]; !ok {
		return nil, fmt.Errorf("hunt %s: %w", id, ErrUnknownHunt)
	}
	var all []*Flow
	for _, f := range s.flows {
		if f.ParentHuntID != id {
			continue
		}
		switch filter {
		case HuntFlowsSucceeded:
			if f.State != FlowFinished {
				continue
			}
		case HuntFlowsFailed:
			if f.State != FlowError {
				continue
			}
		case HuntFlowsCrashed:
			if f.State != FlowCrashed {
				continue
			}
		}
		ff := *f
		all = append(all, &ff)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return page(all, offset, count), nil
}

func (s *MemoryStore) MarkHuntClient(_ context.Context, id ids.HuntID, client ids.ClientID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hunts[id]; !ok {
		return false, fmt.Errorf("hunt %s: %w", id, ErrUnknownHunt)
	}
	if s.huntClients[id] == nil {
		s.huntClients[id] = make(map[ids.ClientID]bool)
	}
	if s.huntClients[id][client] {
		return false, nil
	}
	s.huntClients[id][client] = true
	return true, nil
}

func (s *MemoryStore) ListStartedHunts(_ context.Context) ([]*Hunt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Hunt
	for _, h := range s.hunts {
		if h.State == HuntStarted {
			hh := *h
			out = append(out, &hh)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---- Blobs ----

func (s *MemoryStore) WriteBlobs(_ context.Context, blobs [][]byte) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(blobs))
	for i, b := range blobs {
		sum := sha256.Sum256(b)
		key := hex.EncodeToString(sum[:])
		if _, ok := s.blobs[key]; !ok {
			cp := make([]byte, len(b))
			copy(cp, b)
			s.blobs[key] = cp
		}
		out[i] = sum[:]
	}
	return out, nil
}

func (s *MemoryStore) ReadBlobs(_ context.Context, blobIDs [][]byte) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(blobIDs))
	for _, id := range blobIDs {
		key := hex.EncodeToString(id)
		if b, ok := s.blobs[key]; ok {
			cp := make([]byte, len(b))
			copy(cp, b)
			out[key] = cp
		}
	}
	return out, nil
}

func (s *MemoryStore) CheckBlobsExist(_ context.Context, blobIDs [][]byte) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(blobIDs))
	for _, id := range blobIDs {
		key := hex.EncodeToString(id)
		_, ok := s.blobs[key]
		out[key] = ok
	}
	return out, nil
}

func (s *MemoryStore) WriteBlobReferences(_ context.Context, fileID []byte, refs []BlobRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobRefs[hex.EncodeToString(fileID)] = append([]BlobRef(nil), refs...)
	return nil
}

func (s *MemoryStore) ReadBlobReferences(_ context.Context, fileID []byte) ([]BlobRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs, ok := s.blobRefs[hex.EncodeToString(fileID)]
	if !ok {
		return nil, fmt.Errorf("file %x: %w", fileID, ErrAtLeastOneUnknownPath)
	}
	return append([]BlobRef(nil), refs...), nil
}

// ---- Signed binaries ----

func (s *MemoryStore) WriteSignedBinaryReferences(_ context.Context, id SignedBinaryID, refs []SignedBinaryRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binaries[id] = append([]SignedBinaryRef(nil), refs...)
	return nil
}

func (s *MemoryStore) ReadSignedBinaryReferences(_ context.Context, id SignedBinaryID) ([]SignedBinaryRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs, ok := s.binaries[id]
	if !ok {
		return nil, fmt.Errorf("binary %s:%s: %w", id.Type, id.Path, ErrUnknownBinary)
	}
	return append([]SignedBinaryRef(nil), refs...), nil
}

func (s *MemoryStore) ReadIDsForAllSignedBinaries(_ context.Context) ([]SignedBinaryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SignedBinaryID, 0, len(s.binaries))
	for id := range s.binaries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

func (s *MemoryStore) DeleteSignedBinaryReferences(_ context.Context, id SignedBinaryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.binaries, id)
	return nil
}

func page[T any](all []T, offset, count int) []T {
	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if count > 0 && len(all) > count {
		all = all[:count]
	}
	return all
}
