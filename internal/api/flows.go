package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/flow"
	"github.com/vigilsec/fleet/internal/ids"
	"github.com/vigilsec/fleet/internal/wire"
)

type startFlowRequest struct {
	Class             string          `json:"class"`
	ArgsType          string          `json:"args_type,omitempty"`
	Args              json.RawMessage `json:"args,omitempty"`
	CPULimitSeconds   float64         `json:"cpu_limit_seconds,omitempty"`
	NetworkBytesLimit uint64          `json:"network_bytes_limit,omitempty"`
}

type apiFlow struct {
	FlowID           string  `json:"flow_id"`
	ClientID         string  `json:"client_id"`
	Class            string  `json:"class"`
	Creator          string  `json:"creator"`
	State            string  `json:"state"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	CreatedAt        string  `json:"created_at"`
	CPUTimeUsed      float64 `json:"cpu_time_used"`
	NetworkBytesSent uint64  `json:"network_bytes_sent"`
	NumResults       uint64  `json:"num_results"`
	ParentHuntID     string  `json:"parent_hunt_id,omitempty"`
}

func flowView(f *datastore.Flow) *apiFlow {
	out := &apiFlow{
		FlowID:           f.FlowID.String(),
		ClientID:         f.ClientID.String(),
		Class:            f.Class,
		Creator:          f.Creator,
		State:            string(f.State),
		ErrorMessage:     f.ErrorMessage,
		CreatedAt:        f.CreatedAt.UTC().Format(timeFormat),
		CPUTimeUsed:      f.CPUTimeUsed,
		NetworkBytesSent: f.NetworkBytesSent,
		NumResults:       f.NumResults,
	}
	if f.ParentHuntID != 0 {
		out.ParentHuntID = f.ParentHuntID.String()
	}
	return out
}

func flowID(r *http.Request) (ids.FlowID, error) {
	return ids.ParseFlowID(mux.Vars(r)["flow_id"])
}

func (s *Server) handleStartFlow(w http.ResponseWriter, r *http.Request) {
	client, err := clientID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
		return
	}
	var req startFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Class == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "class is required", "")
		return
	}

	username := caller(r)
	if err := s.approvals.CheckFlowRestrictions(r.Context(), username, req.Class); err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.approvals.CheckClientAccess(r.Context(), username, client); err != nil {
		s.writeFailure(w, err)
		return
	}

	var args wire.Payload
	if req.ArgsType != "" {
		if args, err = wire.UnmarshalPayload(req.ArgsType, req.Args); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
			return
		}
	}
	obj, err := s.engine.StartFlow(r.Context(), &flow.StartSpec{
		ClientID:          client,
		Class:             req.Class,
		Creator:           username,
		Args:              args,
		CPULimitSeconds:   req.CPULimitSeconds,
		NetworkBytesLimit: req.NetworkBytesLimit,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, flowView(obj))
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	client, err := clientID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
		return
	}
	if err := s.approvals.CheckClientAccess(r.Context(), caller(r), client); err != nil {
		s.writeFailure(w, err)
		return
	}
	offset, count := pagination(r)
	objs, err := s.store.ListFlowObjects(r.Context(), client, offset, count)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	items := make([]*apiFlow, 0, len(objs))
	for _, f := range objs {
		items = append(items, flowView(f))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	client, fid, ok := s.flowSubject(w, r)
	if !ok {
		return
	}
	obj, err := s.store.ReadFlowObject(r.Context(), client, fid)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flowView(obj))
}

type apiResult struct {
	PayloadType string          `json:"payload_type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   string          `json:"timestamp"`
}

func (s *Server) handleFlowResults(w http.ResponseWriter, r *http.Request) {
	client, fid, ok := s.flowSubject(w, r)
	if !ok {
		return
	}
	offset, count := pagination(r)
	results, err := s.store.ListFlowResults(r.Context(), client, fid, offset, count, r.URL.Query().Get("type"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	items := make([]*apiResult, 0, len(results))
	for _, res := range results {
		items = append(items, &apiResult{
			PayloadType: res.PayloadType,
			Payload:     res.Payload,
			Timestamp:   res.Timestamp.UTC().Format(timeFormat),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type cancelFlowRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleCancelFlow requests cooperative termination: the flow observes the
// pending termination on its next processing pass.
func (s *Server) handleCancelFlow(w http.ResponseWriter, r *http.Request) {
	client, fid, ok := s.flowSubject(w, r)
	if !ok {
		return
	}
	var req cancelFlowRequest
	json.NewDecoder(r.Body).Decode(&req)
	reason := req.Reason
	if reason == "" {
		reason = "canceled by " + caller(r)
	}
	if err := s.store.SetFlowPendingTermination(r.Context(), client, fid, reason); err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.engine.WakeFlow(r.Context(), client, fid, s.clock()); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "termination requested"})
}

// flowSubject parses the path ids and runs the client approval check.
func (s *Server) flowSubject(w http.ResponseWriter, r *http.Request) (ids.ClientID, ids.FlowID, bool) {
	client, err := clientID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
		return 0, 0, false
	}
	fid, err := flowID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
		return 0, 0, false
	}
	if err := s.approvals.CheckClientAccess(r.Context(), caller(r), client); err != nil {
		s.writeFailure(w, err)
		return 0, 0, false
	}
	return client, fid, true
}

type apiFlowDescriptor struct {
	Name       string `json:"name"`
	Doc        string `json:"doc,omitempty"`
	Restricted bool   `json:"restricted,omitempty"`
}

func (s *Server) handleFlowDescriptors(w http.ResponseWriter, _ *http.Request) {
	descs := flow.List()
	items := make([]*apiFlowDescriptor, 0, len(descs))
	for _, d := range descs {
		items = append(items, &apiFlowDescriptor{Name: d.Name, Doc: d.Doc, Restricted: d.Restricted})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
