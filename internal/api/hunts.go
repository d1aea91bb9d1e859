package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/ids"
)

type createHuntRequest struct {
	Description string          `json:"description,omitempty"`
	FlowClass   string          `json:"flow_class"`
	ArgsType    string          `json:"args_type,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`

	ClientRule datastore.ClientRuleSet `json:"client_rule"`

	ClientRate  float64 `json:"client_rate,omitempty"`
	ClientLimit uint64  `json:"client_limit,omitempty"`

	CrashLimit         uint64  `json:"crash_limit,omitempty"`
	AvgCPUSecondsLimit float64 `json:"avg_cpu_seconds_limit,omitempty"`
	AvgNetworkLimit    uint64  `json:"avg_network_limit,omitempty"`
	AvgResultsLimit    float64 `json:"avg_results_limit,omitempty"`
}

type apiHunt struct {
	HuntID      string                  `json:"hunt_id"`
	Creator     string                  `json:"creator"`
	Description string                  `json:"description,omitempty"`
	FlowClass   string                  `json:"flow_class"`
	State       string                  `json:"state"`
	StopReason  string                  `json:"stop_reason,omitempty"`
	CreatedAt   string                  `json:"created_at"`
	StartedAt   string                  `json:"started_at,omitempty"`
	ClientRule  datastore.ClientRuleSet `json:"client_rule"`
	ClientRate  float64                 `json:"client_rate,omitempty"`
	ClientLimit uint64                  `json:"client_limit,omitempty"`
	Counters    datastore.HuntCounters  `json:"counters"`
}

func huntView(h *datastore.Hunt) *apiHunt {
	out := &apiHunt{
		HuntID:      h.ID.String(),
		Creator:     h.Creator,
		Description: h.Description,
		FlowClass:   h.FlowClass,
		State:       string(h.State),
		StopReason:  h.StopReason,
		CreatedAt:   h.CreatedAt.UTC().Format(timeFormat),
		ClientRule:  h.ClientRule,
		ClientRate:  h.ClientRate,
		ClientLimit: h.ClientLimit,
		Counters:    h.Counters,
	}
	if !h.StartedAt.IsZero() {
		out.StartedAt = h.StartedAt.UTC().Format(timeFormat)
	}
	return out
}

func huntID(r *http.Request) (ids.HuntID, error) {
	return ids.ParseFlowID(mux.Vars(r)["hunt_id"])
}

// handleCreateHunt persists a paused hunt. Starting it is a separate,
// approval-gated call.
func (s *Server) handleCreateHunt(w http.ResponseWriter, r *http.Request) {
	var req createHuntRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FlowClass == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "flow_class is required", "")
		return
	}
	username := caller(r)
	if err := s.approvals.CheckFlowRestrictions(r.Context(), username, req.FlowClass); err != nil {
		s.writeFailure(w, err)
		return
	}
	h, err := s.hunts.CreateHunt(r.Context(), &datastore.Hunt{
		Creator:            username,
		Description:        req.Description,
		FlowClass:          req.FlowClass,
		FlowArgsType:       req.ArgsType,
		FlowArgs:           req.Args,
		ClientRule:         req.ClientRule,
		ClientRate:         req.ClientRate,
		ClientLimit:        req.ClientLimit,
		CrashLimit:         req.CrashLimit,
		AvgCPUSecondsLimit: req.AvgCPUSecondsLimit,
		AvgNetworkLimit:    req.AvgNetworkLimit,
		AvgResultsLimit:    req.AvgResultsLimit,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
		return
	}
	writeJSON(w, http.StatusCreated, huntView(h))
}

func (s *Server) handleListHunts(w http.ResponseWriter, r *http.Request) {
	offset, count := pagination(r)
	hunts, err := s.store.ListHuntObjects(r.Context(), offset, count)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	items := make([]*apiHunt, 0, len(hunts))
	for _, h := range hunts {
		items = append(items, huntView(h))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetHunt(w http.ResponseWriter, r *http.Request) {
	id, err := huntID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
		return
	}
	h, err := s.store.ReadHuntObject(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, huntView(h))
}

func (s *Server) handleStartHunt(w http.ResponseWriter, r *http.Request) {
	id, err := huntID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
		return
	}
	if err := s.approvals.CheckHuntAccess(r.Context(), caller(r), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.hunts.StartHunt(r.Context(), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	h, err := s.store.ReadHuntObject(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, huntView(h))
}

type stopHuntRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleStopHunt(w http.ResponseWriter, r *http.Request) {
	id, err := huntID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
		return
	}
	if err := s.approvals.CheckHuntAccess(r.Context(), caller(r), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	var req stopHuntRequest
	json.NewDecoder(r.Body).Decode(&req)
	reason := req.Reason
	if reason == "" {
		reason = "stopped by " + caller(r)
	}
	if err := s.hunts.StopHunt(r.Context(), id, reason); err != nil {
		s.writeFailure(w, err)
		return
	}
	h, err := s.store.ReadHuntObject(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, huntView(h))
}

func (s *Server) handleHuntFlows(w http.ResponseWriter, r *http.Request) {
	id, err := huntID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
		return
	}
	filter := datastore.HuntFlowFilter(r.URL.Query().Get("filter"))
	if filter == "" {
		filter = datastore.HuntFlowsAll
	}
	offset, count := pagination(r)
	objs, err := s.store.ReadHuntFlows(r.Context(), id, offset, count, filter)
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
