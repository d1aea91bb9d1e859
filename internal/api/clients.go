package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/flows"
	"github.com/vigilsec/fleet/internal/ids"
)

type apiClient struct {
	ClientID        string                 `json:"client_id"`
	FirstSeen       string                 `json:"first_seen"`
	LastPing        string                 `json:"last_ping,omitempty"`
	LastIP          string                 `json:"last_ip,omitempty"`
	Labels          []datastore.Label      `json:"labels,omitempty"`
	LastCrash       *datastore.CrashRecord `json:"last_crash,omitempty"`
	SnapshotVersion uint64                 `json:"snapshot_version,omitempty"`
	Knowledge       json.RawMessage        `json:"knowledge,omitempty"`
	Startup         json.RawMessage        `json:"startup,omitempty"`
}

func clientView(c *datastore.Client) *apiClient {
	out := &apiClient{
		ClientID:        c.ID.String(),
		FirstSeen:       c.FirstSeen.UTC().Format(timeFormat),
		Labels:          c.Labels,
		LastCrash:       c.LastCrash,
		SnapshotVersion: c.SnapshotVersion,
	}
	if !c.LastPing.IsZero() {
		out.LastPing = c.LastPing.UTC().Format(timeFormat)
	}
	out.LastIP = c.LastIP
	return out
}

const timeFormat = "2006-01-02T15:04:05.000000Z"

func clientID(r *http.Request) (ids.ClientID, error) {
	return ids.ParseClientID(mux.Vars(r)["client_id"])
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	offset, count := pagination(r)
	clients, err := s.store.ListClients(r.Context(), offset, count)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	out := make([]*apiClient, 0, len(clients))
	for _, c := range clients {
		out = append(out, clientView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// handleSearchClients resolves keyword queries against the index fed by the
// interrogation flow. Multiple space-separated keywords intersect.
func (s *Server) handleSearchClients(w http.ResponseWriter, r *http.Request) {
	query := strings.Fields(r.URL.Query().Get("q"))
	if len(query) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "q parameter is required", "")
		return
	}
	matches, err := s.store.ListClientsForKeywords(r.Context(), query)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	items := make([]string, 0, len(matches))
	for _, id := range matches {
		items = append(items, id.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	id, err := clientID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
		return
	}
	if err := s.approvals.CheckClientAccess(r.Context(), caller(r), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	client, err := s.store.ReadClient(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	view := clientView(client)
	if snap, err := s.store.ReadClientSnapshot(r.Context(), id); err == nil {
		view.Knowledge = snap.Knowledge
		view.Startup = snap.Startup
	}
	writeJSON(w, http.StatusOK, view)
}

type labelsRequest struct {
	Labels []string `json:"labels"`
}

func (s *Server) handleAddLabels(w http.ResponseWriter, r *http.Request) {
	s.handleLabelChange(w, r, s.store.AddClientLabels)
}

func (s *Server) handleRemoveLabels(w http.ResponseWriter, r *http.Request) {
	s.handleLabelChange(w, r, s.store.RemoveClientLabels)
}

func (s *Server) handleLabelChange(w http.ResponseWriter, r *http.Request,
	apply func(ctx context.Context, id ids.ClientID, labels []datastore.Label) error) {
	id, err := clientID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
		return
	}
	var req labelsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Labels) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "labels list is required", "")
		return
	}
	labels := make([]datastore.Label, 0, len(req.Labels))
	for _, name := range req.Labels {
		labels = append(labels, datastore.Label{Owner: caller(r), Name: name})
	}
	if err := apply(r.Context(), id, labels); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReadFile streams a previously collected file out of the blob store.
func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	id, err := clientID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "path parameter is required", "")
		return
	}
	if err := s.approvals.CheckClientAccess(r.Context(), caller(r), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	offset, _ := strconv.ParseUint(r.URL.Query().Get("offset"), 10, 64)
	length, _ := strconv.ParseUint(r.URL.Query().Get("length"), 10, 64)

	content, err := s.blobs.ReadFile(r.Context(), flows.FileID(id.String(), path), offset, length)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(content)
}
