package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vigilsec/fleet/internal/datastore"
)

type createApprovalRequest struct {
	Type          string   `json:"type"` // CLIENT, HUNT, CRON_JOB
	SubjectID     string   `json:"subject_id"`
	Reason        string   `json:"reason"`
	NotifiedUsers []string `json:"notified_users,omitempty"`
	EmailCC       []string `json:"email_cc,omitempty"`
}

type apiApproval struct {
	ApprovalID    string   `json:"approval_id"`
	Requestor     string   `json:"requestor"`
	Type          string   `json:"type"`
	SubjectID     string   `json:"subject_id"`
	Reason        string   `json:"reason,omitempty"`
	NotifiedUsers []string `json:"notified_users,omitempty"`
	Expiration    string   `json:"expiration"`
	Grantors      []string `json:"grantors"`
}

func approvalView(a *datastore.Approval) *apiApproval {
	grantors := make([]string, 0, len(a.Grants))
	for _, g := range a.Grants {
		grantors = append(grantors, g.Grantor)
	}
	return &apiApproval{
		ApprovalID:    a.ApprovalID,
		Requestor:     a.Requestor,
		Type:          string(a.Type),
		SubjectID:     a.SubjectID,
		Reason:        a.Reason,
		NotifiedUsers: a.NotifiedUsers,
		Expiration:    a.Expiration.UTC().Format(timeFormat),
		Grantors:      grantors,
	}
}

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var req createApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed body", "")
		return
	}
	a, err := s.approvals.Create(r.Context(), &datastore.Approval{
		Requestor:     caller(r),
		Type:          datastore.ApprovalType(req.Type),
		SubjectID:     req.SubjectID,
		Reason:        req.Reason,
		NotifiedUsers: req.NotifiedUsers,
		EmailCC:       req.EmailCC,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
		return
	}
	writeJSON(w, http.StatusCreated, approvalView(a))
}

// handleListApprovals lists the caller's own approvals for a subject type,
// optionally narrowed to one subject id. Other users' approvals are not
// readable here; grantors receive the approval id out of band.
func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	typ := datastore.ApprovalType(r.URL.Query().Get("type"))
	if typ == "" {
		typ = datastore.ApprovalClient
	}
	includeExpired := r.URL.Query().Get("include_expired") == "true"
	approvals, err := s.store.ReadApprovalRequests(r.Context(), caller(r), typ,
		r.URL.Query().Get("subject_id"), includeExpired)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	items := make([]*apiApproval, 0, len(approvals))
	for _, a := range approvals {
		items = append(items, approvalView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGrantApproval(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	a, err := s.approvals.Grant(r.Context(), vars["requestor"], vars["approval_id"], caller(r))
	if errors.Is(err, datastore.ErrUnknownApproval) || errors.Is(err, datastore.ErrUnknownUser) {
		s.writeFailure(w, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, approvalView(a))
}
