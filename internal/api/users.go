package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vigilsec/fleet/internal/approval"
	"github.com/vigilsec/fleet/internal/datastore"
)

// maxBinaryUpload caps a signed binary upload body.
const maxBinaryUpload = 256 << 20

type createUserRequest struct {
	Username string `json:"username"`
	Type     string `json:"type"` // STANDARD or ADMIN
	Email    string `json:"email,omitempty"`
}

type apiUser struct {
	Username string `json:"username"`
	Type     string `json:"type"`
	Email    string `json:"email,omitempty"`
}

// requireAdmin resolves the caller and rejects non-admins.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	user, err := s.store.ReadUser(r.Context(), caller(r))
	if errors.Is(err, datastore.ErrUnknownUser) {
		s.writeFailure(w, &approval.UnauthorizedError{
			Username: caller(r), Subject: r.URL.Path, Message: "unknown user",
		})
		return false
	}
	if err != nil {
		s.writeFailure(w, err)
		return false
	}
	if user.Type != datastore.UserAdmin {
		s.writeFailure(w, &approval.UnauthorizedError{
			Username: user.Username, Subject: r.URL.Path, Message: "admin required",
		})
		return false
	}
	return true
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "username is required", "")
		return
	}
	typ := datastore.UserType(req.Type)
	if typ == "" {
		typ = datastore.UserStandard
	}
	if typ != datastore.UserStandard && typ != datastore.UserAdmin {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown user type", "")
		return
	}
	user := &datastore.User{Username: req.Username, Type: typ, Email: req.Email}
	if err := s.store.WriteUser(r.Context(), user); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &apiUser{
		Username: user.Username, Type: string(user.Type), Email: user.Email,
	})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.ReadUser(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &apiUser{
		Username: user.Username, Type: string(user.Type), Email: user.Email,
	})
}

// handleUploadBinary stores an agent deliverable. Admin only; the body is
// the raw binary.
func (s *Server) handleUploadBinary(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	vars := mux.Vars(r)
	id := datastore.SignedBinaryID{
		Type: datastore.BinaryType(vars["type"]),
		Path: vars["path"],
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBinaryUpload))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
		return
	}
	if err := s.binaries.Upload(r.Context(), id, data, 0); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"type": string(id.Type), "path": id.Path, "size": len(data),
	})
}

func (s *Server) handleListBinaries(w http.ResponseWriter, r *http.Request) {
	binaryIDs, err := s.binaries.List(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	type item struct {
		Type string `json:"type"`
		Path string `json:"path"`
	}
	items := make([]item, 0, len(binaryIDs))
	for _, id := range binaryIDs {
		items = append(items, item{Type: string(id.Type), Path: id.Path})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
