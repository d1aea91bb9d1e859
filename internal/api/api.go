// Package api is the operator-facing REST surface. Authentication happens
// upstream (a fronting proxy sets the username header); this layer resolves
// the caller, runs the approval predicate for subject-scoped calls and
// projects the datastore, flow engine, hunt dispatcher and approval checker
// into JSON endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/vigilsec/fleet/internal/approval"
	"github.com/vigilsec/fleet/internal/blobstore"
	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/flow"
	"github.com/vigilsec/fleet/internal/hunt"
	"github.com/vigilsec/fleet/internal/signedbinary"
)

// UserHeader carries the externally authenticated caller identity.
const UserHeader = "X-Fleet-User"

// maxPageSize is the hard cap on any (offset, count) listing.
const maxPageSize = 1000

const defaultPageSize = 100

// Server wires the subsystems into HTTP handlers.
type Server struct {
	store     datastore.Store
	engine    *flow.Engine
	hunts     *hunt.Dispatcher
	approvals *approval.Checker
	binaries  *signedbinary.Service
	blobs     *blobstore.Manager
	log       *logrus.Entry
	clock     func() time.Time
}

func NewServer(store datastore.Store, engine *flow.Engine, hunts *hunt.Dispatcher,
	approvals *approval.Checker, binaries *signedbinary.Service, log *logrus.Logger) *Server {
	return &Server{
		store:     store,
		engine:    engine,
		hunts:     hunts,
		approvals: approvals,
		binaries:  binaries,
		blobs:     blobstore.NewManager(store),
		log:       log.WithField("component", "api"),
		clock:     time.Now,
	}
}

// Routes mounts every endpoint on the router.
func (s *Server) Routes(r *mux.Router) {
	r.Use(s.requireUser)

	r.HandleFunc("/clients", s.handleListClients).Methods(http.MethodGet)
	r.HandleFunc("/clients/search", s.handleSearchClients).Methods(http.MethodGet)
	r.HandleFunc("/clients/{client_id}", s.handleGetClient).Methods(http.MethodGet)
	r.HandleFunc("/clients/{client_id}/labels", s.handleAddLabels).Methods(http.MethodPost)
	r.HandleFunc("/clients/{client_id}/labels", s.handleRemoveLabels).Methods(http.MethodDelete)
	r.HandleFunc("/clients/{client_id}/vfs-blob", s.handleReadFile).Methods(http.MethodGet)

	r.HandleFunc("/clients/{client_id}/flows", s.handleStartFlow).Methods(http.MethodPost)
	r.HandleFunc("/clients/{client_id}/flows", s.handleListFlows).Methods(http.MethodGet)
	r.HandleFunc("/clients/{client_id}/flows/{flow_id}", s.handleGetFlow).Methods(http.MethodGet)
	r.HandleFunc("/clients/{client_id}/flows/{flow_id}/results", s.handleFlowResults).Methods(http.MethodGet)
	r.HandleFunc("/clients/{client_id}/flows/{flow_id}/cancel", s.handleCancelFlow).Methods(http.MethodPost)

	r.HandleFunc("/flows/descriptors", s.handleFlowDescriptors).Methods(http.MethodGet)

	r.HandleFunc("/hunts", s.handleCreateHunt).Methods(http.MethodPost)
	r.HandleFunc("/hunts", s.handleListHunts).Methods(http.MethodGet)
	r.HandleFunc("/hunts/{hunt_id}", s.handleGetHunt).Methods(http.MethodGet)
	r.HandleFunc("/hunts/{hunt_id}/start", s.handleStartHunt).Methods(http.MethodPost)
	r.HandleFunc("/hunts/{hunt_id}/stop", s.handleStopHunt).Methods(http.MethodPost)
	r.HandleFunc("/hunts/{hunt_id}/flows", s.handleHuntFlows).Methods(http.MethodGet)

	r.HandleFunc("/approvals", s.handleCreateApproval).Methods(http.MethodPost)
	r.HandleFunc("/approvals", s.handleListApprovals).Methods(http.MethodGet)
	r.HandleFunc("/approvals/{requestor}/{approval_id}/grant", s.handleGrantApproval).Methods(http.MethodPost)

	r.HandleFunc("/binaries", s.handleListBinaries).Methods(http.MethodGet)
	r.HandleFunc("/binaries/{type}/{path:.*}", s.handleUploadBinary).Methods(http.MethodPost)

	r.HandleFunc("/users", s.handleCreateUser).Methods(http.MethodPost)
	r.HandleFunc("/users/{username}", s.handleGetUser).Methods(http.MethodGet)
}

type ctxKey int

const callerKey ctxKey = 0

func withCaller(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, callerKey, username)
}

// caller returns the authenticated username placed by requireUser.
func caller(r *http.Request) string {
	username, _ := r.Context().Value(callerKey).(string)
	return username
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username := r.Header.Get(UserHeader)
		if username == "" {
			writeError(w, http.StatusUnauthorized, "missing_user", "no authenticated user", "")
			return
		}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), username)))
	})
}

// apiError is the uniform error payload.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Subject string `json:"subject,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message, subject string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Code: code, Message: message, Subject: subject})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeFailure maps subsystem errors onto HTTP statuses.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var ue *approval.UnauthorizedError
	switch {
	case errors.As(err, &ue):
		writeError(w, http.StatusForbidden, "unauthorized", ue.Message, ue.Subject)
	case errors.Is(err, datastore.ErrUnknownClient),
		errors.Is(err, datastore.ErrUnknownFlow),
		errors.Is(err, datastore.ErrUnknownHunt),
		errors.Is(err, datastore.ErrUnknownApproval),
		errors.Is(err, datastore.ErrUnknownUser),
		errors.Is(err, datastore.ErrUnknownBinary):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), "")
	default:
		s.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), "")
	}
}

func pagination(r *http.Request) (offset, count int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	count, _ = strconv.Atoi(r.URL.Query().Get("count"))
	if count <= 0 {
		count = defaultPageSize
	}
	if count > maxPageSize {
		count = maxPageSize
	}
	return offset, count
}
