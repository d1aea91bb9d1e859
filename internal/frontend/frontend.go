// Package frontend is the agent-facing HTTP surface: the /control poll
// endpoint, the server certificate endpoint and signed binary downloads.
// Every poll decrypts one inbound bundle, demultiplexes its messages into
// flow responses and well-known handler requests, and answers with the next
// batch of leased outbound actions.
package frontend

import (
	"context"
	"crypto/rsa"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/vigilsec/fleet/internal/comms"
	"github.com/vigilsec/fleet/internal/crypt"
	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/events"
	"github.com/vigilsec/fleet/internal/flow"
	"github.com/vigilsec/fleet/internal/ids"
	"github.com/vigilsec/fleet/internal/metrics"
	"github.com/vigilsec/fleet/internal/notify"
	"github.com/vigilsec/fleet/internal/wellknown"
	"github.com/vigilsec/fleet/internal/wire"
)

// ClientKeyResolver pins agent public keys from the client table. Unknown
// clients resolve to crypt.ErrUnknownPeer so their enrollment traffic can
// still be decoded, unauthenticated.
func ClientKeyResolver(store datastore.Store) crypt.KeyResolver {
	return func(source string) (*rsa.PublicKey, error) {
		id, err := ids.ParseClientID(source)
		if err != nil {
			return nil, crypt.ErrUnknownPeer
		}
		client, err := store.ReadClient(context.Background(), id)
		if errors.Is(err, datastore.ErrUnknownClient) {
			return nil, crypt.ErrUnknownPeer
		}
		if err != nil {
			return nil, err
		}
		return crypt.ParsePublicKeyPEM(client.PublicKeyPEM)
	}
}

// Server handles agent polls.
type Server struct {
	store    datastore.Store
	comm     *comms.Communicator
	engine   *flow.Engine
	transfer *wellknown.TransferStore
	notifier notify.Notifier
	bus      *events.Bus
	log      *logrus.Entry
	clock    func() time.Time

	serverCertPEM []byte

	maxLeased      int
	messageLease   time.Duration
	maxBundleBytes int64
}

// Options carries the frontend tunables.
type Options struct {
	MaxLeasedMessages int
	MessageLease      time.Duration
	MaxBundleBytes    int64
	ServerCertPEM     []byte
}

func NewServer(store datastore.Store, comm *comms.Communicator, engine *flow.Engine,
	transfer *wellknown.TransferStore, notifier notify.Notifier, bus *events.Bus,
	log *logrus.Logger, opts Options) *Server {
	return &Server{
		store:          store,
		comm:           comm,
		engine:         engine,
		transfer:       transfer,
		notifier:       notifier,
		bus:            bus,
		log:            log.WithField("component", "frontend"),
		clock:          time.Now,
		serverCertPEM:  opts.ServerCertPEM,
		maxLeased:      opts.MaxLeasedMessages,
		messageLease:   opts.MessageLease,
		maxBundleBytes: opts.MaxBundleBytes,
	}
}

// Routes mounts the agent-facing endpoints.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/control", s.handlePoll).Methods(http.MethodPost)
	r.HandleFunc("/server.pem", s.handleServerPEM).Methods(http.MethodGet)
	r.HandleFunc("/binaries/{type}/{path:.*}", s.handleBinaryDownload).Methods(http.MethodGet)
}

func (s *Server) handleServerPEM(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(s.serverCertPEM)
}

// handleBinaryDownload streams the concatenation of a signed binary's
// chunks. The agent verifies each chunk's signature itself; the server only
// serves bytes.
func (s *Server) handleBinaryDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := datastore.SignedBinaryID{
		Type: datastore.BinaryType(vars["type"]),
		Path: vars["path"],
	}
	refs, err := s.store.ReadSignedBinaryReferences(r.Context(), id)
	if errors.Is(err, datastore.ErrUnknownBinary) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	for _, ref := range refs {
		blobs, err := s.store.ReadBlobs(r.Context(), [][]byte{ref.BlobID})
		if err != nil {
			return // headers already sent; the agent restarts the download
		}
		for _, data := range blobs {
			if _, err := w.Write(data); err != nil {
				return
			}
		}
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBundleBytes))
	if err != nil {
		metrics.PollsTotal.WithLabelValues("rejected").Inc()
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	comm, err := wire.UnmarshalClientCommunication(body)
	if err != nil {
		metrics.MalformedMessages.Inc()
		metrics.PollsTotal.WithLabelValues("rejected").Inc()
		http.Error(w, "malformed bundle", http.StatusBadRequest)
		return
	}

	dec, err := s.comm.Decode(comm)
	if err != nil {
		metrics.DecryptFailures.Inc()
		metrics.PollsTotal.WithLabelValues("decrypt_error").Inc()
		s.log.WithError(err).Debug("bundle dropped")
		// The agent cannot distinguish key rotation from corruption; 406
		// tells it to re-enroll.
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}

	clientID, err := ids.ParseClientID(dec.Source)
	if err != nil {
		metrics.PollsTotal.WithLabelValues("rejected").Inc()
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}

	ctx := r.Context()
	if !dec.Authenticated {
		s.handleUnauthenticated(ctx, w, clientID, dec.Messages)
		return
	}

	if err := s.ingest(ctx, clientID, dec.Messages); err != nil {
		s.log.WithError(err).WithField("client", clientID).Error("ingest failed")
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	now := s.clock()
	lastClock := time.UnixMicro(int64(dec.Nonce))
	if err := s.store.UpdateClientPing(ctx, clientID, now, lastClock, remoteIP(r)); err != nil {
		s.log.WithError(err).WithField("client", clientID).Warn("ping update failed")
	}

	out, err := s.leaseOutbound(ctx, clientID)
	if err != nil {
		s.log.WithError(err).WithField("client", clientID).Error("lease failed")
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	client, err := s.store.ReadClient(ctx, clientID)
	if err != nil {
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	peerPub, err := crypt.ParsePublicKeyPEM(client.PublicKeyPEM)
	if err != nil {
		s.log.WithError(err).WithField("client", clientID).Error("stored key unusable")
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	reply, err := s.comm.Encode(out, dec.Source, peerPub, dec.Nonce)
	if err != nil {
		http.Error(w, "encode failure", http.StatusInternalServerError)
		return
	}

	metrics.PollsTotal.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", "application/binary")
	w.Write(reply.Marshal())
}

// handleUnauthenticated admits only enrollment traffic from peers whose key
// is not pinned yet. Everything else on an unauthenticated bundle is
// dropped.
func (s *Server) handleUnauthenticated(ctx context.Context, w http.ResponseWriter, clientID ids.ClientID, msgs []*wire.Message) {
	var enrollments []*datastore.MessageHandlerRequest
	now := s.clock()
	for _, m := range msgs {
		if m.SessionID != ids.SessionEnrollment {
			continue
		}
		enrollments = append(enrollments, &datastore.MessageHandlerRequest{
			Handler:     m.SessionID.HandlerName(),
			RequestID:   m.TaskID,
			ClientID:    clientID,
			PayloadType: m.ArgsType,
			Payload:     m.Payload,
			Timestamp:   now,
		})
	}
	if len(enrollments) == 0 {
		metrics.PollsTotal.WithLabelValues("rejected").Inc()
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}
	if err := s.store.WriteMessageHandlerRequests(ctx, enrollments); err != nil {
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	s.notifier.Notify(ctx, notify.MessageHandlers)
	metrics.PollsTotal.WithLabelValues("enrollment").Inc()
	// 406 keeps the agent in its enrollment loop until the key is pinned and
	// its bundles authenticate.
	w.WriteHeader(http.StatusNotAcceptable)
}

// flowKey identifies one request awaiting its terminal status.
type flowKey struct {
	flow    ids.FlowID
	request uint64
}

// ingest demultiplexes one authenticated bundle. Flow responses are written
// in arrival order in a single batch; well-known messages are queued for the
// handler workers, except blob uploads which run inline.
func (s *Server) ingest(ctx context.Context, clientID ids.ClientID, msgs []*wire.Message) error {
	now := s.clock()
	var (
		responses []*datastore.FlowResponse
		handlers  []*datastore.MessageHandlerRequest
		completed []flowKey
	)

	for _, m := range msgs {
		switch m.Type {
		case wire.TypeStatus:
			metrics.MessagesReceived.WithLabelValues("status").Inc()
		case wire.TypeIterator:
			metrics.MessagesReceived.WithLabelValues("iterator").Inc()
		default:
			metrics.MessagesReceived.WithLabelValues("message").Inc()
		}

		if m.SessionID.IsWellKnown() {
			if m.SessionID == ids.SessionBlobUpload {
				// Inline so the upload is durable before the poll is answered.
				if err := s.transfer.Handle(ctx, &datastore.MessageHandlerRequest{
					Handler:     m.SessionID.HandlerName(),
					RequestID:   m.TaskID,
					ClientID:    clientID,
					PayloadType: m.ArgsType,
					Payload:     m.Payload,
					Timestamp:   now,
				}); err != nil {
					return err
				}
				continue
			}
			handlers = append(handlers, &datastore.MessageHandlerRequest{
				Handler:     m.SessionID.HandlerName(),
				RequestID:   m.TaskID,
				ClientID:    clientID,
				PayloadType: m.ArgsType,
				Payload:     m.Payload,
				Timestamp:   now,
			})
			continue
		}

		msgClient, flows, err := ids.ParseFlowSession(m.SessionID)
		if err != nil || msgClient != clientID || len(flows) == 0 {
			metrics.MalformedMessages.Inc()
			s.log.WithField("session", m.SessionID).Debug("dropping unroutable message")
			continue
		}
		flowID := flows[len(flows)-1]

		kind := datastore.ResponseMessage
		switch m.Type {
		case wire.TypeStatus:
			kind = datastore.ResponseStatus
			s.noteStatus(ctx, clientID, flowID, m, now)
			completed = append(completed, flowKey{flow: flowID, request: m.RequestID})
		case wire.TypeIterator:
			kind = datastore.ResponseIterator
		}
		responses = append(responses, &datastore.FlowResponse{
			ClientID:    clientID,
			FlowID:      flowID,
			RequestID:   m.RequestID,
			ResponseID:  m.ResponseID,
			Kind:        kind,
			PayloadType: m.ArgsType,
			Payload:     m.Payload,
			Timestamp:   now,
		})
	}

	if len(responses) > 0 {
		if err := s.store.WriteFlowResponses(ctx, responses); err != nil {
			return err
		}
	}
	if len(handlers) > 0 {
		if err := s.store.WriteMessageHandlerRequests(ctx, handlers); err != nil {
			return err
		}
		s.notifier.Notify(ctx, notify.MessageHandlers)
	}

	for _, k := range completed {
		// The terminal status retires the outbound copy and wakes the flow.
		if err := s.store.DeleteClientActionRequest(ctx, clientID, k.flow, k.request); err != nil {
			s.log.WithError(err).Debug("outbound cleanup failed")
		}
		if err := s.engine.WakeFlow(ctx, clientID, k.flow, time.Time{}); err != nil {
			return err
		}
	}
	return nil
}

// noteStatus records agent crash reports carried in CLIENT_KILLED statuses.
func (s *Server) noteStatus(ctx context.Context, clientID ids.ClientID, flowID ids.FlowID, m *wire.Message, now time.Time) {
	payload, err := wire.UnmarshalPayload(m.ArgsType, m.Payload)
	if err != nil {
		return
	}
	status, ok := payload.(*wire.Status)
	if !ok || status.Result != wire.StatusClientKilled {
		return
	}
	metrics.ClientCrashes.Inc()
	crash := &datastore.CrashRecord{
		SessionID: m.SessionID,
		Message:   status.ErrorMessage,
		Timestamp: now,
	}
	if err := s.store.WriteClientCrash(ctx, clientID, crash); err != nil {
		s.log.WithError(err).WithField("client", clientID).Warn("crash record failed")
	}
	s.bus.Publish(events.Event{
		Type:     events.ClientCrashed,
		ClientID: clientID,
		FlowID:   flowID,
		Subject:  status.ErrorMessage,
		Time:     now,
	})
}

// leaseOutbound claims the next batch of queued actions for the client and
// converts them to wire messages. Actions past the retransmission limit are
// dropped and their requests failed instead of being sent again.
func (s *Server) leaseOutbound(ctx context.Context, clientID ids.ClientID) ([]*wire.Message, error) {
	leased, err := s.store.LeaseClientActionRequests(ctx, clientID, "frontend", s.messageLease, s.maxLeased)
	if err != nil {
		return nil, err
	}
	var out []*wire.Message
	for _, a := range leased {
		if a.LeaseCount > flow.RetransmissionLimit {
			metrics.RetransmissionsDropped.Inc()
			if err := s.store.DeleteClientActionRequest(ctx, clientID, a.FlowID, a.RequestID); err != nil {
				s.log.WithError(err).Warn("dropping retransmitted action failed")
			}
			if err := s.engine.FailRequest(ctx, clientID, a.FlowID, a.RequestID,
				"action undeliverable: retransmission limit exceeded"); err != nil {
				s.log.WithError(err).WithField("flow", a.FlowID).Error("failing request failed")
			}
			continue
		}
		out = append(out, &wire.Message{
			SessionID:         a.SessionID,
			RequestID:         a.RequestID,
			Name:              a.Action,
			ArgsType:          a.ArgsType,
			Payload:           a.Args,
			TaskID:            a.MessageID,
			CPULimit:          a.CPULimit,
			NetworkBytesLimit: a.NetworkBytesLimit,
			RequireFastpoll:   a.RequireFastpoll,
			Priority:          wire.Priority(a.Priority),
		})
	}
	return out, nil
}

func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
