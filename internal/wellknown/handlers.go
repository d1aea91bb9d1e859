package wellknown

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vigilsec/fleet/internal/blobstore"
	"github.com/vigilsec/fleet/internal/crypt"
	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/events"
	"github.com/vigilsec/fleet/internal/flow"
	"github.com/vigilsec/fleet/internal/ids"
	"github.com/vigilsec/fleet/internal/wire"
)

// InterrogateFlowClass is started against every freshly enrolled client to
// fill its knowledge base.
const InterrogateFlowClass = "Interrogate"

// EnrollmentCreator is the creator recorded on flows started by the server
// itself rather than an operator.
const EnrollmentCreator = "fleet-enroller"

// Enrollment pins a new agent's public key, creates its client record and
// kicks off the first interrogation. Re-enrollment of a known client with
// the same key is a no-op; a key change is rejected.
type Enrollment struct {
	store  datastore.Store
	engine *flow.Engine
	bus    *events.Bus
	log    *logrus.Entry
}

func NewEnrollment(store datastore.Store, engine *flow.Engine, bus *events.Bus, log *logrus.Logger) *Enrollment {
	return &Enrollment{
		store:  store,
		engine: engine,
		bus:    bus,
		log:    log.WithField("component", "enrollment"),
	}
}

func (h *Enrollment) Name() string { return ids.SessionEnrollment.HandlerName() }

func (h *Enrollment) Handle(ctx context.Context, req *datastore.MessageHandlerRequest) error {
	payload, err := wire.UnmarshalPayload(req.PayloadType, req.Payload)
	if err != nil {
		return err
	}
	enroll, ok := payload.(*wire.EnrollmentRequest)
	if !ok {
		return fmt.Errorf("enrollment: unexpected payload %q", req.PayloadType)
	}

	pub, err := crypt.ParsePublicKeyPEM(enroll.Certificate)
	if err != nil {
		return fmt.Errorf("enrollment: bad certificate: %w", err)
	}
	fingerprint, err := crypt.Fingerprint(pub)
	if err != nil {
		return err
	}
	clientID, err := ids.ClientIDFromKey(fingerprint)
	if err != nil {
		return err
	}

	existing, err := h.store.ReadClient(ctx, clientID)
	switch {
	case err == nil:
		// Keys are pinned at first enrollment; a different key under the same
		// id is an impersonation attempt.
		if !bytes.Equal(existing.Fingerprint, fingerprint) {
			h.log.WithField("client", clientID).Warn("re-enrollment with different key rejected")
			return fmt.Errorf("enrollment: key mismatch for %s", clientID)
		}
		return nil
	case errors.Is(err, datastore.ErrUnknownClient):
	default:
		return err
	}

	now := req.Timestamp
	if err := h.store.WriteClientMetadata(ctx, &datastore.Client{
		ID:           clientID,
		Fingerprint:  fingerprint,
		PublicKeyPEM: enroll.Certificate,
		FirstSeen:    now,
		LastPing:     now,
	}); err != nil {
		return err
	}

	if _, err := h.engine.StartFlow(ctx, &flow.StartSpec{
		ClientID: clientID,
		Class:    InterrogateFlowClass,
		Creator:  EnrollmentCreator,
	}); err != nil {
		return fmt.Errorf("enrollment: start interrogate: %w", err)
	}

	h.bus.Publish(events.Event{
		Type:     events.ClientEnrolled,
		ClientID: clientID,
		Time:     now,
	})
	h.log.WithField("client", clientID).Info("client enrolled")
	return nil
}

// Stats logs periodic agent self-reporting. The report is advisory and not
// persisted.
type Stats struct {
	log *logrus.Entry
}

func NewStats(log *logrus.Logger) *Stats {
	return &Stats{log: log.WithField("component", "stats")}
}

func (h *Stats) Name() string { return ids.SessionStats.HandlerName() }

func (h *Stats) Handle(ctx context.Context, req *datastore.MessageHandlerRequest) error {
	payload, err := wire.UnmarshalPayload(req.PayloadType, req.Payload)
	if err != nil {
		return err
	}
	stats, ok := payload.(*wire.ClientStats)
	if !ok {
		return fmt.Errorf("stats: unexpected payload %q", req.PayloadType)
	}
	h.log.WithFields(logrus.Fields{
		"client":         req.ClientID,
		"memory_percent": stats.MemoryPercent,
		"bytes_sent":     stats.BytesSent,
	}).Debug("client stats")
	return nil
}

// TransferStore writes uploaded file chunks into the blob store. The front
// end calls it inline so uploads are durable before the poll is answered.
type TransferStore struct {
	blobs *blobstore.Manager
}

func NewTransferStore(blobs *blobstore.Manager) *TransferStore {
	return &TransferStore{blobs: blobs}
}

func (h *TransferStore) Name() string { return ids.SessionBlobUpload.HandlerName() }

func (h *TransferStore) Handle(ctx context.Context, req *datastore.MessageHandlerRequest) error {
	payload, err := wire.UnmarshalPayload(req.PayloadType, req.Payload)
	if err != nil {
		return err
	}
	blob, ok := payload.(*wire.DataBlob)
	if !ok {
		return fmt.Errorf("transfer store: unexpected payload %q", req.PayloadType)
	}
	if len(blob.Data) == 0 {
		return nil
	}
	_, err = h.blobs.WriteBlobs(ctx, [][]byte{blob.Data})
	return err
}

// ForemanEvaluator matches a checking-in client against the started hunts.
// The hunt dispatcher implements it.
type ForemanEvaluator interface {
	EvaluateClient(ctx context.Context, client ids.ClientID) error
}

// Foreman runs hunt rule evaluation when an agent announces a foreman
// check-in is due.
type Foreman struct {
	eval ForemanEvaluator
	log  *logrus.Entry
}

func NewForeman(eval ForemanEvaluator, log *logrus.Logger) *Foreman {
	return &Foreman{eval: eval, log: log.WithField("component", "foreman")}
}

func (h *Foreman) Name() string { return ids.SessionForeman.HandlerName() }

func (h *Foreman) Handle(ctx context.Context, req *datastore.MessageHandlerRequest) error {
	return h.eval.EvaluateClient(ctx, req.ClientID)
}
