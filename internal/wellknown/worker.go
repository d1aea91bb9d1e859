package wellknown

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/notify"
)

const leaseBatchSize = 100

// Worker drains the message handler queue, dispatching each request to its
// registered handler. Requests are deleted on success; a failed request
// keeps its lease and is retried when the lease expires.
type Worker struct {
	store    datastore.Store
	registry *Registry
	notifier notify.Notifier
	log      *logrus.Entry

	id    string
	lease time.Duration
	poll  time.Duration
}

func NewWorker(store datastore.Store, registry *Registry, notifier notify.Notifier, log *logrus.Logger, lease, poll time.Duration) *Worker {
	id := "handler-" + uuid.NewString()
	return &Worker{
		store:    store,
		registry: registry,
		notifier: notifier,
		log:      log.WithField("worker", id),
		id:       id,
		lease:    lease,
		poll:     poll,
	}
}

// Run blocks until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	wake, stop := w.notifier.Listen(ctx, notify.MessageHandlers)
	defer stop()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for {
		reqs, err := w.store.LeaseMessageHandlerRequests(ctx, w.id, w.lease, leaseBatchSize)
		if err != nil {
			w.log.WithError(err).Error("leasing handler requests failed")
			return
		}
		if len(reqs) == 0 {
			return
		}
		for _, req := range reqs {
			w.handle(ctx, req)
		}
	}
}

func (w *Worker) handle(ctx context.Context, req *datastore.MessageHandlerRequest) {
	h, err := w.registry.Lookup(req.Handler)
	if err != nil {
		// No handler will ever exist for this request; drop it.
		w.log.WithError(err).Warn("dropping unroutable handler request")
		if err := w.store.DeleteMessageHandlerRequest(ctx, req, w.id); err != nil {
			w.log.WithError(err).Warn("delete failed")
		}
		return
	}
	if err := h.Handle(ctx, req); err != nil {
		if datastore.IsTransient(err) {
			w.log.WithError(err).WithField("handler", req.Handler).Warn("transient handler failure")
			return
		}
		w.log.WithError(err).WithFields(logrus.Fields{
			"handler": req.Handler, "client": req.ClientID,
		}).Error("handler failed")
	}
	if err := w.store.DeleteMessageHandlerRequest(ctx, req, w.id); err != nil {
		w.log.WithError(err).Warn("delete failed")
	}
}
