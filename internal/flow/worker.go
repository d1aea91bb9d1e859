package flow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/notify"
)

const leaseBatchSize = 50

// retryDelay defers a processing request whose flow another worker holds.
const retryDelay = 10 * time.Second

// Worker drains the flow processing queue. Run several concurrently; the
// queue lease and the per-flow lease keep them from stepping on each other.
type Worker struct {
	engine   *Engine
	store    datastore.Store
	notifier notify.Notifier
	log      *logrus.Entry

	id    string
	lease time.Duration
	poll  time.Duration
}

// NewWorker builds a worker with a unique lease owner id.
func NewWorker(engine *Engine, store datastore.Store, notifier notify.Notifier, log *logrus.Logger, lease, poll time.Duration) *Worker {
	id := "worker-" + uuid.NewString()
	return &Worker{
		engine:   engine,
		store:    store,
		notifier: notifier,
		log:      log.WithField("worker", id),
		id:       id,
		lease:    lease,
		poll:     poll,
	}
}

// Run blocks until the context is canceled, draining the queue on every
// wake notification and on a poll timer as the fallback.
func (w *Worker) Run(ctx context.Context) error {
	wake, stop := w.notifier.Listen(ctx, notify.FlowProcessing)
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
		reqs, err := w.store.LeaseFlowProcessingRequests(ctx, w.id, w.lease, leaseBatchSize)
		if err != nil {
			w.log.WithError(err).Error("leasing processing requests failed")
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

func (w *Worker) handle(ctx context.Context, req *datastore.FlowProcessingRequest) {
	err := w.engine.ProcessFlow(ctx, req.ClientID, req.FlowID, w.id, w.lease)
	switch {
	case err == nil:
	case errors.Is(err, datastore.ErrLeaseConflict):
		// Another worker holds the flow; try again shortly.
		if err := w.engine.WakeFlow(ctx, req.ClientID, req.FlowID, time.Now().Add(retryDelay)); err != nil {
			w.log.WithError(err).Warn("requeue after lease conflict failed")
		}
	case datastore.IsTransient(err):
		// Keep the queue lease; it expires and the request is retried.
		w.log.WithError(err).WithField("flow", req.FlowID).Warn("transient processing failure")
		return
	default:
		w.log.WithError(err).WithFields(logrus.Fields{
			"client": req.ClientID, "flow": req.FlowID,
		}).Error("flow processing failed")
	}
	if err := w.store.AckFlowProcessingRequest(ctx, req, w.id); err != nil {
		w.log.WithError(err).Warn("ack failed")
	}
}
