package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/events"
	"github.com/vigilsec/fleet/internal/ids"
	"github.com/vigilsec/fleet/internal/metrics"
	"github.com/vigilsec/fleet/internal/notify"
	"github.com/vigilsec/fleet/internal/wire"
)

// RetransmissionLimit is how many times an outbound action may be leased
// before the server gives up and fails the request.
const RetransmissionLimit = 10

// Engine starts flows and drives their processing passes.
type Engine struct {
	store    datastore.Store
	notifier notify.Notifier
	bus      *events.Bus
	log      *logrus.Entry
	clock    func() time.Time

	// OnHuntFlowDone runs after a hunt-induced flow reaches a terminal
	// state. The hunt dispatcher installs it to keep hunt counters current.
	OnHuntFlowDone func(ctx context.Context, flow *datastore.Flow)
}

// NewEngine wires the engine. The clock is replaceable in tests.
func NewEngine(store datastore.Store, notifier notify.Notifier, bus *events.Bus, log *logrus.Logger) *Engine {
	return &Engine{
		store:    store,
		notifier: notifier,
		bus:      bus,
		log:      log.WithField("component", "flow"),
		clock:    time.Now,
	}
}

// StartSpec describes a flow to launch.
type StartSpec struct {
	ClientID ids.ClientID
	// FlowID zero means a fresh random id.
	FlowID  ids.FlowID
	Class   string
	Creator string
	Args    wire.Payload

	ParentFlowID    ids.FlowID
	ParentRequestID uint64
	ParentHuntID    ids.HuntID

	CPULimitSeconds   float64
	NetworkBytesLimit uint64
}

// StartFlow creates the flow object, runs its Start state and persists the
// first batch of requests. The returned flow may already be terminal if
// Start failed or issued nothing.
func (e *Engine) StartFlow(ctx context.Context, spec *StartSpec) (*datastore.Flow, error) {
	desc, err := Lookup(spec.Class)
	if err != nil {
		return nil, err
	}
	var argBytes []byte
	var argsType string
	if spec.Args != nil {
		argBytes, argsType, err = wire.MarshalPayload(spec.Args)
		if err != nil {
			return nil, err
		}
	}

	flowID := spec.FlowID
	if flowID == 0 {
		flowID = ids.NewFlowID()
	}
	now := e.clock()
	obj := &datastore.Flow{
		ClientID:             spec.ClientID,
		FlowID:               flowID,
		ParentFlowID:         spec.ParentFlowID,
		ParentHuntID:         spec.ParentHuntID,
		ParentRequestID:      spec.ParentRequestID,
		Class:                spec.Class,
		Creator:              spec.Creator,
		CreatedAt:            now,
		UpdatedAt:            now,
		State:                datastore.FlowRunning,
		NextRequestID:        1,
		NextRequestToProcess: 1,
		CPULimitSeconds:      spec.CPULimitSeconds,
		NetworkBytesLimit:    spec.NetworkBytesLimit,
	}

	impl := desc.New()
	fc := &Context{engine: e, obj: obj, impl: impl, argsType: argsType, args: argBytes}
	if startErr := impl.Start(ctx, fc); startErr != nil {
		fc.discard()
		obj.OutstandingRequests = 0
		obj.OutstandingChildren = 0
		obj.NumResults = 0
		obj.State = datastore.FlowError
		obj.ErrorMessage = startErr.Error()
	} else if obj.OutstandingRequests == 0 && obj.OutstandingChildren == 0 {
		obj.State = datastore.FlowFinished
	}
	if obj.StateBlob, err = json.Marshal(impl); err != nil {
		return nil, fmt.Errorf("serialize flow state: %w", err)
	}

	if err := e.store.WriteFlowObject(ctx, obj); err != nil {
		return nil, err
	}
	if err := e.flush(ctx, fc); err != nil {
		return nil, err
	}
	if obj.State.Terminal() {
		if err := e.finalize(ctx, obj); err != nil {
			return nil, err
		}
	}
	e.log.WithFields(logrus.Fields{
		"client": obj.ClientID, "flow": obj.FlowID, "class": obj.Class,
	}).Info("flow started")
	return obj, nil
}

// ProcessFlow leases the flow and consumes completed requests in request-id
// order, invoking the flow class callbacks. Only one worker can process a
// given flow at a time.
func (e *Engine) ProcessFlow(ctx context.Context, client ids.ClientID, flowID ids.FlowID, owner string, lease time.Duration) error {
	started := e.clock()
	defer func() {
		metrics.FlowProcessingSeconds.Observe(e.clock().Sub(started).Seconds())
	}()

	obj, err := e.store.LeaseFlowForProcessing(ctx, client, flowID, owner, lease)
	if err != nil {
		if errors.Is(err, datastore.ErrLeaseConflict) {
			metrics.FlowsProcessed.WithLabelValues("lease_conflict").Inc()
		}
		return err
	}
	if obj.State.Terminal() {
		return e.store.ReleaseProcessedFlow(ctx, obj, owner)
	}

	desc, lookupErr := Lookup(obj.Class)
	if lookupErr != nil {
		e.failFlow(obj, lookupErr.Error())
		return e.releaseTerminal(ctx, obj, owner)
	}
	impl := desc.New()
	if len(obj.StateBlob) > 0 {
		if err := json.Unmarshal(obj.StateBlob, impl); err != nil {
			e.failFlow(obj, fmt.Sprintf("corrupt flow state: %v", err))
			return e.releaseTerminal(ctx, obj, owner)
		}
	}
	fc := &Context{engine: e, obj: obj, impl: impl}

	for obj.State == datastore.FlowRunning {
		if obj.PendingTermination != "" {
			e.failFlow(obj, obj.PendingTermination)
			break
		}
		ready, err := e.store.ReadFlowRequestsReadyForProcessing(ctx, client, flowID, obj.NextRequestToProcess)
		if err != nil {
			return err
		}
		var processed []uint64
		for _, rr := range ready {
			// The cursor enforces in-order consumption: a later request
			// completing first stays queued until its predecessors finish.
			if rr.Request.RequestID != obj.NextRequestToProcess {
				break
			}
			if !rr.Complete() {
				break
			}
			if done := e.processRequest(ctx, fc, rr); done {
				break
			}
			processed = append(processed, rr.Request.RequestID)
		}
		if len(processed) > 0 {
			if err := e.store.DeleteFlowRequests(ctx, client, flowID, processed); err != nil {
				return err
			}
		}
		if err := e.flush(ctx, fc); err != nil {
			return err
		}
		if len(processed) == 0 {
			break
		}
	}

	if obj.State == datastore.FlowRunning &&
		obj.OutstandingRequests == 0 && obj.OutstandingChildren == 0 {
		obj.State = datastore.FlowFinished
	}
	var marshalErr error
	if obj.StateBlob, marshalErr = json.Marshal(impl); marshalErr != nil {
		e.failFlow(obj, fmt.Sprintf("serialize flow state: %v", marshalErr))
	}

	if obj.State.Terminal() {
		return e.releaseTerminal(ctx, obj, owner)
	}
	metrics.FlowsProcessed.WithLabelValues("advanced").Inc()
	return e.store.ReleaseProcessedFlow(ctx, obj, owner)
}

// processRequest consumes one complete request. It returns true when the
// flow became terminal and the pass must stop.
func (e *Engine) processRequest(ctx context.Context, fc *Context, rr *datastore.RequestAndResponses) bool {
	obj := fc.obj
	rs, err := newResponses(rr)
	if err != nil {
		e.failFlow(obj, fmt.Sprintf("malformed responses: %v", err))
		return true
	}

	if rs.Status != nil {
		obj.CPUTimeUsed += rs.Status.CPUTimeUsed.Total()
		obj.NetworkBytesSent += rs.Status.NetworkBytesSent
		if rs.Status.Result == wire.StatusClientKilled {
			obj.State = datastore.FlowCrashed
			obj.ErrorMessage = "agent crashed during this request"
			return true
		}
	}
	if obj.CPULimitSeconds > 0 && obj.CPUTimeUsed > obj.CPULimitSeconds {
		e.failFlow(obj, fmt.Sprintf("CPU quota of %.1fs exceeded", obj.CPULimitSeconds))
		return true
	}
	if obj.NetworkBytesLimit > 0 && obj.NetworkBytesSent > obj.NetworkBytesLimit {
		e.failFlow(obj, fmt.Sprintf("network quota of %d bytes exceeded", obj.NetworkBytesLimit))
		return true
	}

	state, ok := fc.impl.States()[rr.Request.NextState]
	if !ok {
		e.failFlow(obj, fmt.Sprintf("flow class has no state %q", rr.Request.NextState))
		return true
	}
	mark := fc.checkpoint()
	if err := state(ctx, fc, rs); err != nil {
		// Nothing the failed callback queued may survive.
		fc.rollback(mark)
		e.failFlow(obj, err.Error())
		return true
	}

	obj.NextRequestToProcess++
	obj.OutstandingRequests--
	if rr.Request.ChildFlowID != 0 {
		obj.OutstandingChildren--
	}
	return false
}

func (e *Engine) failFlow(obj *datastore.Flow, message string) {
	obj.State = datastore.FlowError
	obj.ErrorMessage = message
}

func (e *Engine) releaseTerminal(ctx context.Context, obj *datastore.Flow, owner string) error {
	if err := e.store.ReleaseProcessedFlow(ctx, obj, owner); err != nil {
		return err
	}
	return e.finalize(ctx, obj)
}

// finalize runs the terminal-state side effects: parent notification, hunt
// accounting and the completion event.
func (e *Engine) finalize(ctx context.Context, obj *datastore.Flow) error {
	switch obj.State {
	case datastore.FlowFinished:
		metrics.FlowsProcessed.WithLabelValues("finished").Inc()
	case datastore.FlowCrashed:
		metrics.FlowsProcessed.WithLabelValues("crashed").Inc()
	default:
		metrics.FlowsProcessed.WithLabelValues("error").Inc()
	}
	if obj.ParentFlowID != 0 {
		if err := e.notifyParent(ctx, obj); err != nil {
			return err
		}
	}
	if obj.ParentHuntID != 0 && e.OnHuntFlowDone != nil {
		e.OnHuntFlowDone(ctx, obj)
	}
	e.bus.Publish(events.Event{
		Type:     events.FlowCompleted,
		ClientID: obj.ClientID,
		FlowID:   obj.FlowID,
		HuntID:   obj.ParentHuntID,
		Subject:  string(obj.State),
	})
	e.log.WithFields(logrus.Fields{
		"client": obj.ClientID, "flow": obj.FlowID, "state": obj.State,
	}).Info("flow finished")
	return nil
}

// notifyParent completes the parent's child-wait request with a synthetic
// status carrying this flow's outcome.
func (e *Engine) notifyParent(ctx context.Context, obj *datastore.Flow) error {
	status := &wire.Status{Result: wire.StatusOK}
	if obj.State != datastore.FlowFinished {
		status.Result = wire.StatusGenericError
		status.ErrorMessage = obj.ErrorMessage
	}
	status.CPUTimeUsed = wire.CPUSeconds{UserCPUTime: obj.CPUTimeUsed}
	status.NetworkBytesSent = obj.NetworkBytesSent
	data, payloadType, err := wire.MarshalPayload(status)
	if err != nil {
		return err
	}
	err = e.store.WriteFlowResponses(ctx, []*datastore.FlowResponse{{
		ClientID:    obj.ClientID,
		FlowID:      obj.ParentFlowID,
		RequestID:   obj.ParentRequestID,
		ResponseID:  obj.NumResults + 1,
		Kind:        datastore.ResponseStatus,
		PayloadType: payloadType,
		Payload:     data,
	}})
	if err != nil {
		return err
	}
	return e.WakeFlow(ctx, obj.ClientID, obj.ParentFlowID, time.Time{})
}

// WakeFlow queues a processing request for the flow, optionally deferred.
func (e *Engine) WakeFlow(ctx context.Context, client ids.ClientID, flowID ids.FlowID, deliver time.Time) error {
	err := e.store.WriteFlowProcessingRequests(ctx, []*datastore.FlowProcessingRequest{{
		ClientID:     client,
		FlowID:       flowID,
		DeliveryTime: deliver,
	}})
	if err != nil {
		return err
	}
	e.notifier.Notify(ctx, notify.FlowProcessing)
	return nil
}

// FailRequest completes a request with a synthetic error status, used when
// the server gives up on delivering the action to the agent.
func (e *Engine) FailRequest(ctx context.Context, client ids.ClientID, flowID ids.FlowID, requestID uint64, message string) error {
	all, err := e.store.ReadAllFlowRequestsAndResponses(ctx, client, flowID)
	if err != nil {
		return err
	}
	// Responses may arrive with gaps, so the synthetic status takes the id
	// after the highest one seen rather than after the count.
	var highest uint64
	for _, rr := range all {
		if rr.Request.RequestID != requestID {
			continue
		}
		if rr.Status() != nil {
			return nil // already terminated
		}
		for _, resp := range rr.Responses {
			if resp.ResponseID > highest {
				highest = resp.ResponseID
			}
		}
	}
	status := &wire.Status{Result: wire.StatusGenericError, ErrorMessage: message}
	data, payloadType, err := wire.MarshalPayload(status)
	if err != nil {
		return err
	}
	err = e.store.WriteFlowResponses(ctx, []*datastore.FlowResponse{{
		ClientID:    client,
		FlowID:      flowID,
		RequestID:   requestID,
		ResponseID:  highest + 1,
		Kind:        datastore.ResponseStatus,
		PayloadType: payloadType,
		Payload:     data,
	}})
	if err != nil {
		return err
	}
	return e.WakeFlow(ctx, client, flowID, time.Time{})
}

// flush persists everything a callback queued, then clears the buffers.
func (e *Engine) flush(ctx context.Context, fc *Context) error {
	if len(fc.pendingRequests) > 0 {
		if err := e.store.WriteFlowRequests(ctx, fc.pendingRequests); err != nil {
			return err
		}
	}
	if len(fc.pendingResponses) > 0 {
		if err := e.store.WriteFlowResponses(ctx, fc.pendingResponses); err != nil {
			return err
		}
	}
	if len(fc.pendingResults) > 0 {
		if err := e.store.WriteFlowResponses(ctx, fc.pendingResults); err != nil {
			return err
		}
	}
	if len(fc.pendingActions) > 0 {
		if err := e.store.WriteClientActionRequests(ctx, fc.pendingActions); err != nil {
			return err
		}
	}
	for _, child := range fc.pendingChildren {
		if _, err := e.StartFlow(ctx, child); err != nil {
			return err
		}
	}
	now := e.clock()
	for _, wake := range fc.pendingWakes {
		deliver := wake
		if !deliver.After(now) {
			deliver = time.Time{}
		}
		if err := e.WakeFlow(ctx, fc.obj.ClientID, fc.obj.FlowID, deliver); err != nil {
			return err
		}
	}
	fc.discard()
	return nil
}

func (fc *Context) discard() {
	fc.pendingRequests = nil
	fc.pendingActions = nil
	fc.pendingResponses = nil
	fc.pendingResults = nil
	fc.pendingChildren = nil
	fc.pendingWakes = nil
}

// contextMark snapshots the buffered work so a failed callback can be
// rolled back cleanly.
type contextMark struct {
	requests, actions, responses, results, children, wakes int
	nextRequestID, numResults                              uint64
	outstandingRequests, outstandingChildren               int64
}

func (fc *Context) checkpoint() contextMark {
	return contextMark{
		requests:            len(fc.pendingRequests),
		actions:             len(fc.pendingActions),
		responses:           len(fc.pendingResponses),
		results:             len(fc.pendingResults),
		children:            len(fc.pendingChildren),
		wakes:               len(fc.pendingWakes),
		nextRequestID:       fc.obj.NextRequestID,
		numResults:          fc.obj.NumResults,
		outstandingRequests: fc.obj.OutstandingRequests,
		outstandingChildren: fc.obj.OutstandingChildren,
	}
}

func (fc *Context) rollback(m contextMark) {
	fc.pendingRequests = fc.pendingRequests[:m.requests]
	fc.pendingActions = fc.pendingActions[:m.actions]
	fc.pendingResponses = fc.pendingResponses[:m.responses]
	fc.pendingResults = fc.pendingResults[:m.results]
	fc.pendingChildren = fc.pendingChildren[:m.children]
	fc.pendingWakes = fc.pendingWakes[:m.wakes]
	fc.obj.NextRequestID = m.nextRequestID
	fc.obj.NumResults = m.numResults
	fc.obj.OutstandingRequests = m.outstandingRequests
	fc.obj.OutstandingChildren = m.outstandingChildren
}
