package flow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/ids"
	"github.com/vigilsec/fleet/internal/wire"
)

// Context is the handle a flow implementation uses to issue work. Calls are
// buffered and written to the datastore in one batch when the engine
// persists the flow, so a callback that fails midway leaves nothing behind.
type Context struct {
	engine *Engine
	obj    *datastore.Flow
	impl   Impl

	argsType string
	args     []byte

	pendingRequests  []*datastore.FlowRequest
	pendingActions   []*datastore.ClientActionRequest
	pendingResponses []*datastore.FlowResponse // CallState synthetics
	pendingResults   []*datastore.FlowResponse
	pendingChildren  []*StartSpec
	pendingWakes     []time.Time // delayed self-wakes from CallState
}

// ClientID identifies the client this flow runs against.
func (fc *Context) ClientID() ids.ClientID { return fc.obj.ClientID }

// FlowID identifies this flow.
func (fc *Context) FlowID() ids.FlowID { return fc.obj.FlowID }

// Creator is the user (or hunt) that started the flow.
func (fc *Context) Creator() string { return fc.obj.Creator }

// Store exposes the datastore for flow classes that persist side effects
// beyond their replies, such as client snapshots or file maps.
func (fc *Context) Store() datastore.Store { return fc.engine.store }

// DecodeArgs fills the flow's start arguments into args.
func (fc *Context) DecodeArgs(args wire.Payload) error {
	if fc.argsType == "" {
		return nil
	}
	if fc.argsType != args.PayloadType() {
		return fmt.Errorf("flow args are %q, want %q", fc.argsType, args.PayloadType())
	}
	return json.Unmarshal(fc.args, args)
}

func (fc *Context) nextRequestID() uint64 {
	id := fc.obj.NextRequestID
	fc.obj.NextRequestID++
	return id
}

// CallClient queues an agent action. The responses arrive at the named
// state once the agent sends the terminal status.
func (fc *Context) CallClient(action string, args wire.Payload, nextState string) error {
	if err := fc.checkState(nextState); err != nil {
		return err
	}
	var (
		argBytes []byte
		argsType string
		err      error
	)
	if args != nil {
		argBytes, argsType, err = wire.MarshalPayload(args)
		if err != nil {
			return err
		}
	}
	reqID := fc.nextRequestID()
	fc.pendingRequests = append(fc.pendingRequests, &datastore.FlowRequest{
		ClientID:  fc.obj.ClientID,
		FlowID:    fc.obj.FlowID,
		RequestID: reqID,
		Action:    action,
		ArgsType:  argsType,
		Args:      argBytes,
		NextState: nextState,
	})
	fc.pendingActions = append(fc.pendingActions, &datastore.ClientActionRequest{
		ClientID:          fc.obj.ClientID,
		FlowID:            fc.obj.FlowID,
		RequestID:         reqID,
		SessionID:         ids.FlowSession(fc.obj.ClientID, fc.obj.FlowID),
		Action:            action,
		ArgsType:          argsType,
		Args:              argBytes,
		CPULimit:          uint64(fc.obj.CPULimitSeconds),
		NetworkBytesLimit: fc.obj.NetworkBytesLimit,
	})
	fc.obj.OutstandingRequests++
	return nil
}

// CallFlow queues a child flow. The named state runs when the child
// terminates; its responses are the child's replies plus a status carrying
// the child's outcome.
func (fc *Context) CallFlow(class string, args wire.Payload, nextState string) error {
	if err := fc.checkState(nextState); err != nil {
		return err
	}
	if _, err := Lookup(class); err != nil {
		return err
	}
	reqID := fc.nextRequestID()
	childID := ids.NewFlowID()
	fc.pendingRequests = append(fc.pendingRequests, &datastore.FlowRequest{
		ClientID:    fc.obj.ClientID,
		FlowID:      fc.obj.FlowID,
		RequestID:   reqID,
		NextState:   nextState,
		ChildFlowID: childID,
	})
	fc.pendingChildren = append(fc.pendingChildren, &StartSpec{
		ClientID:        fc.obj.ClientID,
		FlowID:          childID,
		Class:           class,
		Creator:         fc.obj.Creator,
		Args:            args,
		ParentFlowID:    fc.obj.FlowID,
		ParentRequestID: reqID,
		ParentHuntID:    fc.obj.ParentHuntID,
	})
	fc.obj.OutstandingRequests++
	fc.obj.OutstandingChildren++
	return nil
}

// CallState schedules the named state to run without any agent round trip,
// after an optional delay.
func (fc *Context) CallState(nextState string, delay time.Duration) error {
	if err := fc.checkState(nextState); err != nil {
		return err
	}
	now := fc.engine.clock()
	reqID := fc.nextRequestID()
	fc.pendingRequests = append(fc.pendingRequests, &datastore.FlowRequest{
		ClientID:  fc.obj.ClientID,
		FlowID:    fc.obj.FlowID,
		RequestID: reqID,
		NextState: nextState,
	})
	status, statusType, _ := wire.MarshalPayload(&wire.Status{Result: wire.StatusOK})
	fc.pendingResponses = append(fc.pendingResponses, &datastore.FlowResponse{
		ClientID:    fc.obj.ClientID,
		FlowID:      fc.obj.FlowID,
		RequestID:   reqID,
		ResponseID:  1,
		Kind:        datastore.ResponseStatus,
		PayloadType: statusType,
		Payload:     status,
	})
	fc.obj.OutstandingRequests++
	fc.pendingWakes = append(fc.pendingWakes, now.Add(delay))
	return nil
}

// SendReply emits one result. For a nested flow the reply is forwarded to
// the parent's waiting request instead of the local results stream.
func (fc *Context) SendReply(payload wire.Payload) error {
	data, payloadType, err := wire.MarshalPayload(payload)
	if err != nil {
		return err
	}
	fc.obj.NumResults++
	resp := &datastore.FlowResponse{
		Kind:        datastore.ResponseMessage,
		PayloadType: payloadType,
		Payload:     data,
	}
	if fc.obj.ParentFlowID != 0 {
		resp.ClientID = fc.obj.ClientID
		resp.FlowID = fc.obj.ParentFlowID
		resp.RequestID = fc.obj.ParentRequestID
		resp.ResponseID = fc.obj.NumResults
	} else {
		resp.ClientID = fc.obj.ClientID
		resp.FlowID = fc.obj.FlowID
		resp.RequestID = datastore.ResultsRequestID
		resp.ResponseID = fc.obj.NumResults
	}
	fc.pendingResults = append(fc.pendingResults, resp)
	return nil
}

func (fc *Context) checkState(nextState string) error {
	if _, ok := fc.impl.States()[nextState]; !ok {
		return fmt.Errorf("flow class has no state %q", nextState)
	}
	return nil
}
