package flow

import (
	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/wire"
)

// Responses wraps everything received for one completed request, with the
// terminal status split out.
type Responses struct {
	Request *datastore.FlowRequest
	Status  *wire.Status
	items   []*datastore.FlowResponse
}

func newResponses(rr *datastore.RequestAndResponses) (*Responses, error) {
	rs := &Responses{Request: rr.Request}
	for _, resp := range rr.Responses {
		if resp.Kind == datastore.ResponseStatus {
			status := &wire.Status{}
			p, err := wire.UnmarshalPayload(resp.PayloadType, resp.Payload)
			if err != nil {
				return nil, err
			}
			var ok bool
			if status, ok = p.(*wire.Status); !ok {
				status = &wire.Status{Result: wire.StatusGenericError, ErrorMessage: "malformed status"}
			}
			rs.Status = status
			continue
		}
		if resp.Kind == datastore.ResponseMessage {
			rs.items = append(rs.items, resp)
		}
	}
	return rs, nil
}

// Success reports whether the request ended with an OK status.
func (r *Responses) Success() bool {
	return r.Status != nil && r.Status.Result == wire.StatusOK
}

// ErrorMessage returns the agent-reported failure, or "".
func (r *Responses) ErrorMessage() string {
	if r.Status == nil {
		return ""
	}
	return r.Status.ErrorMessage
}

// Len is the number of non-status responses.
func (r *Responses) Len() int { return len(r.items) }

// Payloads decodes every non-status response through the payload registry.
func (r *Responses) Payloads() ([]wire.Payload, error) {
	out := make([]wire.Payload, 0, len(r.items))
	for _, item := range r.items {
		p, err := wire.UnmarshalPayload(item.PayloadType, item.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
