package dispatch

import (
	"context"
	"encoding/json"

	"adminplane.org/internal/bus"
)

// Subject is the request subject the dispatcher answers on.
const Subject = "admin.dispatch"

// BindBus serves the dispatcher over the message fabric. Envelopes
// arrive as JSON on Subject; replies are JSON responses. A malformed
// envelope still gets a response rather than silence, and still lands
// in the audit trail as a failed request.
func (d *Dispatcher) BindBus(b *bus.Bus) {
	b.Serve(Subject, func(ctx context.Context, data []byte) []byte {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return mustMarshal(d.Reject(ctx, "", "", "malformed envelope: "+err.Error()))
		}
		return mustMarshal(d.Dispatch(ctx, &env))
	})
}

func mustMarshal(res *Response) []byte {
	data, err := json.Marshal(res)
	if err != nil {
		// Response values are built from marshalable parts; reaching
		// here means a handler returned something unencodable.
		fallback := Response{Outcome: OutcomeFailed, Reason: ReasonStoreUnavailable, Error: "encode response: " + err.Error()}
		data, _ = json.Marshal(fallback)
	}
	return data
}
