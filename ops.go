package leap

import "github.com/google/uuid"

// Helpers for the host's leap listener operations. The runtime only
// builds the envelopes and routes the replies; the semantics of each op
// live host-side.

// opRequest sends an op envelope to the command pump as a correlated
// request.
func (r *Runtime) opRequest(fields map[string]Value) (*Pending, error) {
	return r.Request(r.identity.CommandPump, Map(fields))
}

// ListenOn asks the host to forward events from the named source pump
// to our reply pump. The listener name defaults to the reply pump,
// which is already unique, so two plugins listening on the same source
// cannot collide.
func (r *Runtime) ListenOn(source string) (*Pending, error) {
	return r.opRequest(map[string]Value{
		"op":       String("listen"),
		"source":   String(source),
		"listener": String(r.identity.ReplyPump),
	})
}

// StopListeningOn reverses ListenOn for the named source pump.
func (r *Runtime) StopListeningOn(source string) (*Pending, error) {
	return r.opRequest(map[string]Value{
		"op":       String("stoplistening"),
		"source":   String(source),
		"listener": String(r.identity.ReplyPump),
	})
}

// GetAPIs requests the list of event APIs the host exposes.
func (r *Runtime) GetAPIs() (*Pending, error) {
	return r.opRequest(map[string]Value{
		"op": String("getAPIs"),
	})
}

// GetAPI requests the description of one host event API.
func (r *Runtime) GetAPI(api string) (*Pending, error) {
	return r.opRequest(map[string]Value{
		"op":  String("getAPI"),
		"api": String(api),
	})
}

// GetFeatures requests the host's protocol feature table. The handshake
// already carries it; this op exists to re-query a live host.
func (r *Runtime) GetFeatures() (*Pending, error) {
	return r.opRequest(map[string]Value{
		"op": String("getFeatures"),
	})
}

// GetFeature requests a single protocol feature value.
func (r *Runtime) GetFeature(feature string) (*Pending, error) {
	return r.opRequest(map[string]Value{
		"op":      String("getFeature"),
		"feature": String(feature),
	})
}

// NewPump asks the host to create a new pump. An empty name lets us
// pick a fresh UUID name, the same convention the host uses for reply
// pumps. Returns the name actually requested along with the pending
// reply.
func (r *Runtime) NewPump(name string) (string, *Pending, error) {
	if name == "" {
		name = uuid.NewString()
	}
	p, err := r.opRequest(map[string]Value{
		"op":   String("newpump"),
		"name": String(name),
	})
	return name, p, err
}

// Ping sends the trivial liveness op.
func (r *Runtime) Ping() (*Pending, error) {
	return r.opRequest(map[string]Value{
		"op": String("ping"),
	})
}
