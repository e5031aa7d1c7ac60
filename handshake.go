package leap

// Identity holds the channel identities established by the startup
// handshake. It is written once during negotiation and read-only for the
// rest of the process lifetime.
type Identity struct {
	// ReplyPump is the pump the host created for this plugin. Events the
	// host posts to it arrive on our stdin; we name it as the 'reply'
	// key of correlated requests.
	ReplyPump string
	// CommandPump is the pump that addresses the host's leap listener,
	// where ops like listen/stoplistening/getAPI are sent.
	CommandPump string
	// Features describes protocol features added since the baseline.
	// Presence of a key is the signal; this core does not interpret them.
	Features Value
}

// negotiateHandshake consumes exactly one frame and extracts the runtime
// identity from it. The initial message must use baseline protocol only
// and has the shape {'data':{'command':...,'features':{...}},'pump':...}.
// Any failure here is fatal: the runtime must not do protocol work after
// a bad handshake.
func negotiateHandshake(fr *FrameReader) (Identity, error) {
	msg, err := fr.ReadMessage()
	if err != nil {
		return Identity{}, &HandshakeError{Kind: HandshakeMalformed, Err: err}
	}
	if msg.Pump == "" {
		return Identity{}, &HandshakeError{Kind: HandshakeMissingRequiredKey, Key: "pump"}
	}
	command := msg.Data.Get("command").AsString()
	if command == "" {
		return Identity{}, &HandshakeError{Kind: HandshakeMissingRequiredKey, Key: "data.command"}
	}
	if !msg.Data.Has("features") {
		return Identity{}, &HandshakeError{Kind: HandshakeMissingRequiredKey, Key: "data.features"}
	}
	return Identity{
		ReplyPump:   msg.Pump,
		CommandPump: command,
		Features:    msg.Data.Get("features"),
	}, nil
}
