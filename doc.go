// Package leap implements the child-process side of the LEAP event
// protocol: a host application launches the plugin as a side process
// and exchanges length-prefixed notation messages with it over stdin
// and stdout.
//
// Every frame is "length:payload" where length is the decimal byte
// count of payload and payload is one notation-serialized map carrying
// at least 'pump' (the destination or origin channel) and 'data' (an
// arbitrary nested structure). On startup the host delivers a single
// handshake frame naming the plugin's reply pump, the host's command
// pump, and the protocol feature table; nothing else may be sent or
// received before it.
//
// A Runtime owns the streams. Plugin code sends events with Send, makes
// correlated requests with Request or Call, and subscribes to inbound
// pumps with Listen, while the runtime's event loop routes responses
// back by reqid and everything else to the matching listeners. Each
// line written to stderr is picked up by the host's log, which is where
// all diagnostics go.
package leap
