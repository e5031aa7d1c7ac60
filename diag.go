package leap

import (
	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
)

// Diagnostics go to a stream separate from the protocol stream (stderr
// by default), so nothing here can corrupt the frames on stdout. The
// host is expected to route our stderr into its own log.

// payloadJSON renders a value as JSON for structured log fields.
func payloadJSON(v Value) []byte {
	b, err := sonic.ConfigStd.Marshal(v.Interface())
	if err != nil {
		return []byte(`"<unencodable>"`)
	}
	return b
}

// dumpBadPacket logs the offending bytes of an undecodable frame in
// bounded lines. Large packets are truncated: dumping megabytes of a
// broken payload wastes time and log space.
func dumpBadPacket(log zerolog.Logger, data []byte) {
	const showMax = 40
	const dumpMax = 400
	truncated := len(data) > dumpMax
	if truncated {
		data = data[:dumpMax]
	}
	for offset := 0; offset < len(data); offset += showMax {
		end := offset + showMax
		if end > len(data) {
			end = len(data)
		}
		log.Warn().
			Int("offset", offset).
			Bytes("bytes", data[offset:end]).
			Msg("bad packet")
	}
	if truncated {
		log.Warn().Msg("bad packet dump truncated")
	}
}
