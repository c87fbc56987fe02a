package receiver

import "errors"

// Terminal errors a Connection may report via Err, matching the fatal
// conditions named in spec §7: timeouts and protocol errors from the
// peer. Decode failure and malformed frames are explicitly not fatal.
var (
	errHandshakeTimeout  = errors.New("receiver: handshake timed out")
	errInactivityTimeout = errors.New("receiver: connection inactive")
	errProtocolError     = errors.New("receiver: sender reported an error")
)
