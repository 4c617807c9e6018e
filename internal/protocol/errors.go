package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrUnknownOp       = "E_UNKNOWN_OP"

	// Host engine lookups.
	ErrUnknownServer = "E_UNKNOWN_SERVER"
	ErrUnknownHost   = "E_UNKNOWN_HOST"

	// Request layer.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrRateLimit  = "E_RATE_LIMIT"
	ErrTimeout    = "E_TIMEOUT"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrUnknownOp:       {},
	ErrUnknownServer:   {},
	ErrUnknownHost:     {},
	ErrBadRequest:      {},
	ErrRateLimit:       {},
	ErrTimeout:         {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error is a RESP failure surfaced to the caller.
type Error struct {
	Op      string
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Op + ": " + e.Code
	}
	return e.Op + ": " + e.Code + ": " + e.Message
}
