package streamproto

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	ErrServerBusy  = "E_SERVER_BUSY"
	ErrBadRequest  = "E_BAD_REQUEST"
	ErrNotResident = "E_NOT_RESIDENT"
	ErrStopped     = "E_STOPPED"
	ErrInternal    = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrServerBusy:      {},
	ErrBadRequest:      {},
	ErrNotResident:     {},
	ErrStopped:         {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
