package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest  = "E_PROTO_BAD_REQUEST"
	ErrProtoBadVersion  = "E_PROTO_BAD_VERSION"
	ErrProtoUnsupported = "E_PROTO_UNSUPPORTED"

	// Command layer.
	ErrBadRequest   = "E_BAD_REQUEST"
	ErrNoPermission = "E_NO_PERMISSION"
	ErrInternal     = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrProtoBadVersion:  {},
	ErrProtoUnsupported: {},
	ErrBadRequest:       {},
	ErrNoPermission:     {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
