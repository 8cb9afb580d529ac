package errutil

// CoreStatus is the transport-agnostic error classification used across
// services. Handlers translate it at the edge; services never render
// user-facing text.
type CoreStatus string

const (
	StatusBadRequest   CoreStatus = "BAD_REQUEST"
	StatusUnauthorized CoreStatus = "UNAUTHORIZED"
	StatusForbidden    CoreStatus = "FORBIDDEN"
	StatusNotFound     CoreStatus = "NOT_FOUND"
	StatusConflict     CoreStatus = "CONFLICT"
	StatusTimeout      CoreStatus = "TIMEOUT"
	StatusInternal     CoreStatus = "INTERNAL"
	StatusBadGateway   CoreStatus = "BAD_GATEWAY"
	StatusUnknown      CoreStatus = "UNKNOWN"

	// Credential vault domain statuses.
	StatusConfig           CoreStatus = "CONFIG_ERROR"
	StatusDecryptionFailed CoreStatus = "DECRYPTION_FAILED"
	StatusStateInvalid     CoreStatus = "STATE_TOKEN_INVALID"
	StatusRefreshFailed    CoreStatus = "REFRESH_FAILED"
)

// HTTPCode converts the CoreStatus to its closest HTTP status code equivalent.
func (s CoreStatus) HTTPCode() int {
	switch s {
	case StatusBadRequest, StatusStateInvalid:
		return 400
	case StatusUnauthorized:
		return 401
	case StatusForbidden:
		return 403
	case StatusNotFound:
		return 404
	case StatusConflict:
		return 409
	case StatusTimeout:
		return 408
	case StatusBadGateway, StatusRefreshFailed:
		return 502
	case StatusConfig, StatusDecryptionFailed, StatusInternal:
		return 500
	default:
		return 500
	}
}
