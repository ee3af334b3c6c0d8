package errutil

// CoreStatus is a transport-agnostic error classification.
type CoreStatus string

const (
	StatusBadRequest           CoreStatus = "BAD_REQUEST"
	StatusValidationFailed     CoreStatus = "VALIDATION_FAILED"
	StatusUnauthorized         CoreStatus = "UNAUTHORIZED"
	StatusForbidden            CoreStatus = "FORBIDDEN"
	StatusNotFound             CoreStatus = "NOT_FOUND"
	StatusConflict             CoreStatus = "CONFLICT"
	StatusUnprocessableEntity  CoreStatus = "UNPROCESSABLE_ENTITY"
	StatusUnsupportedMediaType CoreStatus = "UNSUPPORTED_MEDIA_TYPE"
	StatusTooManyRequests      CoreStatus = "TOO_MANY_REQUESTS"
	StatusClientClosedRequest  CoreStatus = "CLIENT_CLOSED_REQUEST"
	StatusInternal             CoreStatus = "INTERNAL"
	StatusTimeout              CoreStatus = "TIMEOUT"
	StatusNotImplemented       CoreStatus = "NOT_IMPLEMENTED"
	StatusBadGateway           CoreStatus = "BAD_GATEWAY"
)

// HTTPStatus maps a CoreStatus onto the closest HTTP status code.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusValidationFailed:
		return 400
	case StatusUnauthorized:
		return 401
	case StatusForbidden:
		return 403
	case StatusNotFound:
		return 404
	case StatusConflict:
		return 409
	case StatusUnprocessableEntity:
		return 422
	case StatusUnsupportedMediaType:
		return 415
	case StatusTooManyRequests:
		return 429
	case StatusClientClosedRequest:
		return 499
	case StatusTimeout:
		return 504
	case StatusNotImplemented:
		return 501
	case StatusBadGateway:
		return 502
	default:
		return 500
	}
}
