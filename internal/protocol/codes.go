package protocol

import "time"

// Response codes. They mirror HTTP status codes.
const (
	CodeOK             = 0
	CodeBadRequest     = 400
	CodeUnauthorized   = 401
	CodeForbidden      = 403
	CodeNotFound       = 404
	CodeConflict       = 409
	CodeInternal       = 500
	CodeDeviceOffline  = 503
	CodeRequestTimeout = 504
)

var reasons = map[int]string{
	CodeBadRequest:     "Bad Request",
	CodeUnauthorized:   "Unauthorized",
	CodeForbidden:      "Forbidden",
	CodeNotFound:       "Not Found",
	CodeConflict:       "Duplicate Request",
	CodeInternal:       "Internal Error",
	CodeDeviceOffline:  "Device Offline",
	CodeRequestTimeout: "Request Timeout",
}

// DateFormat is the UTC ISO-8601 layout of the date action.
const DateFormat = "2006-01-02T15:04:05.000Z"

// Reason returns the standard reason phrase for code.
func Reason(code int) string {
	return reasons[code]
}

// ClosesConnection reports whether a reply with this code ends the connection.
func ClosesConnection(code int) bool {
	return code == CodeUnauthorized || code == CodeForbidden
}

// Failure builds a bare error response, for use before a request exists.
func Failure(code int) Response {
	return Response{Error: code, Reason: Reason(code)}
}

// reply builds a response addressed to req.
func reply(req *Request, code int) Response {
	res := Response{
		Error:    code,
		Reason:   Reason(code),
		Sequence: req.Sequence,
		DeviceID: req.DeviceID,
	}
	return res
}

// formatDate renders t in DateFormat.
func formatDate(t time.Time) string {
	return t.UTC().Format(DateFormat)
}
