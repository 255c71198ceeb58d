package errors

import "errors"

// SIPStatus is a response status line derived from an error
type SIPStatus struct {
	Code   int
	Reason string
}

var sipStatusCodes = []struct {
	err    error
	status SIPStatus
}{
	{ErrMissingSDP, SIPStatus{415, "Unsupported Media Type"}},
	{ErrInvalidSDP, SIPStatus{488, "Not Acceptable Here"}},
	{ErrUnsupportedCodec, SIPStatus{488, "Not Acceptable Here"}},
	{ErrCallerRejected, SIPStatus{403, "Forbidden"}},
	{ErrPermissionDenied, SIPStatus{403, "Forbidden"}},
	{ErrUnknownDID, SIPStatus{404, "Not Found"}},
	{ErrNotFound, SIPStatus{404, "Not Found"}},
	{ErrCallNotFound, SIPStatus{481, "Call/Transaction Does Not Exist"}},
	{ErrMethodNotSupported, SIPStatus{405, "Method Not Allowed"}},
	{ErrInvalidSIPMessage, SIPStatus{400, "Bad Request"}},
	{ErrInvalidInput, SIPStatus{400, "Bad Request"}},
	{ErrRateLimited, SIPStatus{503, "Service Unavailable"}},
	{ErrResourceExhausted, SIPStatus{503, "Service Unavailable"}},
	{ErrUnavailable, SIPStatus{503, "Service Unavailable"}},
	{ErrCallAlreadyExists, SIPStatus{482, "Loop Detected"}},
	{ErrTimeout, SIPStatus{408, "Request Timeout"}},
}

// SIPStatusFromError picks the response status for a failed request.
// Anything unmapped is a 500.
func SIPStatusFromError(err error) SIPStatus {
	if err == nil {
		return SIPStatus{200, "OK"}
	}
	for _, m := range sipStatusCodes {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return SIPStatus{500, "Server Internal Error"}
}
