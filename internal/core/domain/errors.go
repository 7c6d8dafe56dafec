package domain

import "fmt"

// OCPPErrorCode is the error code carried by CALLERROR and CALLRESULTERROR
// frames.
type OCPPErrorCode string

const (
	ErrorFormatViolation               OCPPErrorCode = "FormatViolation"
	ErrorFormationViolation            OCPPErrorCode = "FormationViolation"
	ErrorGenericError                  OCPPErrorCode = "GenericError"
	ErrorInternalError                 OCPPErrorCode = "InternalError"
	ErrorMessageTypeNotSupported       OCPPErrorCode = "MessageTypeNotSupported"
	ErrorNotImplemented                OCPPErrorCode = "NotImplemented"
	ErrorNotSupported                  OCPPErrorCode = "NotSupported"
	ErrorOccurrenceConstraintViolation OCPPErrorCode = "OccurrenceConstraintViolation"
	ErrorPropertyConstraintViolation   OCPPErrorCode = "PropertyConstraintViolation"
	ErrorProtocolError                 OCPPErrorCode = "ProtocolError"
	ErrorRPCFrameworkError             OCPPErrorCode = "RpcFrameworkError"
	ErrorSecurityError                 OCPPErrorCode = "SecurityError"
	ErrorTypeConstraintViolation       OCPPErrorCode = "TypeConstraintViolation"
	ErrorSignatureError                OCPPErrorCode = "SignatureError"
	ErrorFiltered                      OCPPErrorCode = "Filtered"
)

// ErrorCodeFor picks the wire code used to report a non-OK Result.
func ErrorCodeFor(r Result) OCPPErrorCode {
	if r.ErrorCode != "" {
		return r.ErrorCode
	}
	switch r.Code {
	case ResultFiltered:
		return ErrorFiltered
	case ResultSignatureError:
		return ErrorSignatureError
	case ResultFormationViolation:
		return ErrorFormationViolation
	case ResultException, ResultServer:
		return ErrorInternalError
	default:
		return ErrorGenericError
	}
}

// RequestError is a CALLERROR: the peer could not process a request.
type RequestError struct {
	RequestID   RequestID
	Code        OCPPErrorCode
	Description string
	Details     map[string]any
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s failed: %s %s", e.RequestID, e.Code, e.Description)
}

// Result converts the error into the Result seen by the requester.
func (e *RequestError) Result() Result {
	return FromRemoteError(e.Code, e.Description, e.Details)
}

// ResponseError is a CALLRESULTERROR: the requester could not process the
// response it got.
type ResponseError struct {
	RequestID   RequestID
	Code        OCPPErrorCode
	Description string
	Details     map[string]any
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("response %s rejected: %s %s", e.RequestID, e.Code, e.Description)
}

func (e *ResponseError) Result() Result {
	return FromRemoteError(e.Code, e.Description, e.Details)
}
