package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ResultCode tags the outcome of obtaining a response for a request.
type ResultCode string

const (
	ResultOK                 ResultCode = "OK"
	ResultFormationViolation ResultCode = "FormationViolation"
	ResultSignatureError     ResultCode = "SignatureError"
	ResultFiltered           ResultCode = "Filtered"
	ResultGenericError       ResultCode = "GenericError"
	ResultServer             ResultCode = "Server"
	ResultTimeout            ResultCode = "Timeout"
	ResultCancelled          ResultCode = "Cancelled"
	ResultException          ResultCode = "Exception"
)

// Result is the terminal outcome of an exchange. Only ResultOK means the
// domain fields of the response carrying it are meaningful.
type Result struct {
	Code        ResultCode     `json:"code"`
	Description string         `json:"description,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	// ErrorCode is the OCPP error code reported by or sent to the peer.
	ErrorCode OCPPErrorCode `json:"errorCode,omitempty"`
}

func OKResult() Result {
	return Result{Code: ResultOK}
}

// FormationViolation marks a payload that failed structural parsing.
func FormationViolation(text string) Result {
	return Result{Code: ResultFormationViolation, Description: text, ErrorCode: ErrorFormationViolation}
}

// Format is the result for a payload that could not be parsed.
func Format(text string) Result {
	return FormationViolation(text)
}

func SignatureErrorResult(err error) Result {
	r := Result{Code: ResultSignatureError, ErrorCode: ErrorSignatureError, Description: "invalid signature"}
	if err != nil {
		r.Description = err.Error()
	}
	return r
}

func FilteredResult(reason string) Result {
	if reason == "" {
		reason = "request filtered"
	}
	return Result{Code: ResultFiltered, Description: reason, ErrorCode: ErrorFiltered}
}

// FromRemoteError maps a CALLERROR/CALLRESULTERROR received from a peer. The
// codes produced by this node's own rejections keep their tag so a remote
// Filtered stays Filtered for the original sender.
func FromRemoteError(code OCPPErrorCode, description string, details map[string]any) Result {
	r := Result{Description: description, Details: details, ErrorCode: code}
	switch code {
	case ErrorFiltered:
		r.Code = ResultFiltered
	case ErrorSignatureError, ErrorSecurityError:
		r.Code = ResultSignatureError
	case ErrorFormationViolation, ErrorFormatViolation:
		r.Code = ResultFormationViolation
	case ErrorInternalError:
		r.Code = ResultServer
	default:
		r.Code = ResultGenericError
	}
	return r
}

func TimeoutResult(after time.Duration) Result {
	return Result{
		Code:        ResultTimeout,
		Description: fmt.Sprintf("no response within %s", after),
		ErrorCode:   ErrorGenericError,
	}
}

func CancelledResult(err error) Result {
	r := Result{Code: ResultCancelled, Description: "request cancelled", ErrorCode: ErrorGenericError}
	if err != nil {
		r.Description = err.Error()
	}
	return r
}

// FromException wraps a local fault. Context errors become Cancelled.
func FromException(err error) Result {
	if err == nil {
		return Result{Code: ResultException, Description: "unknown error", ErrorCode: ErrorInternalError}
	}
	if isContextCancel(err) {
		return CancelledResult(err)
	}
	return Result{Code: ResultException, Description: err.Error(), ErrorCode: ErrorInternalError}
}

// FromSendRequestState converts a failed transport send into a Result.
func FromSendRequestState(state SendRequestState) Result {
	switch state.Kind {
	case SendOK:
		return OKResult()
	case SendFiltered:
		return FilteredResult(state.errText())
	case SendNoConnection:
		return Result{Code: ResultException, Description: "no connection: " + state.errText(), ErrorCode: ErrorGenericError}
	default:
		return Result{Code: ResultException, Description: "send failed: " + state.errText(), ErrorCode: ErrorGenericError}
	}
}

func (r Result) IsOK() bool {
	return r.Code == ResultOK
}

// IsException is true for local faults, cancellation included.
func (r Result) IsException() bool {
	return r.Code == ResultException || r.Code == ResultCancelled
}

// Err returns nil for OK and a *ResultError otherwise.
func (r Result) Err() error {
	if r.IsOK() {
		return nil
	}
	return &ResultError{Result: r}
}

func (r Result) String() string {
	if r.Description == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Description)
}

// ResultError exposes a non-OK Result as an error.
type ResultError struct {
	Result Result
}

func (e *ResultError) Error() string {
	return "exchange failed: " + e.Result.String()
}

func isContextCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsResultCode reports whether err carries a Result with the given code.
func IsResultCode(err error, code ResultCode) bool {
	var re *ResultError
	return errors.As(err, &re) && re.Result.Code == code
}
