package domain

import "time"

// SendKind is the transport-level outcome of writing a message.
type SendKind string

const (
	SendOK           SendKind = "Sent"
	SendNoConnection SendKind = "NoConnection"
	SendFailed       SendKind = "SendFailed"
	SendFiltered     SendKind = "Filtered"
)

// SendRequestState is what a connection reports after a write attempt.
type SendRequestState struct {
	Kind SendKind
	Err  error
}

func Sent() SendRequestState { return SendRequestState{Kind: SendOK} }

func NoConnection(err error) SendRequestState {
	return SendRequestState{Kind: SendNoConnection, Err: err}
}

func SendFailure(err error) SendRequestState {
	return SendRequestState{Kind: SendFailed, Err: err}
}

func (s SendRequestState) OK() bool { return s.Kind == SendOK }

func (s SendRequestState) errText() string {
	if s.Err == nil {
		return string(s.Kind)
	}
	return s.Err.Error()
}

func (s SendRequestState) String() string {
	if s.Err == nil {
		return string(s.Kind)
	}
	return string(s.Kind) + ": " + s.Err.Error()
}

// SentMessageResult is handed to sent-message observers once the bytes of a
// forwarded message were written (or failed to be).
type SentMessageResult struct {
	State     SendRequestState
	Timestamp time.Time
}
