package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidFormat is wrapped by every identifier parse failure.
var ErrInvalidFormat = errors.New("invalid identifier format")

func parseText(kind, text string) (string, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return "", fmt.Errorf("%s %q: %w", kind, text, ErrInvalidFormat)
	}
	return s, nil
}

func parseNumeric(kind, text string) (uint64, error) {
	if text == "" {
		return 0, fmt.Errorf("%s %q: %w", kind, text, ErrInvalidFormat)
	}
	for _, r := range text {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%s %q: %w", kind, text, ErrInvalidFormat)
		}
	}
	v, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w: %v", kind, text, ErrInvalidFormat, err)
	}
	return v, nil
}

// NetworkingNodeID addresses a participant of the overlay network.
// The zero value is the empty sentinel.
type NetworkingNodeID string

// ParseNetworkingNodeID trims the text and rejects empty ids.
func ParseNetworkingNodeID(text string) (NetworkingNodeID, error) {
	s, err := parseText("networking node id", text)
	if err != nil {
		return "", err
	}
	return NetworkingNodeID(s), nil
}

// TryParseNetworkingNodeID is ParseNetworkingNodeID without the error.
func TryParseNetworkingNodeID(text string) (NetworkingNodeID, bool) {
	id, err := ParseNetworkingNodeID(text)
	return id, err == nil
}

func (id NetworkingNodeID) IsEmpty() bool                      { return id == "" }
func (id NetworkingNodeID) String() string                     { return string(id) }
func (id NetworkingNodeID) Compare(other NetworkingNodeID) int { return strings.Compare(string(id), string(other)) }

// ChargeBoxID identifies a charging station.
type ChargeBoxID string

func ParseChargeBoxID(text string) (ChargeBoxID, error) {
	s, err := parseText("charge box id", text)
	if err != nil {
		return "", err
	}
	return ChargeBoxID(s), nil
}

func TryParseChargeBoxID(text string) (ChargeBoxID, bool) {
	id, err := ParseChargeBoxID(text)
	return id, err == nil
}

func (id ChargeBoxID) IsEmpty() bool                 { return id == "" }
func (id ChargeBoxID) String() string                { return string(id) }
func (id ChargeBoxID) Compare(other ChargeBoxID) int { return strings.Compare(string(id), string(other)) }

// RequestID is the OCPP message id. It is unique among the requests a node
// has in flight at the same time.
type RequestID string

// NewRandomRequestID returns a fresh UUIDv4 based id.
func NewRandomRequestID() RequestID {
	return RequestID(uuid.NewString())
}

func ParseRequestID(text string) (RequestID, error) {
	s, err := parseText("request id", text)
	if err != nil {
		return "", err
	}
	return RequestID(s), nil
}

func TryParseRequestID(text string) (RequestID, bool) {
	id, err := ParseRequestID(text)
	return id, err == nil
}

func (id RequestID) IsEmpty() bool               { return id == "" }
func (id RequestID) String() string              { return string(id) }
func (id RequestID) Compare(other RequestID) int { return strings.Compare(string(id), string(other)) }

// EventTrackingID correlates a logical operation with every event and log
// line it causes. It is distinct from the RequestID.
type EventTrackingID string

func NewRandomEventTrackingID() EventTrackingID {
	return EventTrackingID(uuid.NewString())
}

func ParseEventTrackingID(text string) (EventTrackingID, error) {
	s, err := parseText("event tracking id", text)
	if err != nil {
		return "", err
	}
	return EventTrackingID(s), nil
}

func TryParseEventTrackingID(text string) (EventTrackingID, bool) {
	id, err := ParseEventTrackingID(text)
	return id, err == nil
}

func (id EventTrackingID) IsEmpty() bool  { return id == "" }
func (id EventTrackingID) String() string { return string(id) }

// TransactionID is a numeric transaction identifier.
// The zero value is the empty sentinel; a parsed "0" is a valid id.
type TransactionID struct {
	value uint64
	valid bool
}

// ParseTransactionID parses a base-10 unsigned integer.
func ParseTransactionID(text string) (TransactionID, error) {
	v, err := parseNumeric("transaction id", text)
	if err != nil {
		return TransactionID{}, err
	}
	return TransactionID{value: v, valid: true}, nil
}

func TryParseTransactionID(text string) (TransactionID, bool) {
	id, err := ParseTransactionID(text)
	return id, err == nil
}

// NewTransactionID wraps an already numeric value.
func NewTransactionID(v uint64) TransactionID { return TransactionID{value: v, valid: true} }

func (id TransactionID) Value() uint64  { return id.value }
func (id TransactionID) IsEmpty() bool  { return !id.valid }
func (id TransactionID) String() string {
	if !id.valid {
		return ""
	}
	return strconv.FormatUint(id.value, 10)
}

func (id TransactionID) Compare(other TransactionID) int {
	return compareNumeric(id.valid, id.value, other.valid, other.value)
}

func (id TransactionID) MarshalJSON() ([]byte, error) {
	if !id.valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatUint(id.value, 10)), nil
}

func (id *TransactionID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		*id = TransactionID{}
		return nil
	}
	parsed, err := ParseTransactionID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ChargingProfileID identifies a charging profile.
type ChargingProfileID struct {
	value uint64
	valid bool
}

func ParseChargingProfileID(text string) (ChargingProfileID, error) {
	v, err := parseNumeric("charging profile id", text)
	if err != nil {
		return ChargingProfileID{}, err
	}
	return ChargingProfileID{value: v, valid: true}, nil
}

func TryParseChargingProfileID(text string) (ChargingProfileID, bool) {
	id, err := ParseChargingProfileID(text)
	return id, err == nil
}

func NewChargingProfileID(v uint64) ChargingProfileID { return ChargingProfileID{value: v, valid: true} }

func (id ChargingProfileID) Value() uint64 { return id.value }
func (id ChargingProfileID) IsEmpty() bool { return !id.valid }
func (id ChargingProfileID) String() string {
	if !id.valid {
		return ""
	}
	return strconv.FormatUint(id.value, 10)
}

func (id ChargingProfileID) Compare(other ChargingProfileID) int {
	return compareNumeric(id.valid, id.value, other.valid, other.value)
}

// compareNumeric orders empty ids before all valid ids.
func compareNumeric(aValid bool, a uint64, bValid bool, b uint64) int {
	switch {
	case !aValid && !bValid:
		return 0
	case !aValid:
		return -1
	case !bValid:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
