package ocpp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocppnet/overlay/internal/core/domain"
)

const ActionBootNotification = "BootNotification"

type BootReason string

const (
	BootReasonApplicationReset BootReason = "ApplicationReset"
	BootReasonFirmwareUpdate   BootReason = "FirmwareUpdate"
	BootReasonLocalReset       BootReason = "LocalReset"
	BootReasonPowerUp          BootReason = "PowerUp"
	BootReasonRemoteReset      BootReason = "RemoteReset"
	BootReasonScheduledReset   BootReason = "ScheduledReset"
	BootReasonTriggered        BootReason = "Triggered"
	BootReasonUnknown          BootReason = "Unknown"
	BootReasonWatchdog         BootReason = "Watchdog"
)

type RegistrationStatus string

const (
	RegistrationAccepted RegistrationStatus = "Accepted"
	RegistrationPending  RegistrationStatus = "Pending"
	RegistrationRejected RegistrationStatus = "Rejected"
)

// ChargingStation describes the booting station.
type ChargingStation struct {
	Model           string `json:"model"`
	VendorName      string `json:"vendorName"`
	SerialNumber    string `json:"serialNumber,omitempty"`
	FirmwareVersion string `json:"firmwareVersion,omitempty"`
}

type BootNotificationRequest struct {
	domain.RequestEnvelope
	ChargingStation ChargingStation
	Reason          BootReason
}

func NewBootNotificationRequest(dest domain.SourceRouting, station ChargingStation, reason BootReason, opts ...domain.RequestOption) *BootNotificationRequest {
	return &BootNotificationRequest{
		RequestEnvelope: domain.NewRequestEnvelope(dest, ActionBootNotification, opts...),
		ChargingStation: station,
		Reason:          reason,
	}
}

type bootNotificationRequestJSON struct {
	ChargingStation ChargingStation `json:"chargingStation"`
	Reason          BootReason      `json:"reason"`
	payloadExtensions
}

func (r *BootNotificationRequest) MarshalPayload() (json.RawMessage, error) {
	return json.Marshal(bootNotificationRequestJSON{
		ChargingStation:   r.ChargingStation,
		Reason:            r.Reason,
		payloadExtensions: requestExtensions(&r.RequestEnvelope),
	})
}

func (r *BootNotificationRequest) Equal(other *BootNotificationRequest) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.RequestEnvelope.Equal(&other.RequestEnvelope) &&
		r.ChargingStation == other.ChargingStation &&
		r.Reason == other.Reason
}

func (r *BootNotificationRequest) String() string {
	return fmt.Sprintf("%s: %s %s (%s)", r.RequestEnvelope.String(), r.ChargingStation.VendorName, r.ChargingStation.Model, r.Reason)
}

type BootNotificationResponse struct {
	domain.ResponseEnvelope
	CurrentTime time.Time
	Interval    int
	Status      RegistrationStatus
	StatusInfo  *StatusInfo
}

func NewBootNotificationResponse(req *BootNotificationRequest, status RegistrationStatus, currentTime time.Time, interval int, opts ...domain.ResponseOption) *BootNotificationResponse {
	return &BootNotificationResponse{
		ResponseEnvelope: domain.NewResponseEnvelope(&req.RequestEnvelope, domain.OKResult(), opts...),
		CurrentTime:      currentTime,
		Interval:         interval,
		Status:           status,
	}
}

func BootNotificationResponseFromResult(req *BootNotificationRequest, result domain.Result, opts ...domain.ResponseOption) *BootNotificationResponse {
	return &BootNotificationResponse{
		ResponseEnvelope: domain.NewResponseEnvelope(&req.RequestEnvelope, result, opts...),
		CurrentTime:      time.Now().UTC(),
		Status:           RegistrationRejected,
		StatusInfo:       statusInfoFromResult(result),
	}
}

type bootNotificationResponseJSON struct {
	CurrentTime time.Time          `json:"currentTime"`
	Interval    int                `json:"interval"`
	Status      RegistrationStatus `json:"status"`
	StatusInfo  *StatusInfo        `json:"statusInfo,omitempty"`
	payloadExtensions
}

func (r *BootNotificationResponse) MarshalPayload() (json.RawMessage, error) {
	return json.Marshal(bootNotificationResponseJSON{
		CurrentTime:       r.CurrentTime,
		Interval:          r.Interval,
		Status:            r.Status,
		StatusInfo:        r.StatusInfo,
		payloadExtensions: responseExtensions(&r.ResponseEnvelope),
	})
}

func (r *BootNotificationResponse) Equal(other *BootNotificationResponse) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.ResponseEnvelope.Equal(&other.ResponseEnvelope) &&
		r.CurrentTime.Equal(other.CurrentTime) &&
		r.Interval == other.Interval &&
		r.Status == other.Status &&
		equalStatusInfo(r.StatusInfo, other.StatusInfo)
}

func (r *BootNotificationResponse) String() string {
	return r.Describe(string(r.Status))
}

var BootNotification Operation = &OperationFuncs[*BootNotificationRequest, *BootNotificationResponse]{
	Name: ActionBootNotification,
	DecodeRequest: func(payload json.RawMessage, hdr RequestHeader) (*BootNotificationRequest, error) {
		var w bootNotificationRequestJSON
		if err := decodePayload(ActionBootNotification, payload, &w); err != nil {
			return nil, err
		}
		if w.ChargingStation.Model == "" || w.ChargingStation.VendorName == "" {
			return nil, missing(ActionBootNotification, "chargingStation.model and chargingStation.vendorName")
		}
		if w.Reason == "" {
			return nil, missing(ActionBootNotification, "reason")
		}
		return NewBootNotificationRequest(hdr.Destination, w.ChargingStation, w.Reason, hdr.options(w.payloadExtensions)...), nil
	},
	DecodeResponse: func(payload json.RawMessage, req *BootNotificationRequest, hdr ResponseHeader) (*BootNotificationResponse, error) {
		var w bootNotificationResponseJSON
		if err := decodePayload(ActionBootNotification, payload, &w); err != nil {
			return nil, err
		}
		if w.Status == "" {
			return nil, missing(ActionBootNotification, "status")
		}
		resp := NewBootNotificationResponse(req, w.Status, w.CurrentTime, w.Interval, hdr.options(w.payloadExtensions)...)
		resp.StatusInfo = w.StatusInfo
		return resp, nil
	},
	FromResult: func(req *BootNotificationRequest, result domain.Result) *BootNotificationResponse {
		return BootNotificationResponseFromResult(req, result)
	},
}
