package schema

import (
	"time"

	"github.com/danmuck/uastack/internal/protocol/codec"
	"github.com/danmuck/uastack/internal/protocol/ua"
)

func sequence(steps ...func() error) error {
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// RequestHeader precedes every service request body.
type RequestHeader struct {
	AuthenticationToken ua.NodeID
	Timestamp           time.Time
	RequestHandle       uint32
	ReturnDiagnostics   uint32
	AuditEntryID        string
	TimeoutHint         uint32
	AdditionalHeader    codec.Structure
}

func (h *RequestHeader) Encode(e codec.Encoder) error {
	return sequence(
		func() error { return e.PutNodeID("AuthenticationToken", h.AuthenticationToken) },
		func() error { return e.PutDateTime("Timestamp", h.Timestamp) },
		func() error { return e.PutUInt32("RequestHandle", h.RequestHandle) },
		func() error { return e.PutUInt32("ReturnDiagnostics", h.ReturnDiagnostics) },
		func() error { return e.PutString("AuditEntryId", h.AuditEntryID) },
		func() error { return e.PutUInt32("TimeoutHint", h.TimeoutHint) },
		func() error { return e.PutExtensionObject("AdditionalHeader", h.AdditionalHeader) },
	)
}

func (h *RequestHeader) Decode(d codec.Decoder) (err error) {
	return sequence(
		func() error { h.AuthenticationToken, err = d.GetNodeID("AuthenticationToken"); return err },
		func() error { h.Timestamp, err = d.GetDateTime("Timestamp"); return err },
		func() error { h.RequestHandle, err = d.GetUInt32("RequestHandle"); return err },
		func() error { h.ReturnDiagnostics, err = d.GetUInt32("ReturnDiagnostics"); return err },
		func() error { h.AuditEntryID, err = d.GetString("AuditEntryId"); return err },
		func() error { h.TimeoutHint, err = d.GetUInt32("TimeoutHint"); return err },
		func() error { h.AdditionalHeader, err = d.GetExtensionObject("AdditionalHeader"); return err },
	)
}

// ResponseHeader precedes every service response body.
type ResponseHeader struct {
	Timestamp          time.Time
	RequestHandle      uint32
	ServiceResult      ua.StatusCode
	ServiceDiagnostics *ua.DiagnosticInfo
	StringTable        []string
	AdditionalHeader   codec.Structure
}

func (h *ResponseHeader) Encode(e codec.Encoder) error {
	return sequence(
		func() error { return e.PutDateTime("Timestamp", h.Timestamp) },
		func() error { return e.PutUInt32("RequestHandle", h.RequestHandle) },
		func() error { return e.PutStatusCode("ServiceResult", h.ServiceResult) },
		func() error { return e.PutDiagnosticInfo("ServiceDiagnostics", h.ServiceDiagnostics) },
		func() error { return e.PutStringArray("StringTable", h.StringTable) },
		func() error { return e.PutExtensionObject("AdditionalHeader", h.AdditionalHeader) },
	)
}

func (h *ResponseHeader) Decode(d codec.Decoder) (err error) {
	return sequence(
		func() error { h.Timestamp, err = d.GetDateTime("Timestamp"); return err },
		func() error { h.RequestHandle, err = d.GetUInt32("RequestHandle"); return err },
		func() error { h.ServiceResult, err = d.GetStatusCode("ServiceResult"); return err },
		func() error { h.ServiceDiagnostics, err = d.GetDiagnosticInfo("ServiceDiagnostics"); return err },
		func() error { h.StringTable, err = d.GetStringArray("StringTable"); return err },
		func() error { h.AdditionalHeader, err = d.GetExtensionObject("AdditionalHeader"); return err },
	)
}

// ChannelSecurityToken is the wire form of an issued token. RevisedLifetime
// is in milliseconds.
type ChannelSecurityToken struct {
	ChannelID       uint32
	TokenID         uint32
	CreatedAt       time.Time
	RevisedLifetime uint32
}

func (t *ChannelSecurityToken) Lifetime() time.Duration {
	return time.Duration(t.RevisedLifetime) * time.Millisecond
}

func (t *ChannelSecurityToken) Encode(e codec.Encoder) error {
	return sequence(
		func() error { return e.PutUInt32("ChannelId", t.ChannelID) },
		func() error { return e.PutUInt32("TokenId", t.TokenID) },
		func() error { return e.PutDateTime("CreatedAt", t.CreatedAt) },
		func() error { return e.PutUInt32("RevisedLifetime", t.RevisedLifetime) },
	)
}

func (t *ChannelSecurityToken) Decode(d codec.Decoder) (err error) {
	return sequence(
		func() error { t.ChannelID, err = d.GetUInt32("ChannelId"); return err },
		func() error { t.TokenID, err = d.GetUInt32("TokenId"); return err },
		func() error { t.CreatedAt, err = d.GetDateTime("CreatedAt"); return err },
		func() error { t.RevisedLifetime, err = d.GetUInt32("RevisedLifetime"); return err },
	)
}
