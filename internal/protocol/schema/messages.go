package schema

import (
	"github.com/danmuck/uastack/internal/protocol/codec"
	"github.com/danmuck/uastack/internal/protocol/ua"
)

// Request is a service request carrying a RequestHeader.
type Request interface {
	codec.Structure
	Header() *RequestHeader
}

// Response is a service response carrying a ResponseHeader.
type Response interface {
	codec.Structure
	Header() *ResponseHeader
}

type OpenSecureChannelRequest struct {
	RequestHeader         RequestHeader
	ClientProtocolVersion uint32
	RequestType           SecurityTokenRequestType
	SecurityMode          ua.MessageSecurityMode
	ClientNonce           []byte
	// RequestedLifetime is in milliseconds.
	RequestedLifetime uint32
}

func (r *OpenSecureChannelRequest) Header() *RequestHeader { return &r.RequestHeader }

func (r *OpenSecureChannelRequest) Encode(e codec.Encoder) error {
	return sequence(
		func() error { return e.PutStructure("RequestHeader", &r.RequestHeader) },
		func() error { return e.PutUInt32("ClientProtocolVersion", r.ClientProtocolVersion) },
		func() error { return e.PutEnumeration("RequestType", int32(r.RequestType)) },
		func() error { return e.PutEnumeration("SecurityMode", int32(r.SecurityMode)) },
		func() error { return e.PutByteString("ClientNonce", r.ClientNonce) },
		func() error { return e.PutUInt32("RequestedLifetime", r.RequestedLifetime) },
	)
}

func (r *OpenSecureChannelRequest) Decode(d codec.Decoder) (err error) {
	var m codec.Enumerant
	return sequence(
		func() error { return d.GetStructure("RequestHeader", &r.RequestHeader) },
		func() error { r.ClientProtocolVersion, err = d.GetUInt32("ClientProtocolVersion"); return err },
		func() error {
			m, err = d.GetEnumeration("RequestType", SecurityTokenRequestTypeEnum)
			r.RequestType = SecurityTokenRequestType(m.Value)
			return err
		},
		func() error {
			m, err = d.GetEnumeration("SecurityMode", MessageSecurityModeEnum)
			r.SecurityMode = ua.MessageSecurityMode(m.Value)
			return err
		},
		func() error { r.ClientNonce, err = d.GetByteString("ClientNonce"); return err },
		func() error { r.RequestedLifetime, err = d.GetUInt32("RequestedLifetime"); return err },
	)
}

type OpenSecureChannelResponse struct {
	ResponseHeader        ResponseHeader
	ServerProtocolVersion uint32
	SecurityToken         ChannelSecurityToken
	ServerNonce           []byte
}

func (r *OpenSecureChannelResponse) Header() *ResponseHeader { return &r.ResponseHeader }

func (r *OpenSecureChannelResponse) Encode(e codec.Encoder) error {
	return sequence(
		func() error { return e.PutStructure("ResponseHeader", &r.ResponseHeader) },
		func() error { return e.PutUInt32("ServerProtocolVersion", r.ServerProtocolVersion) },
		func() error { return e.PutStructure("SecurityToken", &r.SecurityToken) },
		func() error { return e.PutByteString("ServerNonce", r.ServerNonce) },
	)
}

func (r *OpenSecureChannelResponse) Decode(d codec.Decoder) (err error) {
	return sequence(
		func() error { return d.GetStructure("ResponseHeader", &r.ResponseHeader) },
		func() error { r.ServerProtocolVersion, err = d.GetUInt32("ServerProtocolVersion"); return err },
		func() error { return d.GetStructure("SecurityToken", &r.SecurityToken) },
		func() error { r.ServerNonce, err = d.GetByteString("ServerNonce"); return err },
	)
}

type CloseSecureChannelRequest struct {
	RequestHeader RequestHeader
}

func (r *CloseSecureChannelRequest) Header() *RequestHeader { return &r.RequestHeader }

func (r *CloseSecureChannelRequest) Encode(e codec.Encoder) error {
	return e.PutStructure("RequestHeader", &r.RequestHeader)
}

func (r *CloseSecureChannelRequest) Decode(d codec.Decoder) error {
	return d.GetStructure("RequestHeader", &r.RequestHeader)
}

type CloseSecureChannelResponse struct {
	ResponseHeader ResponseHeader
}

func (r *CloseSecureChannelResponse) Header() *ResponseHeader { return &r.ResponseHeader }

func (r *CloseSecureChannelResponse) Encode(e codec.Encoder) error {
	return e.PutStructure("ResponseHeader", &r.ResponseHeader)
}

func (r *CloseSecureChannelResponse) Decode(d codec.Decoder) error {
	return d.GetStructure("ResponseHeader", &r.ResponseHeader)
}

// ServiceFault replaces any response when the service failed as a whole.
type ServiceFault struct {
	ResponseHeader ResponseHeader
}

func (f *ServiceFault) Header() *ResponseHeader { return &f.ResponseHeader }

func (f *ServiceFault) Encode(e codec.Encoder) error {
	return e.PutStructure("ResponseHeader", &f.ResponseHeader)
}

func (f *ServiceFault) Decode(d codec.Decoder) error {
	return d.GetStructure("ResponseHeader", &f.ResponseHeader)
}

// AsError converts the fault to a status error matching ua.ErrServiceFault.
func (f *ServiceFault) AsError() error {
	code := f.ResponseHeader.ServiceResult
	if code.IsGood() {
		code = ua.StatusBadUnexpectedError
	}
	reason := "service fault"
	if d := f.ResponseHeader.ServiceDiagnostics; d != nil && d.Mask&ua.DiagnosticHasAdditionalInfo != 0 {
		reason = d.AdditionalInfo
	} else if len(f.ResponseHeader.StringTable) > 0 {
		reason = f.ResponseHeader.StringTable[0]
	}
	return ua.NewStatusError(ua.ErrServiceFault, code, "%s", reason)
}
