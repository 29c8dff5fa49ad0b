package schema

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/uastack/internal/protocol/codec"
	"github.com/danmuck/uastack/internal/protocol/ua"
	"github.com/danmuck/uastack/internal/testutil/testlog"
)

func testContext() *codec.Context { return codec.NewContext(NewRegistry()) }

func TestRegistryEncodingIDs(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	cases := []struct {
		v  codec.Structure
		id uint32
	}{
		{&OpenSecureChannelRequest{}, 446},
		{&OpenSecureChannelResponse{}, 449},
		{&CloseSecureChannelRequest{}, 452},
		{&CloseSecureChannelResponse{}, 455},
		{&ServiceFault{}, 397},
		{&ChannelSecurityToken{}, 443},
	}
	for _, tc := range cases {
		id, ok := reg.IDOf(tc.v, codec.EncodingBinary)
		if !ok || !id.Equal(ua.NewNumericNodeID(0, tc.id)) {
			t.Fatalf("%T: got %v ok=%v want i=%d", tc.v, id, ok, tc.id)
		}
	}
	if len(Table()) != len(reg.Types()) {
		t.Fatalf("table has %d entries, registry %d", len(Table()), len(reg.Types()))
	}
}

func TestOpenSecureChannelRequestRoundTrip(t *testing.T) {
	testlog.Start(t)
	ctx := testContext()
	in := &OpenSecureChannelRequest{
		RequestHeader: RequestHeader{
			Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC),
			RequestHandle: 17,
			TimeoutHint:   5000,
			AuditEntryID:  "audit-1",
		},
		ClientProtocolVersion: 0,
		RequestType:           RequestTypeRenew,
		SecurityMode:          ua.MessageSecurityModeNone,
		ClientNonce:           []byte{},
		RequestedLifetime:     600000,
	}
	raw, err := codec.EncodeExtensionObject(ctx, in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Four-byte node id form: 0x01, namespace 0, id 446.
	if !bytes.Equal(raw[:4], []byte{0x01, 0x00, 0xBE, 0x01}) || raw[4] != codec.ExtensionObjectBinary {
		t.Fatalf("extension object prefix % X", raw[:5])
	}
	if n := binary.LittleEndian.Uint32(raw[5:9]); int(n) != len(raw)-9 {
		t.Fatalf("body length %d, have %d", n, len(raw)-9)
	}

	s, err := codec.DecodeExtensionObject(ctx, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, ok := s.(*OpenSecureChannelRequest)
	if !ok {
		t.Fatalf("decoded %T", s)
	}
	if !out.RequestHeader.Timestamp.Equal(in.RequestHeader.Timestamp) ||
		out.RequestHeader.RequestHandle != 17 ||
		out.RequestHeader.AuditEntryID != "audit-1" ||
		out.RequestType != RequestTypeRenew ||
		out.SecurityMode != ua.MessageSecurityModeNone ||
		out.RequestedLifetime != 600000 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.ClientNonce == nil || len(out.ClientNonce) != 0 {
		t.Fatalf("empty nonce must stay empty, got %v", out.ClientNonce)
	}
	if out.RequestHeader.AdditionalHeader != nil {
		t.Fatalf("null additional header decoded as %T", out.RequestHeader.AdditionalHeader)
	}
}

func TestOpenSecureChannelResponseRoundTrip(t *testing.T) {
	testlog.Start(t)
	ctx := testContext()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &OpenSecureChannelResponse{
		ResponseHeader: ResponseHeader{
			Timestamp:     created,
			RequestHandle: 3,
			StringTable:   []string{"a", "b"},
		},
		SecurityToken: ChannelSecurityToken{ChannelID: 9, TokenID: 2, CreatedAt: created, RevisedLifetime: 60000},
		ServerNonce:   nil,
	}
	raw, err := codec.EncodeExtensionObject(ctx, in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s, err := codec.DecodeExtensionObject(ctx, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out := s.(*OpenSecureChannelResponse)
	if out.SecurityToken.ChannelID != 9 || out.SecurityToken.TokenID != 2 || out.SecurityToken.Lifetime() != time.Minute {
		t.Fatalf("token: %+v", out.SecurityToken)
	}
	if !out.SecurityToken.CreatedAt.Equal(created) {
		t.Fatalf("created at %v", out.SecurityToken.CreatedAt)
	}
	if out.ServerNonce != nil {
		t.Fatalf("null nonce must stay null")
	}
	if len(out.ResponseHeader.StringTable) != 2 || out.ResponseHeader.ServiceDiagnostics != nil {
		t.Fatalf("header: %+v", out.ResponseHeader)
	}
	if err := Validate(out); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestServiceFaultCarriesStatus(t *testing.T) {
	testlog.Start(t)
	ctx := testContext()
	fault := &ServiceFault{ResponseHeader: ResponseHeader{
		RequestHandle:      5,
		ServiceResult:      ua.StatusBadServiceUnsupported,
		ServiceDiagnostics: &ua.DiagnosticInfo{Mask: ua.DiagnosticHasSymbolicID, SymbolicID: 0},
		StringTable:        []string{"no handler"},
	}}
	raw, err := codec.EncodeExtensionObject(ctx, fault)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s, err := codec.DecodeExtensionObject(ctx, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := s.(*ServiceFault)
	if !ok {
		t.Fatalf("decoded %T", s)
	}
	ferr := got.AsError()
	if !errors.Is(ferr, ua.ErrServiceFault) || ua.StatusOf(ferr) != ua.StatusBadServiceUnsupported {
		t.Fatalf("fault error: %v", ferr)
	}
	if got.ResponseHeader.ServiceDiagnostics == nil {
		t.Fatalf("diagnostics lost")
	}
}

func TestEnumerationRejectsUnknownMember(t *testing.T) {
	testlog.Start(t)
	ctx := testContext()
	raw, err := codec.Encode(ctx, &OpenSecureChannelRequest{RequestType: SecurityTokenRequestType(7), SecurityMode: ua.MessageSecurityModeNone})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out OpenSecureChannelRequest
	if err := codec.Decode(ctx, raw, &out); !errors.Is(err, ua.ErrDecoding) {
		t.Fatalf("expected decoding error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name  string
		msg   codec.Structure
		field string
	}{
		{"invalid mode", &OpenSecureChannelRequest{SecurityMode: ua.MessageSecurityModeInvalid}, "SecurityMode"},
		{"unknown request type", &OpenSecureChannelRequest{RequestType: 4, SecurityMode: ua.MessageSecurityModeNone}, "RequestType"},
		{"zero channel", &OpenSecureChannelResponse{SecurityToken: ChannelSecurityToken{TokenID: 1, RevisedLifetime: 1}}, "SecurityToken.ChannelId"},
		{"zero lifetime", &OpenSecureChannelResponse{SecurityToken: ChannelSecurityToken{ChannelID: 1, TokenID: 1}}, "SecurityToken.RevisedLifetime"},
		{"good fault", &ServiceFault{}, "ResponseHeader.ServiceResult"},
		{"unknown", &codec.Opaque{}, ""},
	}
	for _, tc := range cases {
		err := Validate(tc.msg)
		var ve ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected ValidationError, got %v", tc.name, err)
		}
		if ve.Field != tc.field {
			t.Fatalf("%s: field=%q want %q", tc.name, ve.Field, tc.field)
		}
	}
	if err := Validate(&CloseSecureChannelRequest{}); err != nil {
		t.Fatalf("close request: %v", err)
	}
	if err := Validate(&OpenSecureChannelRequest{SecurityMode: ua.MessageSecurityModeNone}); err != nil {
		t.Fatalf("issue request: %v", err)
	}
}
