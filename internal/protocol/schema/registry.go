package schema

import (
	"github.com/danmuck/uastack/internal/protocol/codec"
	"github.com/danmuck/uastack/internal/protocol/ua"
)

// Standard namespace-0 ids: type, XML encoding, binary encoding.
const (
	IDRequestHeader                  uint32 = 389
	IDResponseHeader                 uint32 = 392
	IDServiceFault                   uint32 = 395
	IDChannelSecurityToken           uint32 = 441
	IDOpenSecureChannelRequest       uint32 = 444
	IDOpenSecureChannelResponse      uint32 = 447
	IDCloseSecureChannelRequest      uint32 = 450
	IDCloseSecureChannelResponse     uint32 = 453
	BinaryRequestHeader              uint32 = 391
	BinaryResponseHeader             uint32 = 394
	BinaryServiceFault               uint32 = 397
	BinaryChannelSecurityToken       uint32 = 443
	BinaryOpenSecureChannelRequest   uint32 = 446
	BinaryOpenSecureChannelResponse  uint32 = 449
	BinaryCloseSecureChannelRequest  uint32 = 452
	BinaryCloseSecureChannelResponse uint32 = 455
)

func entry(name string, typeID, binaryID uint32, newFn func() codec.Structure) codec.TypeEntry {
	return codec.TypeEntry{
		Name:             name,
		TypeID:           ua.NewNumericNodeID(0, typeID),
		BinaryEncodingID: ua.NewNumericNodeID(0, binaryID),
		XMLEncodingID:    ua.NewNumericNodeID(0, typeID+1),
		New:              newFn,
	}
}

// table is the static registry content. Headers are registered so they can
// ride in AdditionalHeader slots.
var table = []codec.TypeEntry{
	entry("RequestHeader", IDRequestHeader, BinaryRequestHeader, func() codec.Structure { return &RequestHeader{} }),
	entry("ResponseHeader", IDResponseHeader, BinaryResponseHeader, func() codec.Structure { return &ResponseHeader{} }),
	entry("ServiceFault", IDServiceFault, BinaryServiceFault, func() codec.Structure { return &ServiceFault{} }),
	entry("ChannelSecurityToken", IDChannelSecurityToken, BinaryChannelSecurityToken, func() codec.Structure { return &ChannelSecurityToken{} }),
	entry("OpenSecureChannelRequest", IDOpenSecureChannelRequest, BinaryOpenSecureChannelRequest, func() codec.Structure { return &OpenSecureChannelRequest{} }),
	entry("OpenSecureChannelResponse", IDOpenSecureChannelResponse, BinaryOpenSecureChannelResponse, func() codec.Structure { return &OpenSecureChannelResponse{} }),
	entry("CloseSecureChannelRequest", IDCloseSecureChannelRequest, BinaryCloseSecureChannelRequest, func() codec.Structure { return &CloseSecureChannelRequest{} }),
	entry("CloseSecureChannelResponse", IDCloseSecureChannelResponse, BinaryCloseSecureChannelResponse, func() codec.Structure { return &CloseSecureChannelResponse{} }),
}

// Table returns a copy of the static entries so callers can register them in
// a registry of their own alongside application types.
func Table() []codec.TypeEntry {
	out := make([]codec.TypeEntry, len(table))
	copy(out, table)
	return out
}

// NewRegistry returns a registry holding every channel-level structure.
func NewRegistry() *codec.Registry {
	return codec.NewRegistry().MustRegister(table...)
}
