package schema

import (
	"fmt"

	"github.com/danmuck/uastack/internal/protocol/codec"
	"github.com/danmuck/uastack/internal/protocol/ua"
)

// SecurityTokenRequestType selects between issuing a first token and renewing.
type SecurityTokenRequestType int32

const (
	RequestTypeIssue SecurityTokenRequestType = 0
	RequestTypeRenew SecurityTokenRequestType = 1
)

func (t SecurityTokenRequestType) String() string {
	if m, ok := SecurityTokenRequestTypeEnum.Lookup(int32(t)); ok {
		return m.Name
	}
	return fmt.Sprintf("SecurityTokenRequestType(%d)", int32(t))
}

var SecurityTokenRequestTypeEnum = codec.NewEnumDefinition("SecurityTokenRequestType",
	codec.Enumerant{Name: "Issue", Value: int32(RequestTypeIssue)},
	codec.Enumerant{Name: "Renew", Value: int32(RequestTypeRenew)},
)

var MessageSecurityModeEnum = codec.NewEnumDefinition("MessageSecurityMode",
	codec.Enumerant{Name: "Invalid", Value: int32(ua.MessageSecurityModeInvalid)},
	codec.Enumerant{Name: "None", Value: int32(ua.MessageSecurityModeNone)},
	codec.Enumerant{Name: "Sign", Value: int32(ua.MessageSecurityModeSign)},
	codec.Enumerant{Name: "SignAndEncrypt", Value: int32(ua.MessageSecurityModeSignAndEncrypt)},
)
