package schema

import (
	"fmt"

	"github.com/danmuck/uastack/internal/protocol/codec"
	"github.com/danmuck/uastack/internal/protocol/ua"
	"github.com/rs/zerolog/log"
)

type ValidationError struct {
	Message string
	Field   string
	Reason  string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: %s: %s", e.Message, e.Reason)
	}
	return fmt.Sprintf("schema: %s field=%s: %s", e.Message, e.Field, e.Reason)
}

// Validate checks the fields of a decoded channel message that the wire
// format cannot constrain. Types outside the static table are rejected.
func Validate(msg codec.Structure) error {
	err := validate(msg)
	if err != nil {
		log.Debug().Err(err).Msg("schema.Validate")
	}
	return err
}

func validate(msg codec.Structure) error {
	switch m := msg.(type) {
	case *OpenSecureChannelRequest:
		if _, ok := SecurityTokenRequestTypeEnum.Lookup(int32(m.RequestType)); !ok {
			return ValidationError{Message: "OpenSecureChannelRequest", Field: "RequestType", Reason: "unknown request type"}
		}
		if m.SecurityMode == ua.MessageSecurityModeInvalid {
			return ValidationError{Message: "OpenSecureChannelRequest", Field: "SecurityMode", Reason: "invalid security mode"}
		}
		if _, ok := MessageSecurityModeEnum.Lookup(int32(m.SecurityMode)); !ok {
			return ValidationError{Message: "OpenSecureChannelRequest", Field: "SecurityMode", Reason: "unknown security mode"}
		}
	case *OpenSecureChannelResponse:
		tok := m.SecurityToken
		switch {
		case tok.ChannelID == 0:
			return ValidationError{Message: "OpenSecureChannelResponse", Field: "SecurityToken.ChannelId", Reason: "zero channel id"}
		case tok.TokenID == 0:
			return ValidationError{Message: "OpenSecureChannelResponse", Field: "SecurityToken.TokenId", Reason: "zero token id"}
		case tok.RevisedLifetime == 0:
			return ValidationError{Message: "OpenSecureChannelResponse", Field: "SecurityToken.RevisedLifetime", Reason: "zero lifetime"}
		}
	case *ServiceFault:
		if !m.ResponseHeader.ServiceResult.IsBad() {
			return ValidationError{Message: "ServiceFault", Field: "ResponseHeader.ServiceResult", Reason: "fault without bad status"}
		}
	case *CloseSecureChannelRequest, *CloseSecureChannelResponse, *RequestHeader, *ResponseHeader, *ChannelSecurityToken:
	default:
		return ValidationError{Message: fmt.Sprintf("%T", msg), Reason: "unknown message type"}
	}
	return nil
}
