package ua

import "fmt"

// StatusCode is the 32-bit OPC UA result code.
type StatusCode uint32

const (
	StatusGood StatusCode = 0x00000000

	StatusBadUnexpectedError            StatusCode = 0x80010000
	StatusBadInternalError              StatusCode = 0x80020000
	StatusBadCommunicationError         StatusCode = 0x80050000
	StatusBadEncodingError              StatusCode = 0x80060000
	StatusBadDecodingError              StatusCode = 0x80070000
	StatusBadEncodingLimitsExceeded     StatusCode = 0x80080000
	StatusBadTimeout                    StatusCode = 0x800A0000
	StatusBadServiceUnsupported         StatusCode = 0x800B0000
	StatusBadShutdown                   StatusCode = 0x800C0000
	StatusBadCertificateInvalid         StatusCode = 0x80120000
	StatusBadSecurityChecksFailed       StatusCode = 0x80130000
	StatusBadSecureChannelIDInvalid     StatusCode = 0x80220000
	StatusBadRequestTypeInvalid         StatusCode = 0x80530000
	StatusBadSecurityModeRejected       StatusCode = 0x80540000
	StatusBadSecurityPolicyRejected     StatusCode = 0x80550000
	StatusBadRequestCancelledByClient   StatusCode = 0x802C0000
	StatusBadTypeMismatch               StatusCode = 0x80740000
	StatusBadTCPMessageTypeInvalid      StatusCode = 0x807E0000
	StatusBadTCPSecureChannelUnknown    StatusCode = 0x807F0000
	StatusBadTCPMessageTooLarge         StatusCode = 0x80800000
	StatusBadTCPNotEnoughResources      StatusCode = 0x80810000
	StatusBadTCPInternalError           StatusCode = 0x80820000
	StatusBadTCPEndpointURLInvalid      StatusCode = 0x80830000
	StatusBadRequestInterrupted         StatusCode = 0x80840000
	StatusBadRequestTimeout             StatusCode = 0x80850000
	StatusBadSecureChannelClosed        StatusCode = 0x80860000
	StatusBadSecureChannelTokenUnknown  StatusCode = 0x80870000
	StatusBadSequenceNumberInvalid      StatusCode = 0x80880000
	StatusBadProtocolVersionUnsupported StatusCode = 0x80BE0000
)

var statusNames = map[StatusCode]string{
	StatusGood:                          "Good",
	StatusBadUnexpectedError:            "BadUnexpectedError",
	StatusBadInternalError:              "BadInternalError",
	StatusBadCommunicationError:         "BadCommunicationError",
	StatusBadEncodingError:              "BadEncodingError",
	StatusBadDecodingError:              "BadDecodingError",
	StatusBadEncodingLimitsExceeded:     "BadEncodingLimitsExceeded",
	StatusBadTimeout:                    "BadTimeout",
	StatusBadServiceUnsupported:         "BadServiceUnsupported",
	StatusBadShutdown:                   "BadShutdown",
	StatusBadCertificateInvalid:         "BadCertificateInvalid",
	StatusBadSecurityChecksFailed:       "BadSecurityChecksFailed",
	StatusBadSecureChannelIDInvalid:     "BadSecureChannelIdInvalid",
	StatusBadRequestTypeInvalid:         "BadRequestTypeInvalid",
	StatusBadSecurityModeRejected:       "BadSecurityModeRejected",
	StatusBadSecurityPolicyRejected:     "BadSecurityPolicyRejected",
	StatusBadRequestCancelledByClient:   "BadRequestCancelledByClient",
	StatusBadTypeMismatch:               "BadTypeMismatch",
	StatusBadTCPMessageTypeInvalid:      "BadTcpMessageTypeInvalid",
	StatusBadTCPSecureChannelUnknown:    "BadTcpSecureChannelUnknown",
	StatusBadTCPMessageTooLarge:         "BadTcpMessageTooLarge",
	StatusBadTCPNotEnoughResources:      "BadTcpNotEnoughResources",
	StatusBadTCPInternalError:           "BadTcpInternalError",
	StatusBadTCPEndpointURLInvalid:      "BadTcpEndpointUrlInvalid",
	StatusBadRequestInterrupted:         "BadRequestInterrupted",
	StatusBadRequestTimeout:             "BadRequestTimeout",
	StatusBadSecureChannelClosed:        "BadSecureChannelClosed",
	StatusBadSecureChannelTokenUnknown:  "BadSecureChannelTokenUnknown",
	StatusBadSequenceNumberInvalid:      "BadSequenceNumberInvalid",
	StatusBadProtocolVersionUnsupported: "BadProtocolVersionUnsupported",
}

func (s StatusCode) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("0x%08X", uint32(s))
}

// IsGood reports whether the severity bits are Good.
func (s StatusCode) IsGood() bool { return uint32(s)&0xC0000000 == 0 }

// IsBad reports whether the severity bits are Bad.
func (s StatusCode) IsBad() bool { return uint32(s)&0x80000000 != 0 }
