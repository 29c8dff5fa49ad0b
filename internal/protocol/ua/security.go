package ua

import "fmt"

// SecurityPolicyNone is the only policy this stack speaks without a crypto
// provider.
const SecurityPolicyNone = "http://opcfoundation.org/UA/SecurityPolicy#None"

// MessageSecurityMode is the protection applied to symmetric chunks.
type MessageSecurityMode int32

const (
	MessageSecurityModeInvalid        MessageSecurityMode = 0
	MessageSecurityModeNone           MessageSecurityMode = 1
	MessageSecurityModeSign           MessageSecurityMode = 2
	MessageSecurityModeSignAndEncrypt MessageSecurityMode = 3
)

func (m MessageSecurityMode) String() string {
	switch m {
	case MessageSecurityModeInvalid:
		return "Invalid"
	case MessageSecurityModeNone:
		return "None"
	case MessageSecurityModeSign:
		return "Sign"
	case MessageSecurityModeSignAndEncrypt:
		return "SignAndEncrypt"
	}
	return fmt.Sprintf("MessageSecurityMode(%d)", int32(m))
}
