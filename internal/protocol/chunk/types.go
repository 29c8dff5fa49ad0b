package chunk

import "fmt"

const (
	MessageTypeMask uint32 = 0x00FFFFFF
	ChunkRoleMask   uint32 = 0xFF000000
)

// MessageType is the three-byte ASCII tag in the low 24 bits of the header
// word.
type MessageType uint32

const (
	TypeMessage     MessageType = 'M' | 'S'<<8 | 'G'<<16
	TypeOpen        MessageType = 'O' | 'P'<<8 | 'N'<<16
	TypeClose       MessageType = 'C' | 'L'<<8 | 'S'<<16
	TypeHello       MessageType = 'H' | 'E'<<8 | 'L'<<16
	TypeAcknowledge MessageType = 'A' | 'C'<<8 | 'K'<<16
	TypeError       MessageType = 'E' | 'R'<<8 | 'R'<<16
)

func (t MessageType) String() string {
	switch t {
	case TypeMessage, TypeOpen, TypeClose, TypeHello, TypeAcknowledge, TypeError:
		return string([]byte{byte(t), byte(t >> 8), byte(t >> 16)})
	}
	return fmt.Sprintf("MessageType(0x%06X)", uint32(t))
}

// Secure reports whether chunks of t carry a secure channel id.
func (t MessageType) Secure() bool {
	return t == TypeMessage || t == TypeOpen || t == TypeClose
}

// Symmetric reports whether chunks of t use the symmetric security header.
func (t MessageType) Symmetric() bool {
	return t == TypeMessage || t == TypeClose
}

// Role is the chunk role byte in the top 8 bits of the header word.
type Role uint32

const (
	RoleFinal    Role = 'F' << 24
	RoleContinue Role = 'C' << 24
	RoleAbort    Role = 'A' << 24
)

func (r Role) String() string {
	switch r {
	case RoleFinal, RoleContinue, RoleAbort:
		return string(rune(r >> 24))
	}
	return fmt.Sprintf("Role(0x%02X)", uint32(r)>>24)
}

func (r Role) valid() bool { return r == RoleFinal || r == RoleContinue || r == RoleAbort }

// Word combines a message type and chunk role into a header word.
func Word(t MessageType, r Role) uint32 { return uint32(t) | uint32(r) }

// TypeOf extracts the message type of w.
func TypeOf(w uint32) MessageType { return MessageType(w & MessageTypeMask) }

func RoleOf(w uint32) Role { return Role(w & ChunkRoleMask) }

func IsFinal(w uint32) bool   { return RoleOf(w) == RoleFinal }
func Continues(w uint32) bool { return RoleOf(w) == RoleContinue }
func IsAbort(w uint32) bool   { return RoleOf(w) == RoleAbort }

func knownType(t MessageType) bool {
	switch t {
	case TypeMessage, TypeOpen, TypeClose, TypeHello, TypeAcknowledge, TypeError:
		return true
	}
	return false
}
