package ua

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BuiltinType is the OPC UA built-in type id used by Variant encoding.
type BuiltinType uint8

const (
	TypeNull BuiltinType = iota
	TypeBoolean
	TypeSByte
	TypeByte
	TypeInt16
	TypeUInt16
	TypeInt32
	TypeUInt32
	TypeInt64
	TypeUInt64
	TypeFloat
	TypeDouble
	TypeString
	TypeDateTime
	TypeGUID
	TypeByteString
	TypeXMLElement
	TypeNodeID
	TypeExpandedNodeID
	TypeStatusCode
	TypeQualifiedName
	TypeLocalizedText
	TypeExtensionObject
	TypeDataValue
	TypeVariant
	TypeDiagnosticInfo
)

var builtinNames = [...]string{
	"Null", "Boolean", "SByte", "Byte", "Int16", "UInt16", "Int32", "UInt32", "Int64", "UInt64",
	"Float", "Double", "String", "DateTime", "Guid", "ByteString", "XmlElement", "NodeId",
	"ExpandedNodeId", "StatusCode", "QualifiedName", "LocalizedText", "ExtensionObject",
	"DataValue", "Variant", "DiagnosticInfo",
}

func (t BuiltinType) String() string {
	if int(t) < len(builtinNames) {
		return builtinNames[t]
	}
	return fmt.Sprintf("BuiltinType(%d)", uint8(t))
}

// Valid reports whether t is a defined built-in type id.
func (t BuiltinType) Valid() bool { return t <= TypeDiagnosticInfo }

// XMLElement is an XML fragment carried as UTF-8 bytes. nil is the null element.
type XMLElement []byte

// QualifiedName is a name qualified by a namespace index.
type QualifiedName struct {
	NamespaceIndex uint16
	Name           string
}

// LocalizedText is human readable text with an optional locale. Empty fields
// are omitted on the wire.
type LocalizedText struct {
	Locale string
	Text   string
}

// DataValue encoding mask bits.
const (
	DataValueHasValue             byte = 0x01
	DataValueHasStatus            byte = 0x02
	DataValueHasSourceTimestamp   byte = 0x04
	DataValueHasServerTimestamp   byte = 0x08
	DataValueHasSourcePicoseconds byte = 0x10
	DataValueHasServerPicoseconds byte = 0x20
)

// DataValue is a value with status and timestamps. Zero fields are absent.
type DataValue struct {
	Value             Variant
	Status            StatusCode
	SourceTimestamp   time.Time
	SourcePicoseconds uint16
	ServerTimestamp   time.Time
	ServerPicoseconds uint16
}

// EncodingMask derives the wire mask from the populated fields.
func (d DataValue) EncodingMask() byte {
	var m byte
	if d.Value.Type != TypeNull {
		m |= DataValueHasValue
	}
	if d.Status != StatusGood {
		m |= DataValueHasStatus
	}
	if !d.SourceTimestamp.IsZero() {
		m |= DataValueHasSourceTimestamp
	}
	if !d.ServerTimestamp.IsZero() {
		m |= DataValueHasServerTimestamp
	}
	if d.SourcePicoseconds != 0 {
		m |= DataValueHasSourcePicoseconds
	}
	if d.ServerPicoseconds != 0 {
		m |= DataValueHasServerPicoseconds
	}
	return m
}

// Variant mask bits.
const (
	VariantTypeMask      byte = 0x3F
	VariantHasDimensions byte = 0x40
	VariantIsArray       byte = 0x80
)

// Variant holds any built-in scalar or array value.
//
// Scalars hold the Go type matching Type (bool, int8, byte, ..., time.Time,
// uuid.UUID, []byte for ByteString, XMLElement, NodeID, ...). Arrays hold a
// slice of that type and []Variant for Variant arrays. ExtensionObject values
// are codec structures. DiagnosticInfo arrays hold pointers. Dimensions is
// only meaningful for arrays.
type Variant struct {
	Type       BuiltinType
	Array      bool
	Value      any
	Dimensions []int32
}

// NewVariant infers the built-in type of v. []byte maps to a ByteString
// scalar; build Byte arrays explicitly with Type: TypeByte, Array: true.
func NewVariant(v any) (Variant, error) {
	switch x := v.(type) {
	case nil:
		return Variant{}, nil
	case bool:
		return Variant{Type: TypeBoolean, Value: x}, nil
	case int8:
		return Variant{Type: TypeSByte, Value: x}, nil
	case byte:
		return Variant{Type: TypeByte, Value: x}, nil
	case int16:
		return Variant{Type: TypeInt16, Value: x}, nil
	case uint16:
		return Variant{Type: TypeUInt16, Value: x}, nil
	case int32:
		return Variant{Type: TypeInt32, Value: x}, nil
	case uint32:
		return Variant{Type: TypeUInt32, Value: x}, nil
	case int64:
		return Variant{Type: TypeInt64, Value: x}, nil
	case uint64:
		return Variant{Type: TypeUInt64, Value: x}, nil
	case float32:
		return Variant{Type: TypeFloat, Value: x}, nil
	case float64:
		return Variant{Type: TypeDouble, Value: x}, nil
	case string:
		return Variant{Type: TypeString, Value: x}, nil
	case time.Time:
		return Variant{Type: TypeDateTime, Value: x}, nil
	case uuid.UUID:
		return Variant{Type: TypeGUID, Value: x}, nil
	case []byte:
		return Variant{Type: TypeByteString, Value: x}, nil
	case XMLElement:
		return Variant{Type: TypeXMLElement, Value: x}, nil
	case NodeID:
		return Variant{Type: TypeNodeID, Value: x}, nil
	case ExpandedNodeID:
		return Variant{Type: TypeExpandedNodeID, Value: x}, nil
	case StatusCode:
		return Variant{Type: TypeStatusCode, Value: x}, nil
	case QualifiedName:
		return Variant{Type: TypeQualifiedName, Value: x}, nil
	case LocalizedText:
		return Variant{Type: TypeLocalizedText, Value: x}, nil
	case DataValue:
		return Variant{Type: TypeDataValue, Value: x}, nil
	case DiagnosticInfo:
		return Variant{Type: TypeDiagnosticInfo, Value: x}, nil
	case *DiagnosticInfo:
		return Variant{Type: TypeDiagnosticInfo, Value: x}, nil
	case []bool:
		return Variant{Type: TypeBoolean, Array: true, Value: x}, nil
	case []int8:
		return Variant{Type: TypeSByte, Array: true, Value: x}, nil
	case []int16:
		return Variant{Type: TypeInt16, Array: true, Value: x}, nil
	case []uint16:
		return Variant{Type: TypeUInt16, Array: true, Value: x}, nil
	case []int32:
		return Variant{Type: TypeInt32, Array: true, Value: x}, nil
	case []uint32:
		return Variant{Type: TypeUInt32, Array: true, Value: x}, nil
	case []int64:
		return Variant{Type: TypeInt64, Array: true, Value: x}, nil
	case []uint64:
		return Variant{Type: TypeUInt64, Array: true, Value: x}, nil
	case []float32:
		return Variant{Type: TypeFloat, Array: true, Value: x}, nil
	case []float64:
		return Variant{Type: TypeDouble, Array: true, Value: x}, nil
	case []string:
		return Variant{Type: TypeString, Array: true, Value: x}, nil
	case []time.Time:
		return Variant{Type: TypeDateTime, Array: true, Value: x}, nil
	case []uuid.UUID:
		return Variant{Type: TypeGUID, Array: true, Value: x}, nil
	case [][]byte:
		return Variant{Type: TypeByteString, Array: true, Value: x}, nil
	case []XMLElement:
		return Variant{Type: TypeXMLElement, Array: true, Value: x}, nil
	case []NodeID:
		return Variant{Type: TypeNodeID, Array: true, Value: x}, nil
	case []ExpandedNodeID:
		return Variant{Type: TypeExpandedNodeID, Array: true, Value: x}, nil
	case []StatusCode:
		return Variant{Type: TypeStatusCode, Array: true, Value: x}, nil
	case []QualifiedName:
		return Variant{Type: TypeQualifiedName, Array: true, Value: x}, nil
	case []LocalizedText:
		return Variant{Type: TypeLocalizedText, Array: true, Value: x}, nil
	case []DataValue:
		return Variant{Type: TypeDataValue, Array: true, Value: x}, nil
	case []Variant:
		return Variant{Type: TypeVariant, Array: true, Value: x}, nil
	case []*DiagnosticInfo:
		return Variant{Type: TypeDiagnosticInfo, Array: true, Value: x}, nil
	}
	return Variant{}, fmt.Errorf("ua: no built-in type for %T", v)
}

// MustVariant is NewVariant for values known to be supported.
func MustVariant(v any) Variant {
	out, err := NewVariant(v)
	if err != nil {
		panic(err)
	}
	return out
}

// DiagnosticInfo encoding mask bits.
const (
	DiagnosticHasSymbolicID          byte = 0x01
	DiagnosticHasNamespaceURI        byte = 0x02
	DiagnosticHasLocalizedText       byte = 0x04
	DiagnosticHasLocale              byte = 0x08
	DiagnosticHasAdditionalInfo      byte = 0x10
	DiagnosticHasInnerStatusCode     byte = 0x20
	DiagnosticHasInnerDiagnosticInfo byte = 0x40
)

// DiagnosticInfo is a chained record of string-table indices and detail text.
// Mask records which fields are present on the wire.
type DiagnosticInfo struct {
	Mask                byte
	SymbolicID          int32
	NamespaceURI        int32
	LocalizedText       int32
	Locale              int32
	AdditionalInfo      string
	InnerStatusCode     StatusCode
	InnerDiagnosticInfo *DiagnosticInfo
}

// Depth counts the records in the inner chain, including d.
func (d *DiagnosticInfo) Depth() int {
	n := 0
	for cur := d; cur != nil; cur = cur.InnerDiagnosticInfo {
		n++
	}
	return n
}
