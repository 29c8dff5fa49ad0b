package codec

import (
	"errors"
	"time"

	"github.com/danmuck/uastack/internal/protocol/ua"
	"github.com/google/uuid"
)

// ExtensionObject body encodings.
const (
	ExtensionObjectNone   byte = 0x00
	ExtensionObjectBinary byte = 0x01
	ExtensionObjectXML    byte = 0x02
)

var ErrOpaqueInline = errors.New("codec: opaque extension object has no inline field form")

// Structure is a type that encodes itself field by field.
type Structure interface {
	Encode(Encoder) error
	Decode(Decoder) error
}

// Encoder writes named fields. The field name is advisory; the binary form
// ignores it.
type Encoder interface {
	Context() *Context

	PutBoolean(field string, v bool) error
	PutBooleanArray(field string, v []bool) error
	PutSByte(field string, v int8) error
	PutSByteArray(field string, v []int8) error
	PutByte(field string, v byte) error
	PutByteArray(field string, v []byte) error
	PutInt16(field string, v int16) error
	PutInt16Array(field string, v []int16) error
	PutUInt16(field string, v uint16) error
	PutUInt16Array(field string, v []uint16) error
	PutInt32(field string, v int32) error
	PutInt32Array(field string, v []int32) error
	PutUInt32(field string, v uint32) error
	PutUInt32Array(field string, v []uint32) error
	PutInt64(field string, v int64) error
	PutInt64Array(field string, v []int64) error
	PutUInt64(field string, v uint64) error
	PutUInt64Array(field string, v []uint64) error
	PutFloat(field string, v float32) error
	PutFloatArray(field string, v []float32) error
	PutDouble(field string, v float64) error
	PutDoubleArray(field string, v []float64) error
	PutString(field string, v string) error
	PutNullString(field string) error
	PutStringArray(field string, v []string) error
	PutDateTime(field string, v time.Time) error
	PutDateTimeArray(field string, v []time.Time) error
	PutGUID(field string, v uuid.UUID) error
	PutGUIDArray(field string, v []uuid.UUID) error
	PutByteString(field string, v []byte) error
	PutByteStringArray(field string, v [][]byte) error
	PutXMLElement(field string, v ua.XMLElement) error
	PutXMLElementArray(field string, v []ua.XMLElement) error
	PutNodeID(field string, v ua.NodeID) error
	PutNodeIDArray(field string, v []ua.NodeID) error
	PutExpandedNodeID(field string, v ua.ExpandedNodeID) error
	PutExpandedNodeIDArray(field string, v []ua.ExpandedNodeID) error
	PutStatusCode(field string, v ua.StatusCode) error
	PutStatusCodeArray(field string, v []ua.StatusCode) error
	PutQualifiedName(field string, v ua.QualifiedName) error
	PutQualifiedNameArray(field string, v []ua.QualifiedName) error
	PutLocalizedText(field string, v ua.LocalizedText) error
	PutLocalizedTextArray(field string, v []ua.LocalizedText) error
	PutStructure(field string, v Structure) error
	PutStructureArray(field string, v []Structure) error
	PutExtensionObject(field string, v Structure) error
	PutExtensionObjectArray(field string, v []Structure) error
	PutDataValue(field string, v ua.DataValue) error
	PutDataValueArray(field string, v []ua.DataValue) error
	PutVariant(field string, v ua.Variant) error
	PutVariantArray(field string, v []ua.Variant) error
	PutDiagnosticInfo(field string, v *ua.DiagnosticInfo) error
	PutDiagnosticInfoArray(field string, v []*ua.DiagnosticInfo) error
	PutEnumeration(field string, v int32) error
	PutEnumerationArray(field string, v []int32) error
}

// Decoder mirrors Encoder. Null arrays decode to nil slices, empty arrays to
// empty non-nil slices.
type Decoder interface {
	Context() *Context

	GetBoolean(field string) (bool, error)
	GetBooleanArray(field string) ([]bool, error)
	GetSByte(field string) (int8, error)
	GetSByteArray(field string) ([]int8, error)
	GetByte(field string) (byte, error)
	GetByteArray(field string) ([]byte, error)
	GetInt16(field string) (int16, error)
	GetInt16Array(field string) ([]int16, error)
	GetUInt16(field string) (uint16, error)
	GetUInt16Array(field string) ([]uint16, error)
	GetInt32(field string) (int32, error)
	GetInt32Array(field string) ([]int32, error)
	GetUInt32(field string) (uint32, error)
	GetUInt32Array(field string) ([]uint32, error)
	GetInt64(field string) (int64, error)
	GetInt64Array(field string) ([]int64, error)
	GetUInt64(field string) (uint64, error)
	GetUInt64Array(field string) ([]uint64, error)
	GetFloat(field string) (float32, error)
	GetFloatArray(field string) ([]float32, error)
	GetDouble(field string) (float64, error)
	GetDoubleArray(field string) ([]float64, error)
	GetString(field string) (string, error)
	GetNullableString(field string) (s string, isNull bool, err error)
	GetStringArray(field string) ([]string, error)
	GetDateTime(field string) (time.Time, error)
	GetDateTimeArray(field string) ([]time.Time, error)
	GetGUID(field string) (uuid.UUID, error)
	GetGUIDArray(field string) ([]uuid.UUID, error)
	GetByteString(field string) ([]byte, error)
	GetByteStringArray(field string) ([][]byte, error)
	GetXMLElement(field string) (ua.XMLElement, error)
	GetXMLElementArray(field string) ([]ua.XMLElement, error)
	GetNodeID(field string) (ua.NodeID, error)
	GetNodeIDArray(field string) ([]ua.NodeID, error)
	GetExpandedNodeID(field string) (ua.ExpandedNodeID, error)
	GetExpandedNodeIDArray(field string) ([]ua.ExpandedNodeID, error)
	GetStatusCode(field string) (ua.StatusCode, error)
	GetStatusCodeArray(field string) ([]ua.StatusCode, error)
	GetQualifiedName(field string) (ua.QualifiedName, error)
	GetQualifiedNameArray(field string) ([]ua.QualifiedName, error)
	GetLocalizedText(field string) (ua.LocalizedText, error)
	GetLocalizedTextArray(field string) ([]ua.LocalizedText, error)
	GetStructure(field string, into Structure) error
	GetStructureArray(field string, newElem func() Structure) ([]Structure, error)
	GetExtensionObject(field string) (Structure, error)
	GetExtensionObjectArray(field string) (StructureArray, error)
	GetDataValue(field string) (ua.DataValue, error)
	GetDataValueArray(field string) ([]ua.DataValue, error)
	GetVariant(field string) (ua.Variant, error)
	GetVariantArray(field string) ([]ua.Variant, error)
	GetDiagnosticInfo(field string) (*ua.DiagnosticInfo, error)
	GetDiagnosticInfoArray(field string) ([]*ua.DiagnosticInfo, error)
	GetEnumeration(field string, def *EnumDefinition) (Enumerant, error)
	GetEnumerationArray(field string, def *EnumDefinition) ([]Enumerant, error)
}

// Opaque is an extension object whose encoding id is not registered, or whose
// body is XML. It is written back exactly as it was read.
type Opaque struct {
	TypeID   ua.NodeID
	Encoding byte
	Body     []byte
}

func (o *Opaque) Encode(Encoder) error { return ErrOpaqueInline }
func (o *Opaque) Decode(Decoder) error { return ErrOpaqueInline }

// BaseStructureType is the element type of arrays whose members share no
// more specific registered ancestor.
const BaseStructureType = "Structure"

// StructureArray is a decoded extension object array narrowed to the most
// specific type shared by its elements.
type StructureArray struct {
	ElementType string
	Values      []Structure
}

// Encode writes s inline using a fresh binary encoder.
func Encode(ctx *Context, s Structure) ([]byte, error) {
	e := NewBinaryEncoder(ctx)
	if err := e.PutStructure("", s); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// Decode reads into s from b. Trailing bytes are a decoding error.
func Decode(ctx *Context, b []byte, into Structure) error {
	d, err := NewBinaryDecoder(ctx, b)
	if err != nil {
		return err
	}
	if err := d.GetStructure("", into); err != nil {
		return err
	}
	if d.Remaining() != 0 {
		return ua.DecodingError("%d trailing bytes after structure", d.Remaining())
	}
	return nil
}

// EncodeExtensionObject writes s with its registered binary encoding id.
func EncodeExtensionObject(ctx *Context, s Structure) ([]byte, error) {
	e := NewBinaryEncoder(ctx)
	if err := e.PutExtensionObject("", s); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// DecodeExtensionObject reads one extension object from b.
func DecodeExtensionObject(ctx *Context, b []byte) (Structure, error) {
	d, err := NewBinaryDecoder(ctx, b)
	if err != nil {
		return nil, err
	}
	s, err := d.GetExtensionObject("")
	if err != nil {
		return nil, err
	}
	if d.Remaining() != 0 {
		return nil, ua.DecodingError("%d trailing bytes after extension object", d.Remaining())
	}
	return s, nil
}
