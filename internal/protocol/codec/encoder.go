package codec

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/danmuck/uastack/internal/protocol/ua"
	"github.com/google/uuid"
)

// NodeId encoding forms.
const (
	nodeIDTwoByte    byte = 0x00
	nodeIDFourByte   byte = 0x01
	nodeIDNumeric    byte = 0x02
	nodeIDString     byte = 0x03
	nodeIDGUID       byte = 0x04
	nodeIDByteString byte = 0x05

	nodeIDFormMask          byte  = 0x3F
	expandedHasNamespaceURI byte  = 0x80
	expandedHasServerIndex  byte  = 0x40
	localizedTextHasLocale  byte  = 0x01
	localizedTextHasText    byte  = 0x02
	diagnosticKnownMaskBits byte  = 0x7F
	nullLength              int32 = -1
)

// BinaryEncoder appends the binary form of fields to an internal buffer.
type BinaryEncoder struct {
	ctx   *Context
	buf   []byte
	depth int
}

var _ Encoder = (*BinaryEncoder)(nil)

func NewBinaryEncoder(ctx *Context) *BinaryEncoder {
	if ctx == nil {
		ctx = NewContext(nil)
	}
	return &BinaryEncoder{ctx: ctx, buf: make([]byte, 0, 256)}
}

func (e *BinaryEncoder) Context() *Context { return e.ctx }

// Bytes returns the encoded buffer. It aliases the encoder's storage until
// the next Reset.
func (e *BinaryEncoder) Bytes() []byte { return e.buf }

func (e *BinaryEncoder) Len() int { return len(e.buf) }

func (e *BinaryEncoder) Reset() {
	e.buf = e.buf[:0]
	e.depth = 0
}

func (e *BinaryEncoder) reserve(n int) error {
	if max := e.ctx.Limits.MaxMessageSize; max > 0 && len(e.buf)+n > max {
		return ua.EncodeLimitError("message size %d exceeds %d", len(e.buf)+n, max)
	}
	return nil
}

func (e *BinaryEncoder) write(p ...byte) error {
	if err := e.reserve(len(p)); err != nil {
		return err
	}
	e.buf = append(e.buf, p...)
	return nil
}

func (e *BinaryEncoder) enter() error {
	e.depth++
	if max := e.ctx.Limits.MaxNestingDepth; max > 0 && e.depth > max {
		e.depth--
		return ua.EncodeLimitError("nesting depth exceeds %d", max)
	}
	return nil
}

func (e *BinaryEncoder) leave() { e.depth-- }

func (e *BinaryEncoder) checkLength(n, limit int, what string) error {
	if limit > 0 && n > limit {
		return ua.EncodeLimitError("%s length %d exceeds %d", what, n, limit)
	}
	if n > math.MaxInt32 {
		return ua.EncodingError("%s length %d does not fit a length prefix", what, n)
	}
	return nil
}

func putArray[T any](e *BinaryEncoder, field string, vs []T, put func(string, T) error) error {
	if vs == nil {
		return e.PutInt32(field, nullLength)
	}
	if err := e.checkLength(len(vs), e.ctx.Limits.MaxArrayLength, "array"); err != nil {
		return err
	}
	if err := e.PutInt32(field, int32(len(vs))); err != nil {
		return err
	}
	for _, v := range vs {
		if err := put(field, v); err != nil {
			return err
		}
	}
	return nil
}

func (e *BinaryEncoder) PutBoolean(_ string, v bool) error {
	if v {
		return e.write(1)
	}
	return e.write(0)
}

func (e *BinaryEncoder) PutSByte(_ string, v int8) error { return e.write(byte(v)) }
func (e *BinaryEncoder) PutByte(_ string, v byte) error  { return e.write(v) }

func (e *BinaryEncoder) PutInt16(f string, v int16) error { return e.PutUInt16(f, uint16(v)) }

func (e *BinaryEncoder) PutUInt16(_ string, v uint16) error {
	if err := e.reserve(2); err != nil {
		return err
	}
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
	return nil
}

func (e *BinaryEncoder) PutInt32(f string, v int32) error { return e.PutUInt32(f, uint32(v)) }

func (e *BinaryEncoder) PutUInt32(_ string, v uint32) error {
	if err := e.reserve(4); err != nil {
		return err
	}
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
	return nil
}

func (e *BinaryEncoder) PutInt64(f string, v int64) error { return e.PutUInt64(f, uint64(v)) }

func (e *BinaryEncoder) PutUInt64(_ string, v uint64) error {
	if err := e.reserve(8); err != nil {
		return err
	}
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
	return nil
}

func (e *BinaryEncoder) PutFloat(f string, v float32) error {
	return e.PutUInt32(f, math.Float32bits(v))
}

func (e *BinaryEncoder) PutDouble(f string, v float64) error {
	return e.PutUInt64(f, math.Float64bits(v))
}

// PutString writes v with a length prefix; "" is the empty string, not null.
func (e *BinaryEncoder) PutString(_ string, v string) error {
	if err := e.checkLength(len(v), e.ctx.Limits.MaxStringLength, "string"); err != nil {
		return err
	}
	if err := e.reserve(4 + len(v)); err != nil {
		return err
	}
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(v)))
	e.buf = append(e.buf, v...)
	return nil
}

func (e *BinaryEncoder) PutNullString(f string) error { return e.PutInt32(f, nullLength) }

func (e *BinaryEncoder) PutDateTime(f string, v time.Time) error {
	return e.PutInt64(f, TicksFromTime(v))
}

func (e *BinaryEncoder) PutGUID(_ string, v uuid.UUID) error {
	if err := e.reserve(16); err != nil {
		return err
	}
	e.buf = binary.LittleEndian.AppendUint32(e.buf, binary.BigEndian.Uint32(v[0:4]))
	e.buf = binary.LittleEndian.AppendUint16(e.buf, binary.BigEndian.Uint16(v[4:6]))
	e.buf = binary.LittleEndian.AppendUint16(e.buf, binary.BigEndian.Uint16(v[6:8]))
	e.buf = append(e.buf, v[8:]...)
	return nil
}

// PutByteString writes v with a length prefix; nil is null.
func (e *BinaryEncoder) PutByteString(f string, v []byte) error {
	if v == nil {
		return e.PutInt32(f, nullLength)
	}
	if err := e.checkLength(len(v), e.ctx.Limits.MaxStringLength, "byte string"); err != nil {
		return err
	}
	if err := e.reserve(4 + len(v)); err != nil {
		return err
	}
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(v)))
	e.buf = append(e.buf, v...)
	return nil
}

func (e *BinaryEncoder) PutXMLElement(f string, v ua.XMLElement) error {
	return e.PutByteString(f, []byte(v))
}

func (e *BinaryEncoder) PutNodeID(_ string, v ua.NodeID) error {
	return e.putNodeID(v, 0, true)
}

func (e *BinaryEncoder) putNodeID(id ua.NodeID, flags byte, mapNamespace bool) error {
	ns := id.Namespace
	switch {
	case flags&expandedHasNamespaceURI != 0:
		ns = 0
	case mapNamespace:
		mapped, err := e.ctx.encodeNamespace(ns)
		if err != nil {
			return err
		}
		ns = mapped
	}

	var hdr [7]byte
	switch id.Type {
	case ua.IDTypeNumeric:
		switch {
		case ns == 0 && id.Numeric <= 0xFF:
			return e.write(nodeIDTwoByte|flags, byte(id.Numeric))
		case ns <= 0xFF && id.Numeric <= 0xFFFF:
			return e.write(nodeIDFourByte|flags, byte(ns), byte(id.Numeric), byte(id.Numeric>>8))
		}
		hdr[0] = nodeIDNumeric | flags
		binary.LittleEndian.PutUint16(hdr[1:], ns)
		binary.LittleEndian.PutUint32(hdr[3:], id.Numeric)
		return e.write(hdr[:]...)
	case ua.IDTypeString:
		hdr[0] = nodeIDString | flags
	case ua.IDTypeGUID:
		hdr[0] = nodeIDGUID | flags
	case ua.IDTypeOpaque:
		hdr[0] = nodeIDByteString | flags
	default:
		return ua.EncodingError("node id type %d unknown", id.Type)
	}
	binary.LittleEndian.PutUint16(hdr[1:], ns)
	if err := e.write(hdr[:3]...); err != nil {
		return err
	}
	switch id.Type {
	case ua.IDTypeString:
		return e.PutString("", id.Text)
	case ua.IDTypeGUID:
		return e.PutGUID("", id.GUID)
	default:
		return e.PutByteString("", id.Opaque)
	}
}

func (e *BinaryEncoder) PutExpandedNodeID(_ string, v ua.ExpandedNodeID) error {
	var flags byte
	if v.NamespaceURI != "" {
		flags |= expandedHasNamespaceURI
	}
	if v.ServerIndex != 0 {
		flags |= expandedHasServerIndex
	}
	if err := e.putNodeID(v.NodeID, flags, true); err != nil {
		return err
	}
	if flags&expandedHasNamespaceURI != 0 {
		if err := e.PutString("", v.NamespaceURI); err != nil {
			return err
		}
	}
	if flags&expandedHasServerIndex != 0 {
		return e.PutUInt32("", v.ServerIndex)
	}
	return nil
}

func (e *BinaryEncoder) PutStatusCode(f string, v ua.StatusCode) error {
	return e.PutUInt32(f, uint32(v))
}

func (e *BinaryEncoder) PutQualifiedName(f string, v ua.QualifiedName) error {
	ns, err := e.ctx.encodeNamespace(v.NamespaceIndex)
	if err != nil {
		return err
	}
	if err := e.PutUInt16(f, ns); err != nil {
		return err
	}
	return e.PutString(f, v.Name)
}

func (e *BinaryEncoder) PutLocalizedText(f string, v ua.LocalizedText) error {
	var mask byte
	if v.Locale != "" {
		mask |= localizedTextHasLocale
	}
	if v.Text != "" {
		mask |= localizedTextHasText
	}
	if err := e.write(mask); err != nil {
		return err
	}
	if mask&localizedTextHasLocale != 0 {
		if err := e.PutString(f, v.Locale); err != nil {
			return err
		}
	}
	if mask&localizedTextHasText != 0 {
		return e.PutString(f, v.Text)
	}
	return nil
}

// PutStructure writes v's fields inline with no type id or length.
func (e *BinaryEncoder) PutStructure(_ string, v Structure) error {
	if v == nil {
		return ua.EncodingError("nil structure cannot be written inline")
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	return v.Encode(e)
}

// PutExtensionObject writes v's registered binary encoding id followed by its
// length-prefixed body. nil writes the null extension object.
func (e *BinaryEncoder) PutExtensionObject(_ string, v Structure) error {
	if v == nil {
		return e.write(nodeIDTwoByte, 0, ExtensionObjectNone)
	}
	if o, ok := v.(*Opaque); ok {
		return e.putOpaque(o)
	}
	id, ok := e.ctx.registry().IDOf(v, EncodingBinary)
	if !ok {
		return ua.EncodingError("structure %T has no registered binary encoding", v)
	}
	if err := e.putNodeID(id, 0, false); err != nil {
		return err
	}
	if err := e.write(ExtensionObjectBinary); err != nil {
		return err
	}
	if err := e.reserve(4); err != nil {
		return err
	}
	at := len(e.buf)
	e.buf = append(e.buf, 0, 0, 0, 0)
	if err := e.PutStructure("", v); err != nil {
		return err
	}
	n := len(e.buf) - at - 4
	if n > math.MaxInt32 {
		return ua.EncodingError("extension object body length %d does not fit a length prefix", n)
	}
	binary.LittleEndian.PutUint32(e.buf[at:], uint32(n))
	return nil
}

func (e *BinaryEncoder) putOpaque(o *Opaque) error {
	if err := e.putNodeID(o.TypeID, 0, false); err != nil {
		return err
	}
	if err := e.write(o.Encoding); err != nil {
		return err
	}
	if o.Encoding == ExtensionObjectNone {
		return nil
	}
	body := o.Body
	if body == nil {
		body = []byte{}
	}
	if err := e.reserve(4 + len(body)); err != nil {
		return err
	}
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(body)))
	e.buf = append(e.buf, body...)
	return nil
}

func (e *BinaryEncoder) PutDataValue(f string, v ua.DataValue) error {
	mask := v.EncodingMask()
	if err := e.write(mask); err != nil {
		return err
	}
	if mask&ua.DataValueHasValue != 0 {
		if err := e.PutVariant(f, v.Value); err != nil {
			return err
		}
	}
	if mask&ua.DataValueHasStatus != 0 {
		if err := e.PutStatusCode(f, v.Status); err != nil {
			return err
		}
	}
	if mask&ua.DataValueHasSourceTimestamp != 0 {
		if err := e.PutDateTime(f, v.SourceTimestamp); err != nil {
			return err
		}
	}
	if mask&ua.DataValueHasSourcePicoseconds != 0 {
		if err := e.PutUInt16(f, v.SourcePicoseconds); err != nil {
			return err
		}
	}
	if mask&ua.DataValueHasServerTimestamp != 0 {
		if err := e.PutDateTime(f, v.ServerTimestamp); err != nil {
			return err
		}
	}
	if mask&ua.DataValueHasServerPicoseconds != 0 {
		return e.PutUInt16(f, v.ServerPicoseconds)
	}
	return nil
}

func (e *BinaryEncoder) PutVariant(_ string, v ua.Variant) error {
	if !v.Type.Valid() {
		return ua.EncodingError("variant type %d unknown", uint8(v.Type))
	}
	if v.Type == ua.TypeNull {
		return e.write(0)
	}
	mask := byte(v.Type)
	if v.Array {
		mask |= ua.VariantIsArray
		if v.Dimensions != nil {
			mask |= ua.VariantHasDimensions
		}
	} else if v.Type == ua.TypeVariant {
		return ua.EncodingError("a scalar variant cannot hold a variant")
	}

	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	if err := e.write(mask); err != nil {
		return err
	}
	if !v.Array {
		return e.putVariantScalar(v.Type, v.Value)
	}
	if err := e.putVariantArray(v.Type, v.Value); err != nil {
		return err
	}
	if mask&ua.VariantHasDimensions != 0 {
		return e.PutInt32Array("", v.Dimensions)
	}
	return nil
}

func (e *BinaryEncoder) PutDiagnosticInfo(_ string, v *ua.DiagnosticInfo) error {
	return e.putDiagnosticInfo(v, 1)
}

func (e *BinaryEncoder) putDiagnosticInfo(v *ua.DiagnosticInfo, level int) error {
	if v == nil {
		return e.write(0)
	}
	if max := e.ctx.diagnosticDepth(); level > max {
		return ua.EncodeLimitError("diagnostic info nesting exceeds %d", max)
	}
	mask := v.Mask & diagnosticKnownMaskBits &^ ua.DiagnosticHasInnerDiagnosticInfo
	if v.InnerDiagnosticInfo != nil {
		mask |= ua.DiagnosticHasInnerDiagnosticInfo
	}
	if err := e.write(mask); err != nil {
		return err
	}
	ints := []struct {
		bit byte
		val int32
	}{
		{ua.DiagnosticHasSymbolicID, v.SymbolicID},
		{ua.DiagnosticHasNamespaceURI, v.NamespaceURI},
		{ua.DiagnosticHasLocale, v.Locale},
		{ua.DiagnosticHasLocalizedText, v.LocalizedText},
	}
	for _, f := range ints {
		if mask&f.bit != 0 {
			if err := e.PutInt32("", f.val); err != nil {
				return err
			}
		}
	}
	if mask&ua.DiagnosticHasAdditionalInfo != 0 {
		if err := e.PutString("", v.AdditionalInfo); err != nil {
			return err
		}
	}
	if mask&ua.DiagnosticHasInnerStatusCode != 0 {
		if err := e.PutStatusCode("", v.InnerStatusCode); err != nil {
			return err
		}
	}
	if mask&ua.DiagnosticHasInnerDiagnosticInfo != 0 {
		return e.putDiagnosticInfo(v.InnerDiagnosticInfo, level+1)
	}
	return nil
}

func (e *BinaryEncoder) PutEnumeration(f string, v int32) error { return e.PutInt32(f, v) }

func (e *BinaryEncoder) PutBooleanArray(f string, v []bool) error {
	return putArray(e, f, v, e.PutBoolean)
}
func (e *BinaryEncoder) PutSByteArray(f string, v []int8) error {
	return putArray(e, f, v, e.PutSByte)
}
func (e *BinaryEncoder) PutByteArray(f string, v []byte) error {
	return putArray(e, f, v, e.PutByte)
}
func (e *BinaryEncoder) PutInt16Array(f string, v []int16) error {
	return putArray(e, f, v, e.PutInt16)
}
func (e *BinaryEncoder) PutUInt16Array(f string, v []uint16) error {
	return putArray(e, f, v, e.PutUInt16)
}
func (e *BinaryEncoder) PutInt32Array(f string, v []int32) error {
	return putArray(e, f, v, e.PutInt32)
}
func (e *BinaryEncoder) PutUInt32Array(f string, v []uint32) error {
	return putArray(e, f, v, e.PutUInt32)
}
func (e *BinaryEncoder) PutInt64Array(f string, v []int64) error {
	return putArray(e, f, v, e.PutInt64)
}
func (e *BinaryEncoder) PutUInt64Array(f string, v []uint64) error {
	return putArray(e, f, v, e.PutUInt64)
}
func (e *BinaryEncoder) PutFloatArray(f string, v []float32) error {
	return putArray(e, f, v, e.PutFloat)
}
func (e *BinaryEncoder) PutDoubleArray(f string, v []float64) error {
	return putArray(e, f, v, e.PutDouble)
}
func (e *BinaryEncoder) PutStringArray(f string, v []string) error {
	return putArray(e, f, v, e.PutString)
}
func (e *BinaryEncoder) PutDateTimeArray(f string, v []time.Time) error {
	return putArray(e, f, v, e.PutDateTime)
}
func (e *BinaryEncoder) PutGUIDArray(f string, v []uuid.UUID) error {
	return putArray(e, f, v, e.PutGUID)
}
func (e *BinaryEncoder) PutByteStringArray(f string, v [][]byte) error {
	return putArray(e, f, v, e.PutByteString)
}
func (e *BinaryEncoder) PutXMLElementArray(f string, v []ua.XMLElement) error {
	return putArray(e, f, v, e.PutXMLElement)
}
func (e *BinaryEncoder) PutNodeIDArray(f string, v []ua.NodeID) error {
	return putArray(e, f, v, e.PutNodeID)
}
func (e *BinaryEncoder) PutExpandedNodeIDArray(f string, v []ua.ExpandedNodeID) error {
	return putArray(e, f, v, e.PutExpandedNodeID)
}
func (e *BinaryEncoder) PutStatusCodeArray(f string, v []ua.StatusCode) error {
	return putArray(e, f, v, e.PutStatusCode)
}
func (e *BinaryEncoder) PutQualifiedNameArray(f string, v []ua.QualifiedName) error {
	return putArray(e, f, v, e.PutQualifiedName)
}
func (e *BinaryEncoder) PutLocalizedTextArray(f string, v []ua.LocalizedText) error {
	return putArray(e, f, v, e.PutLocalizedText)
}
func (e *BinaryEncoder) PutStructureArray(f string, v []Structure) error {
	return putArray(e, f, v, e.PutStructure)
}
func (e *BinaryEncoder) PutExtensionObjectArray(f string, v []Structure) error {
	return putArray(e, f, v, e.PutExtensionObject)
}
func (e *BinaryEncoder) PutDataValueArray(f string, v []ua.DataValue) error {
	return putArray(e, f, v, e.PutDataValue)
}
func (e *BinaryEncoder) PutVariantArray(f string, v []ua.Variant) error {
	return putArray(e, f, v, e.PutVariant)
}
func (e *BinaryEncoder) PutDiagnosticInfoArray(f string, v []*ua.DiagnosticInfo) error {
	return putArray(e, f, v, e.PutDiagnosticInfo)
}
func (e *BinaryEncoder) PutEnumerationArray(f string, v []int32) error {
	return putArray(e, f, v, e.PutEnumeration)
}
