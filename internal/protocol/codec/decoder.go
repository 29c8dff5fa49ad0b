package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/danmuck/uastack/internal/protocol/ua"
	"github.com/google/uuid"
)

// BinaryDecoder reads fields from a byte slice.
type BinaryDecoder struct {
	ctx   *Context
	buf   []byte
	pos   int
	depth int
}

var _ Decoder = (*BinaryDecoder)(nil)

// NewBinaryDecoder refuses buffers larger than the context's message size
// ceiling.
func NewBinaryDecoder(ctx *Context, b []byte) (*BinaryDecoder, error) {
	if ctx == nil {
		ctx = NewContext(nil)
	}
	if max := ctx.Limits.MaxMessageSize; max > 0 && len(b) > max {
		return nil, ua.DecodeLimitError("message size %d exceeds %d", len(b), max)
	}
	return &BinaryDecoder{ctx: ctx, buf: b}, nil
}

func (d *BinaryDecoder) Context() *Context { return d.ctx }

func (d *BinaryDecoder) Remaining() int { return len(d.buf) - d.pos }

func (d *BinaryDecoder) Offset() int { return d.pos }

func (d *BinaryDecoder) read(n int) ([]byte, error) {
	if n < 0 || d.Remaining() < n {
		return nil, ua.DecodingError("need %d bytes at offset %d, have %d", n, d.pos, d.Remaining())
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *BinaryDecoder) enter() error {
	d.depth++
	if max := d.ctx.Limits.MaxNestingDepth; max > 0 && d.depth > max {
		d.depth--
		return ua.DecodeLimitError("nesting depth exceeds %d", max)
	}
	return nil
}

func (d *BinaryDecoder) leave() { d.depth-- }

// readLength reads an int32 length prefix. -1 is null. The declared length
// is checked against limit and against the bytes left, assuming each element
// takes at least minSize bytes, before the caller allocates anything.
func (d *BinaryDecoder) readLength(limit, minSize int, what string) (int, bool, error) {
	n, err := d.GetInt32("")
	if err != nil {
		return 0, false, err
	}
	switch {
	case n == nullLength:
		return 0, true, nil
	case n < 0:
		return 0, false, ua.DecodingError("%s length %d is negative", what, n)
	case limit > 0 && int(n) > limit:
		return 0, false, ua.DecodeLimitError("%s length %d exceeds %d", what, n, limit)
	case int64(n)*int64(minSize) > int64(d.Remaining()):
		return 0, false, ua.DecodingError("%s length %d exceeds the %d bytes remaining", what, n, d.Remaining())
	}
	return int(n), false, nil
}

func getArray[T any](d *BinaryDecoder, field string, minSize int, get func(string) (T, error)) ([]T, error) {
	n, null, err := d.readLength(d.ctx.Limits.MaxArrayLength, minSize, "array")
	if err != nil || null {
		return nil, err
	}
	out := make([]T, n)
	for i := range out {
		v, err := get(field)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (d *BinaryDecoder) GetBoolean(_ string) (bool, error) {
	b, err := d.read(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (d *BinaryDecoder) GetSByte(f string) (int8, error) {
	v, err := d.GetByte(f)
	return int8(v), err
}

func (d *BinaryDecoder) GetByte(_ string) (byte, error) {
	b, err := d.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *BinaryDecoder) GetInt16(f string) (int16, error) {
	v, err := d.GetUInt16(f)
	return int16(v), err
}

func (d *BinaryDecoder) GetUInt16(_ string) (uint16, error) {
	b, err := d.read(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *BinaryDecoder) GetInt32(f string) (int32, error) {
	v, err := d.GetUInt32(f)
	return int32(v), err
}

func (d *BinaryDecoder) GetUInt32(_ string) (uint32, error) {
	b, err := d.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *BinaryDecoder) GetInt64(f string) (int64, error) {
	v, err := d.GetUInt64(f)
	return int64(v), err
}

func (d *BinaryDecoder) GetUInt64(_ string) (uint64, error) {
	b, err := d.read(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *BinaryDecoder) GetFloat(f string) (float32, error) {
	v, err := d.GetUInt32(f)
	return math.Float32frombits(v), err
}

func (d *BinaryDecoder) GetDouble(f string) (float64, error) {
	v, err := d.GetUInt64(f)
	return math.Float64frombits(v), err
}

// GetString maps the null string to "".
func (d *BinaryDecoder) GetString(f string) (string, error) {
	s, _, err := d.GetNullableString(f)
	return s, err
}

func (d *BinaryDecoder) GetNullableString(_ string) (string, bool, error) {
	n, null, err := d.readLength(d.ctx.Limits.MaxStringLength, 1, "string")
	if err != nil || null {
		return "", null, err
	}
	b, err := d.read(n)
	if err != nil {
		return "", false, err
	}
	return string(b), false, nil
}

func (d *BinaryDecoder) GetDateTime(f string) (time.Time, error) {
	ticks, err := d.GetInt64(f)
	if err != nil {
		return time.Time{}, err
	}
	return TimeFromTicks(ticks), nil
}

func (d *BinaryDecoder) GetGUID(_ string) (uuid.UUID, error) {
	b, err := d.read(16)
	if err != nil {
		return uuid.Nil, err
	}
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(u[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(u[6:8], binary.LittleEndian.Uint16(b[6:8]))
	copy(u[8:], b[8:16])
	return u, nil
}

// GetByteString returns nil for null and a copy of the body otherwise.
func (d *BinaryDecoder) GetByteString(_ string) ([]byte, error) {
	n, null, err := d.readLength(d.ctx.Limits.MaxStringLength, 1, "byte string")
	if err != nil || null {
		return nil, err
	}
	b, err := d.read(n)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(b), nil
}

func (d *BinaryDecoder) GetXMLElement(f string) (ua.XMLElement, error) {
	b, err := d.GetByteString(f)
	if err != nil || b == nil {
		return nil, err
	}
	return ua.XMLElement(b), nil
}

func (d *BinaryDecoder) GetNodeID(_ string) (ua.NodeID, error) {
	id, flags, err := d.getNodeID(true)
	if err != nil {
		return ua.NodeID{}, err
	}
	if flags != 0 {
		return ua.NodeID{}, ua.DecodingError("node id carries expanded flags 0x%02X", flags)
	}
	return id, nil
}

func (d *BinaryDecoder) getNodeID(mapNamespace bool) (ua.NodeID, byte, error) {
	enc, err := d.GetByte("")
	if err != nil {
		return ua.NodeID{}, 0, err
	}
	flags := enc &^ nodeIDFormMask
	var id ua.NodeID
	switch enc & nodeIDFormMask {
	case nodeIDTwoByte:
		b, err := d.read(1)
		if err != nil {
			return ua.NodeID{}, 0, err
		}
		id = ua.NewNumericNodeID(0, uint32(b[0]))
	case nodeIDFourByte:
		b, err := d.read(3)
		if err != nil {
			return ua.NodeID{}, 0, err
		}
		id = ua.NewNumericNodeID(uint16(b[0]), uint32(binary.LittleEndian.Uint16(b[1:3])))
	case nodeIDNumeric:
		b, err := d.read(6)
		if err != nil {
			return ua.NodeID{}, 0, err
		}
		id = ua.NewNumericNodeID(binary.LittleEndian.Uint16(b[0:2]), binary.LittleEndian.Uint32(b[2:6]))
	case nodeIDString, nodeIDGUID, nodeIDByteString:
		ns, err := d.GetUInt16("")
		if err != nil {
			return ua.NodeID{}, 0, err
		}
		switch enc & nodeIDFormMask {
		case nodeIDString:
			s, err := d.GetString("")
			if err != nil {
				return ua.NodeID{}, 0, err
			}
			id = ua.NewStringNodeID(ns, s)
		case nodeIDGUID:
			g, err := d.GetGUID("")
			if err != nil {
				return ua.NodeID{}, 0, err
			}
			id = ua.NewGUIDNodeID(ns, g)
		default:
			b, err := d.GetByteString("")
			if err != nil {
				return ua.NodeID{}, 0, err
			}
			id = ua.NewOpaqueNodeID(ns, b)
		}
	default:
		return ua.NodeID{}, 0, ua.DecodingError("node id encoding 0x%02X unknown", enc&nodeIDFormMask)
	}
	if mapNamespace && flags&expandedHasNamespaceURI == 0 {
		ns, err := d.ctx.decodeNamespace(id.Namespace)
		if err != nil {
			return ua.NodeID{}, 0, err
		}
		id.Namespace = ns
	}
	return id, flags, nil
}

func (d *BinaryDecoder) GetExpandedNodeID(_ string) (ua.ExpandedNodeID, error) {
	id, flags, err := d.getNodeID(true)
	if err != nil {
		return ua.ExpandedNodeID{}, err
	}
	out := ua.ExpandedNodeID{NodeID: id}
	if flags&expandedHasNamespaceURI != 0 {
		if out.NamespaceURI, err = d.GetString(""); err != nil {
			return ua.ExpandedNodeID{}, err
		}
	}
	if flags&expandedHasServerIndex != 0 {
		if out.ServerIndex, err = d.GetUInt32(""); err != nil {
			return ua.ExpandedNodeID{}, err
		}
	}
	return out, nil
}

func (d *BinaryDecoder) GetStatusCode(f string) (ua.StatusCode, error) {
	v, err := d.GetUInt32(f)
	return ua.StatusCode(v), err
}

func (d *BinaryDecoder) GetQualifiedName(f string) (ua.QualifiedName, error) {
	ns, err := d.GetUInt16(f)
	if err != nil {
		return ua.QualifiedName{}, err
	}
	if ns, err = d.ctx.decodeNamespace(ns); err != nil {
		return ua.QualifiedName{}, err
	}
	name, err := d.GetString(f)
	if err != nil {
		return ua.QualifiedName{}, err
	}
	return ua.QualifiedName{NamespaceIndex: ns, Name: name}, nil
}

func (d *BinaryDecoder) GetLocalizedText(f string) (ua.LocalizedText, error) {
	mask, err := d.GetByte(f)
	if err != nil {
		return ua.LocalizedText{}, err
	}
	var out ua.LocalizedText
	if mask&localizedTextHasLocale != 0 {
		if out.Locale, err = d.GetString(f); err != nil {
			return ua.LocalizedText{}, err
		}
	}
	if mask&localizedTextHasText != 0 {
		if out.Text, err = d.GetString(f); err != nil {
			return ua.LocalizedText{}, err
		}
	}
	return out, nil
}

// GetStructure reads into's fields inline.
func (d *BinaryDecoder) GetStructure(_ string, into Structure) error {
	if into == nil {
		return ua.DecodingError("nil structure target")
	}
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()
	return into.Decode(d)
}

// GetExtensionObject resolves the encoding id through the registry. Unknown
// ids and XML bodies come back as *Opaque. The null extension object is nil.
func (d *BinaryDecoder) GetExtensionObject(_ string) (Structure, error) {
	id, flags, err := d.getNodeID(false)
	if err != nil {
		return nil, err
	}
	if flags != 0 {
		return nil, ua.DecodingError("extension object type id carries expanded flags 0x%02X", flags)
	}
	enc, err := d.GetByte("")
	if err != nil {
		return nil, err
	}
	switch enc {
	case ExtensionObjectNone:
		if id.IsNull() {
			return nil, nil
		}
		return &Opaque{TypeID: id, Encoding: enc}, nil
	case ExtensionObjectBinary, ExtensionObjectXML:
	default:
		return nil, ua.DecodingError("extension object encoding 0x%02X unknown", enc)
	}

	n, null, err := d.readLength(0, 1, "extension object body")
	if err != nil {
		return nil, err
	}
	var body []byte
	if !null {
		if body, err = d.read(n); err != nil {
			return nil, err
		}
	}
	if enc == ExtensionObjectBinary {
		if entry, ok := d.ctx.registry().Resolve(id); ok && entry.BinaryEncodingID.Equal(id) {
			s := entry.New()
			sub := &BinaryDecoder{ctx: d.ctx, buf: body, depth: d.depth}
			if err := sub.GetStructure("", s); err != nil {
				return nil, fmt.Errorf("extension object %s: %w", entry.Name, err)
			}
			return s, nil
		}
	}
	return &Opaque{TypeID: id, Encoding: enc, Body: bytes.Clone(body)}, nil
}

func (d *BinaryDecoder) GetExtensionObjectArray(f string) (StructureArray, error) {
	vals, err := getArray(d, f, 3, d.GetExtensionObject)
	if err != nil {
		return StructureArray{ElementType: BaseStructureType}, err
	}
	return d.ctx.registry().Narrow(vals), nil
}

func (d *BinaryDecoder) GetDataValue(f string) (ua.DataValue, error) {
	mask, err := d.GetByte(f)
	if err != nil {
		return ua.DataValue{}, err
	}
	var out ua.DataValue
	if mask&ua.DataValueHasValue != 0 {
		if out.Value, err = d.GetVariant(f); err != nil {
			return ua.DataValue{}, err
		}
	}
	if mask&ua.DataValueHasStatus != 0 {
		if out.Status, err = d.GetStatusCode(f); err != nil {
			return ua.DataValue{}, err
		}
	}
	if mask&ua.DataValueHasSourceTimestamp != 0 {
		if out.SourceTimestamp, err = d.GetDateTime(f); err != nil {
			return ua.DataValue{}, err
		}
	}
	if mask&ua.DataValueHasSourcePicoseconds != 0 {
		if out.SourcePicoseconds, err = d.GetUInt16(f); err != nil {
			return ua.DataValue{}, err
		}
	}
	if mask&ua.DataValueHasServerTimestamp != 0 {
		if out.ServerTimestamp, err = d.GetDateTime(f); err != nil {
			return ua.DataValue{}, err
		}
	}
	if mask&ua.DataValueHasServerPicoseconds != 0 {
		if out.ServerPicoseconds, err = d.GetUInt16(f); err != nil {
			return ua.DataValue{}, err
		}
	}
	return out, nil
}

func (d *BinaryDecoder) GetVariant(f string) (ua.Variant, error) {
	mask, err := d.GetByte(f)
	if err != nil {
		return ua.Variant{}, err
	}
	t := ua.BuiltinType(mask & ua.VariantTypeMask)
	if !t.Valid() {
		return ua.Variant{}, ua.DecodingError("variant type %d unknown", uint8(t))
	}
	if t == ua.TypeNull {
		if mask != 0 {
			return ua.Variant{}, ua.DecodingError("null variant carries flags 0x%02X", mask)
		}
		return ua.Variant{}, nil
	}
	if err := d.enter(); err != nil {
		return ua.Variant{}, err
	}
	defer d.leave()

	out := ua.Variant{Type: t}
	if mask&ua.VariantIsArray == 0 {
		if mask&ua.VariantHasDimensions != 0 {
			return ua.Variant{}, ua.DecodingError("scalar variant carries dimensions")
		}
		if t == ua.TypeVariant {
			return ua.Variant{}, ua.DecodingError("a scalar variant cannot hold a variant")
		}
		if out.Value, err = d.getVariantScalar(t); err != nil {
			return ua.Variant{}, err
		}
		return out, nil
	}

	out.Array = true
	val, n, err := d.getVariantArray(t)
	if err != nil {
		return ua.Variant{}, err
	}
	out.Value = val
	if mask&ua.VariantHasDimensions != 0 {
		dims, err := d.GetInt32Array(f)
		if err != nil {
			return ua.Variant{}, err
		}
		if err := checkDimensions(dims, n); err != nil {
			return ua.Variant{}, err
		}
		out.Dimensions = dims
	}
	return out, nil
}

func checkDimensions(dims []int32, n int) error {
	if len(dims) == 0 {
		return ua.DecodingError("variant dimensions are empty")
	}
	product := 1
	for _, dim := range dims {
		if dim < 0 {
			return ua.DecodingError("variant dimension %d is negative", dim)
		}
		product *= int(dim)
		if product > n {
			break
		}
	}
	if product != n {
		return ua.DecodingError("variant dimensions %v do not cover %d elements", dims, n)
	}
	return nil
}

func (d *BinaryDecoder) GetDiagnosticInfo(_ string) (*ua.DiagnosticInfo, error) {
	return d.getDiagnosticInfo(1)
}

func (d *BinaryDecoder) getDiagnosticInfo(level int) (*ua.DiagnosticInfo, error) {
	mask, err := d.GetByte("")
	if err != nil {
		return nil, err
	}
	if mask == 0 {
		return nil, nil
	}
	if max := d.ctx.diagnosticDepth(); level > max {
		return nil, ua.DecodeLimitError("diagnostic info nesting exceeds %d", max)
	}
	out := &ua.DiagnosticInfo{Mask: mask & diagnosticKnownMaskBits}
	ints := []struct {
		bit byte
		dst *int32
	}{
		{ua.DiagnosticHasSymbolicID, &out.SymbolicID},
		{ua.DiagnosticHasNamespaceURI, &out.NamespaceURI},
		{ua.DiagnosticHasLocale, &out.Locale},
		{ua.DiagnosticHasLocalizedText, &out.LocalizedText},
	}
	for _, f := range ints {
		if mask&f.bit != 0 {
			if *f.dst, err = d.GetInt32(""); err != nil {
				return nil, err
			}
		}
	}
	if mask&ua.DiagnosticHasAdditionalInfo != 0 {
		if out.AdditionalInfo, err = d.GetString(""); err != nil {
			return nil, err
		}
	}
	if mask&ua.DiagnosticHasInnerStatusCode != 0 {
		if out.InnerStatusCode, err = d.GetStatusCode(""); err != nil {
			return nil, err
		}
	}
	if mask&ua.DiagnosticHasInnerDiagnosticInfo != 0 {
		if out.InnerDiagnosticInfo, err = d.getDiagnosticInfo(level + 1); err != nil {
			return nil, err
		}
		if out.InnerDiagnosticInfo == nil {
			out.Mask &^= ua.DiagnosticHasInnerDiagnosticInfo
		}
	}
	return out, nil
}

// GetEnumeration fails when the value is not a member of def. A nil def
// accepts any value.
func (d *BinaryDecoder) GetEnumeration(f string, def *EnumDefinition) (Enumerant, error) {
	v, err := d.GetInt32(f)
	if err != nil {
		return Enumerant{}, err
	}
	if def == nil {
		return Enumerant{Value: v}, nil
	}
	m, ok := def.Lookup(v)
	if !ok {
		return Enumerant{}, ua.DecodingError("value %d is not a member of %s", v, def.Name)
	}
	return m, nil
}

func (d *BinaryDecoder) GetBooleanArray(f string) ([]bool, error) {
	return getArray(d, f, 1, d.GetBoolean)
}
func (d *BinaryDecoder) GetSByteArray(f string) ([]int8, error) {
	return getArray(d, f, 1, d.GetSByte)
}
func (d *BinaryDecoder) GetByteArray(f string) ([]byte, error) {
	return getArray(d, f, 1, d.GetByte)
}
func (d *BinaryDecoder) GetInt16Array(f string) ([]int16, error) {
	return getArray(d, f, 2, d.GetInt16)
}
func (d *BinaryDecoder) GetUInt16Array(f string) ([]uint16, error) {
	return getArray(d, f, 2, d.GetUInt16)
}
func (d *BinaryDecoder) GetInt32Array(f string) ([]int32, error) {
	return getArray(d, f, 4, d.GetInt32)
}
func (d *BinaryDecoder) GetUInt32Array(f string) ([]uint32, error) {
	return getArray(d, f, 4, d.GetUInt32)
}
func (d *BinaryDecoder) GetInt64Array(f string) ([]int64, error) {
	return getArray(d, f, 8, d.GetInt64)
}
func (d *BinaryDecoder) GetUInt64Array(f string) ([]uint64, error) {
	return getArray(d, f, 8, d.GetUInt64)
}
func (d *BinaryDecoder) GetFloatArray(f string) ([]float32, error) {
	return getArray(d, f, 4, d.GetFloat)
}
func (d *BinaryDecoder) GetDoubleArray(f string) ([]float64, error) {
	return getArray(d, f, 8, d.GetDouble)
}
func (d *BinaryDecoder) GetStringArray(f string) ([]string, error) {
	return getArray(d, f, 4, d.GetString)
}
func (d *BinaryDecoder) GetDateTimeArray(f string) ([]time.Time, error) {
	return getArray(d, f, 8, d.GetDateTime)
}
func (d *BinaryDecoder) GetGUIDArray(f string) ([]uuid.UUID, error) {
	return getArray(d, f, 16, d.GetGUID)
}
func (d *BinaryDecoder) GetByteStringArray(f string) ([][]byte, error) {
	return getArray(d, f, 4, d.GetByteString)
}
func (d *BinaryDecoder) GetXMLElementArray(f string) ([]ua.XMLElement, error) {
	return getArray(d, f, 4, d.GetXMLElement)
}
func (d *BinaryDecoder) GetNodeIDArray(f string) ([]ua.NodeID, error) {
	return getArray(d, f, 2, d.GetNodeID)
}
func (d *BinaryDecoder) GetExpandedNodeIDArray(f string) ([]ua.ExpandedNodeID, error) {
	return getArray(d, f, 2, d.GetExpandedNodeID)
}
func (d *BinaryDecoder) GetStatusCodeArray(f string) ([]ua.StatusCode, error) {
	return getArray(d, f, 4, d.GetStatusCode)
}
func (d *BinaryDecoder) GetQualifiedNameArray(f string) ([]ua.QualifiedName, error) {
	return getArray(d, f, 6, d.GetQualifiedName)
}
func (d *BinaryDecoder) GetLocalizedTextArray(f string) ([]ua.LocalizedText, error) {
	return getArray(d, f, 1, d.GetLocalizedText)
}
func (d *BinaryDecoder) GetStructureArray(f string, newElem func() Structure) ([]Structure, error) {
	return getArray(d, f, 1, func(f string) (Structure, error) {
		s := newElem()
		if err := d.GetStructure(f, s); err != nil {
			return nil, err
		}
		return s, nil
	})
}
func (d *BinaryDecoder) GetDataValueArray(f string) ([]ua.DataValue, error) {
	return getArray(d, f, 1, d.GetDataValue)
}
func (d *BinaryDecoder) GetVariantArray(f string) ([]ua.Variant, error) {
	return getArray(d, f, 1, d.GetVariant)
}
func (d *BinaryDecoder) GetDiagnosticInfoArray(f string) ([]*ua.DiagnosticInfo, error) {
	return getArray(d, f, 1, d.GetDiagnosticInfo)
}
func (d *BinaryDecoder) GetEnumerationArray(f string, def *EnumDefinition) ([]Enumerant, error) {
	return getArray(d, f, 4, func(f string) (Enumerant, error) { return d.GetEnumeration(f, def) })
}
