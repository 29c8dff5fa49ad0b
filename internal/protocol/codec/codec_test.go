package codec

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/danmuck/uastack/internal/protocol/ua"
	"github.com/danmuck/uastack/internal/testutil/testlog"
	"github.com/google/uuid"
)

var (
	testTime = time.Date(2024, 5, 6, 7, 8, 9, 123456700, time.UTC)
	testGUID = uuid.MustParse("72962b91-fa75-4ae6-8d28-b404dc7daf63")
)

func encodeWith(t *testing.T, ctx *Context, put func(*BinaryEncoder) error) []byte {
	t.Helper()
	e := NewBinaryEncoder(ctx)
	if err := put(e); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return bytes.Clone(e.Bytes())
}

func decoderFor(t *testing.T, ctx *Context, b []byte) *BinaryDecoder {
	t.Helper()
	d, err := NewBinaryDecoder(ctx, b)
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	return d
}

func TestVariantRoundTripEveryBuiltin(t *testing.T) {
	testlog.Start(t)

	ctx := NewContext(newShapeRegistry(t))
	cases := []ua.Variant{
		{},
		ua.MustVariant(true),
		ua.MustVariant(int8(-7)),
		ua.MustVariant(byte(200)),
		ua.MustVariant(int16(-300)),
		ua.MustVariant(uint16(60000)),
		ua.MustVariant(int32(-70000)),
		ua.MustVariant(uint32(4000000000)),
		ua.MustVariant(int64(math.MinInt64)),
		ua.MustVariant(uint64(math.MaxUint64)),
		ua.MustVariant(float32(1.5)),
		ua.MustVariant(-2.25),
		ua.MustVariant("grüße"),
		ua.MustVariant(testTime),
		ua.MustVariant(testGUID),
		ua.MustVariant([]byte{0, 1, 2}),
		ua.MustVariant(ua.XMLElement("<a/>")),
		ua.MustVariant(ua.NewStringNodeID(0, "Objects")),
		ua.MustVariant(ua.ExpandedNodeID{NodeID: ua.NewNumericNodeID(0, 9000), NamespaceURI: "urn:remote", ServerIndex: 2}),
		ua.MustVariant(ua.StatusBadTimeout),
		ua.MustVariant(ua.QualifiedName{NamespaceIndex: 0, Name: "Temperature"}),
		ua.MustVariant(ua.LocalizedText{Locale: "en", Text: "hello"}),
		{Type: ua.TypeExtensionObject, Value: &circle{Radius: 2}},
		ua.MustVariant(ua.DataValue{Value: ua.MustVariant(int32(5)), Status: ua.StatusBadTimeout, SourceTimestamp: testTime, SourcePicoseconds: 9}),
		ua.MustVariant(ua.DiagnosticInfo{Mask: ua.DiagnosticHasSymbolicID | ua.DiagnosticHasAdditionalInfo, SymbolicID: 3, AdditionalInfo: "detail"}),

		ua.MustVariant([]bool{true, false}),
		ua.MustVariant([]int8{-1, 1}),
		{Type: ua.TypeByte, Array: true, Value: []byte{9, 8}},
		ua.MustVariant([]int16{-2, 2}),
		ua.MustVariant([]uint16{3}),
		{Type: ua.TypeInt32, Array: true, Value: []int32{1, 2, 3, 4}, Dimensions: []int32{2, 2}},
		ua.MustVariant([]uint32{}),
		ua.MustVariant([]int64{-5}),
		ua.MustVariant([]uint64{6}),
		ua.MustVariant([]float32{0.5}),
		ua.MustVariant([]float64{0.25}),
		ua.MustVariant([]string{"a", ""}),
		ua.MustVariant([]time.Time{testTime, {}}),
		ua.MustVariant([]uuid.UUID{testGUID}),
		ua.MustVariant([][]byte{{1}, nil, {}}),
		ua.MustVariant([]ua.XMLElement{ua.XMLElement("<b/>")}),
		ua.MustVariant([]ua.NodeID{ua.NewNumericNodeID(0, 1), ua.NewOpaqueNodeID(0, []byte{7})}),
		ua.MustVariant([]ua.ExpandedNodeID{{NodeID: ua.NewNumericNodeID(0, 2)}}),
		ua.MustVariant([]ua.StatusCode{ua.StatusGood}),
		ua.MustVariant([]ua.QualifiedName{{Name: "x"}}),
		ua.MustVariant([]ua.LocalizedText{{Text: "t"}}),
		{Type: ua.TypeExtensionObject, Array: true, Value: StructureArray{ElementType: "Circle", Values: []Structure{&circle{Radius: 1}}}},
		ua.MustVariant([]ua.DataValue{{Status: ua.StatusBadInternalError}}),
		ua.MustVariant([]ua.Variant{ua.MustVariant("nested"), ua.MustVariant([]int32{1})}),
		ua.MustVariant([]*ua.DiagnosticInfo{{Mask: ua.DiagnosticHasLocale, Locale: 4}}),
		{Type: ua.TypeString, Array: true, Value: []string(nil)},
	}
	for _, in := range cases {
		b := encodeWith(t, ctx, func(e *BinaryEncoder) error { return e.PutVariant("v", in) })
		d := decoderFor(t, ctx, b)
		out, err := d.GetVariant("v")
		if err != nil {
			t.Fatalf("decode %s (array=%v): %v", in.Type, in.Array, err)
		}
		if d.Remaining() != 0 {
			t.Fatalf("%s: %d bytes left over", in.Type, d.Remaining())
		}
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("%s round trip mismatch:\n in: %#v\nout: %#v", in.Type, in, out)
		}
	}
}

func TestNullAndEmptyAreDistinct(t *testing.T) {
	testlog.Start(t)

	b := encodeWith(t, nil, func(e *BinaryEncoder) error {
		for _, step := range []error{
			e.PutStringArray("", nil),
			e.PutStringArray("", []string{}),
			e.PutString("", ""),
			e.PutNullString(""),
			e.PutByteString("", nil),
			e.PutByteString("", []byte{}),
		} {
			if step != nil {
				return step
			}
		}
		return nil
	})
	want := []byte{
		0xFF, 0xFF, 0xFF, 0xFF,
		0, 0, 0, 0,
		0, 0, 0, 0,
		0xFF, 0xFF, 0xFF, 0xFF,
		0xFF, 0xFF, 0xFF, 0xFF,
		0, 0, 0, 0,
	}
	if !bytes.Equal(b, want) {
		t.Fatalf("wire mismatch: % X", b)
	}

	d := decoderFor(t, nil, b)
	if v, _ := d.GetStringArray(""); v != nil {
		t.Fatalf("null array decoded as %#v", v)
	}
	if v, _ := d.GetStringArray(""); v == nil || len(v) != 0 {
		t.Fatalf("empty array decoded as %#v", v)
	}
	if s, isNull, err := d.GetNullableString(""); err != nil || isNull || s != "" {
		t.Fatalf("empty string decoded as %q null=%v err=%v", s, isNull, err)
	}
	if s, isNull, err := d.GetNullableString(""); err != nil || !isNull || s != "" {
		t.Fatalf("null string decoded as %q null=%v err=%v", s, isNull, err)
	}
	if v, _ := d.GetByteString(""); v != nil {
		t.Fatalf("null byte string decoded as %#v", v)
	}
	if v, _ := d.GetByteString(""); v == nil || len(v) != 0 {
		t.Fatalf("empty byte string decoded as %#v", v)
	}
}

func TestNodeIDCompactForms(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		id   ua.NodeID
		want []byte
	}{
		{ua.NewNumericNodeID(0, 128), []byte{0x00, 0x80}},
		{ua.NewNumericNodeID(0, 33000), []byte{0x01, 0x00, 0xE8, 0x80}},
		{ua.NewNumericNodeID(5, 1025), []byte{0x01, 0x05, 0x01, 0x04}},
		{ua.NewNumericNodeID(300, 7), []byte{0x02, 0x2C, 0x01, 0x07, 0x00, 0x00, 0x00}},
		{ua.NewNumericNodeID(0, 70000), []byte{0x02, 0x00, 0x00, 0x70, 0x11, 0x01, 0x00}},
		{ua.NewStringNodeID(1, "ab"), []byte{0x03, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 'a', 'b'}},
		{ua.NewOpaqueNodeID(2, []byte{0xAA}), []byte{0x05, 0x02, 0x00, 0x01, 0x00, 0x00, 0x00, 0xAA}},
	}
	ctx := NewContext(nil)
	for _, tc := range cases {
		got := encodeWith(t, ctx, func(e *BinaryEncoder) error { return e.PutNodeID("", tc.id) })
		if !bytes.Equal(got, tc.want) {
			t.Fatalf("%s encoded as % X want % X", tc.id, got, tc.want)
		}
		back, err := decoderFor(t, ctx, got).GetNodeID("")
		if err != nil || !back.Equal(tc.id) {
			t.Fatalf("%s decoded as %s err=%v", tc.id, back, err)
		}
	}

	if _, err := decoderFor(t, ctx, []byte{0x80, 0x01}).GetNodeID(""); !errors.Is(err, ua.ErrDecoding) {
		t.Fatalf("expanded flags on a plain node id should fail, got %v", err)
	}
	if _, err := decoderFor(t, ctx, []byte{0x07}).GetNodeID(""); !errors.Is(err, ua.ErrDecoding) {
		t.Fatalf("unknown node id form should fail, got %v", err)
	}
}

func TestGUIDWireLayout(t *testing.T) {
	testlog.Start(t)

	got := encodeWith(t, nil, func(e *BinaryEncoder) error { return e.PutGUID("", testGUID) })
	want := []byte{0x91, 0x2B, 0x96, 0x72, 0x75, 0xFA, 0xE6, 0x4A, 0x8D, 0x28, 0xB4, 0x04, 0xDC, 0x7D, 0xAF, 0x63}
	if !bytes.Equal(got, want) {
		t.Fatalf("guid encoded as % X", got)
	}
}

func TestDateTimeTicks(t *testing.T) {
	testlog.Start(t)

	if TicksFromTime(time.Time{}) != 0 || !TimeFromTicks(0).IsZero() {
		t.Fatalf("zero time must map to 0 ticks")
	}
	if got := TicksFromTime(time.Date(1601, 1, 1, 0, 0, 0, 0, time.UTC)); got != 0 {
		t.Fatalf("1601 epoch ticks = %d", got)
	}
	if got := TicksFromTime(time.Unix(0, 0)); got != epochTicks {
		t.Fatalf("unix epoch ticks = %d", got)
	}
	if got := TicksFromTime(time.Date(1500, 1, 1, 0, 0, 0, 0, time.UTC)); got != 0 {
		t.Fatalf("pre-1601 time must clamp to 0, got %d", got)
	}
	if got := TicksFromTime(time.Date(40000, 1, 1, 0, 0, 0, 0, time.UTC)); got != math.MaxInt64 {
		t.Fatalf("far future time must clamp to MaxInt64, got %d", got)
	}
	if back := TimeFromTicks(TicksFromTime(testTime)); !back.Equal(testTime) {
		t.Fatalf("round trip %s != %s", back, testTime)
	}
}

func TestLengthCeilingsCheckedBeforeAllocation(t *testing.T) {
	testlog.Start(t)

	limits := DefaultLimits()
	limits.MaxArrayLength = 10
	limits.MaxStringLength = 8
	ctx := NewContext(nil).WithLimits(limits)

	declared20 := []byte{20, 0, 0, 0}
	if _, err := decoderFor(t, ctx, declared20).GetInt32Array(""); !errors.Is(err, ua.ErrLimitExceeded) {
		t.Fatalf("array over limit: got %v", err)
	}
	withElems := append(bytes.Clone(declared20), make([]byte, 80)...)
	d := decoderFor(t, ctx, withElems)
	if _, err := d.GetInt32Array(""); !errors.Is(err, ua.ErrLimitExceeded) || !errors.Is(err, ua.ErrDecoding) {
		t.Fatalf("array over limit with elements: got %v", err)
	}
	if d.Offset() != 4 {
		t.Fatalf("decoder consumed %d bytes, want only the prefix", d.Offset())
	}

	if _, err := decoderFor(t, ctx, []byte{9, 0, 0, 0}).GetString(""); !errors.Is(err, ua.ErrLimitExceeded) {
		t.Fatalf("string over limit: got %v", err)
	}
	if _, err := decoderFor(t, ctx, []byte{0xFE, 0xFF, 0xFF, 0xFF}).GetString(""); !errors.Is(err, ua.ErrDecoding) || errors.Is(err, ua.ErrLimitExceeded) {
		t.Fatalf("negative length: got %v", err)
	}
	if _, err := decoderFor(t, ctx, []byte{5, 0, 0, 0, 'a'}).GetByteString(""); !errors.Is(err, ua.ErrDecoding) {
		t.Fatalf("length past end: got %v", err)
	}
	if _, err := decoderFor(t, NewContext(nil), []byte{0xFF, 0xFF, 0xFF, 0x7F}).GetUInt64Array(""); !errors.Is(err, ua.ErrDecoding) {
		t.Fatalf("huge array with no bytes: got %v", err)
	}

	e := NewBinaryEncoder(ctx)
	if err := e.PutString("", "too long for eight"); !errors.Is(err, ua.ErrLimitExceeded) || !errors.Is(err, ua.ErrEncoding) {
		t.Fatalf("encode string over limit: got %v", err)
	}
	if err := e.PutInt32Array("", make([]int32, 11)); !errors.Is(err, ua.ErrLimitExceeded) {
		t.Fatalf("encode array over limit: got %v", err)
	}
}

func TestMessageSizeCeiling(t *testing.T) {
	testlog.Start(t)

	limits := DefaultLimits()
	limits.MaxMessageSize = 8
	ctx := NewContext(nil).WithLimits(limits)

	if _, err := NewBinaryDecoder(ctx, make([]byte, 9)); !errors.Is(err, ua.ErrLimitExceeded) {
		t.Fatalf("oversize decode buffer: got %v", err)
	}
	e := NewBinaryEncoder(ctx)
	if err := e.PutUInt64("", 1); err != nil {
		t.Fatalf("encode at limit: %v", err)
	}
	if err := e.PutByte("", 1); !errors.Is(err, ua.ErrLimitExceeded) {
		t.Fatalf("encode past limit: got %v", err)
	}
	if e.Len() != 8 {
		t.Fatalf("failed write must not grow the buffer, len=%d", e.Len())
	}
}

func TestNamespaceMapping(t *testing.T) {
	testlog.Start(t)

	canonical := NewContext(nil)
	canonical.Namespaces = ua.NewNamespaceTable("urn:a", "urn:b")
	local := ua.NewNamespaceTable("urn:b", "urn:a")
	mapped := canonical.WithNamespaceMapping(local)

	id := ua.NewNumericNodeID(1, 42)
	b := encodeWith(t, mapped, func(e *BinaryEncoder) error { return e.PutNodeID("", id) })
	if !bytes.Equal(b, []byte{0x01, 0x02, 42, 0}) {
		t.Fatalf("mapped encoding % X", b)
	}
	back, err := decoderFor(t, mapped, b).GetNodeID("")
	if err != nil || back.Namespace != 1 {
		t.Fatalf("mapped decode %s err=%v", back, err)
	}
	raw, err := decoderFor(t, canonical, b).GetNodeID("")
	if err != nil || raw.Namespace != 2 {
		t.Fatalf("canonical decode %s err=%v", raw, err)
	}

	e := NewBinaryEncoder(mapped)
	if err := e.PutNodeID("", ua.NewNumericNodeID(7, 1)); !errors.Is(err, ua.ErrEncoding) {
		t.Fatalf("unknown local namespace: got %v", err)
	}
}

func TestEnumerationMembership(t *testing.T) {
	testlog.Start(t)

	def := NewEnumDefinition("SecurityTokenRequestType", Enumerant{"Issue", 0}, Enumerant{"Renew", 1})
	b := encodeWith(t, nil, func(e *BinaryEncoder) error {
		if err := e.PutEnumeration("", 1); err != nil {
			return err
		}
		return e.PutEnumeration("", 7)
	})
	d := decoderFor(t, nil, b)
	got, err := d.GetEnumeration("", def)
	if err != nil || got.Name != "Renew" {
		t.Fatalf("decode renew: %+v %v", got, err)
	}
	if _, err := d.GetEnumeration("", def); !errors.Is(err, ua.ErrDecoding) {
		t.Fatalf("value outside enum: got %v", err)
	}
}

func TestDiagnosticInfoDepthGuard(t *testing.T) {
	testlog.Start(t)

	var chain *ua.DiagnosticInfo
	for i := 0; i < 7; i++ {
		chain = &ua.DiagnosticInfo{Mask: ua.DiagnosticHasSymbolicID, SymbolicID: int32(i), InnerDiagnosticInfo: chain}
	}

	if err := NewBinaryEncoder(nil).PutDiagnosticInfo("", chain); !errors.Is(err, ua.ErrLimitExceeded) {
		t.Fatalf("encode past default depth: got %v", err)
	}

	deep := DefaultLimits()
	deep.MaxDiagnosticDepth = 10
	b := encodeWith(t, NewContext(nil).WithLimits(deep), func(e *BinaryEncoder) error { return e.PutDiagnosticInfo("", chain) })

	if _, err := decoderFor(t, nil, b).GetDiagnosticInfo(""); !errors.Is(err, ua.ErrDecoding) {
		t.Fatalf("decode past default depth: got %v", err)
	}
	out, err := decoderFor(t, NewContext(nil).WithLimits(deep), b).GetDiagnosticInfo("")
	if err != nil || out.Depth() != 7 || out.SymbolicID != 6 {
		t.Fatalf("deep decode: depth=%d err=%v", out.Depth(), err)
	}
}

func TestVariantDimensionsMustCoverElements(t *testing.T) {
	testlog.Start(t)

	bad := ua.Variant{Type: ua.TypeInt32, Array: true, Value: []int32{1, 2, 3, 4}, Dimensions: []int32{3, 2}}
	b := encodeWith(t, nil, func(e *BinaryEncoder) error { return e.PutVariant("", bad) })
	if _, err := decoderFor(t, nil, b).GetVariant(""); !errors.Is(err, ua.ErrDecoding) {
		t.Fatalf("dimension mismatch: got %v", err)
	}
	if err := NewBinaryEncoder(nil).PutVariant("", ua.Variant{Type: ua.TypeInt32, Value: "nope"}); ua.StatusOf(err) != ua.StatusBadTypeMismatch {
		t.Fatalf("type mismatch: got %v", err)
	}
	if _, err := decoderFor(t, nil, []byte{0x3F}).GetVariant(""); !errors.Is(err, ua.ErrDecoding) {
		t.Fatalf("unknown variant type: got %v", err)
	}
}
