package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/uastack/internal/protocol/ua"
	"github.com/danmuck/uastack/internal/testutil/testlog"
)

type shape struct{ ID uint32 }

func (s *shape) Encode(e Encoder) error { return e.PutUInt32("ID", s.ID) }
func (s *shape) Decode(d Decoder) (err error) {
	s.ID, err = d.GetUInt32("ID")
	return err
}

type circle struct{ Radius float64 }

func (c *circle) Encode(e Encoder) error { return e.PutDouble("Radius", c.Radius) }
func (c *circle) Decode(d Decoder) (err error) {
	c.Radius, err = d.GetDouble("Radius")
	return err
}

type square struct{ Side float64 }

func (s *square) Encode(e Encoder) error { return e.PutDouble("Side", s.Side) }
func (s *square) Decode(d Decoder) (err error) {
	s.Side, err = d.GetDouble("Side")
	return err
}

type label struct {
	Text string
	Tags []string
}

func (l *label) Encode(e Encoder) error {
	if err := e.PutString("Text", l.Text); err != nil {
		return err
	}
	return e.PutStringArray("Tags", l.Tags)
}

func (l *label) Decode(d Decoder) (err error) {
	if l.Text, err = d.GetString("Text"); err != nil {
		return err
	}
	l.Tags, err = d.GetStringArray("Tags")
	return err
}

func newShapeRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	entries := []TypeEntry{
		{Name: "Shape", TypeID: ua.NewNumericNodeID(1, 5000), BinaryEncodingID: ua.NewNumericNodeID(1, 5001), New: func() Structure { return &shape{} }},
		{Name: "Circle", TypeID: ua.NewNumericNodeID(1, 5010), BinaryEncodingID: ua.NewNumericNodeID(1, 5011), XMLEncodingID: ua.NewNumericNodeID(1, 5012), Parent: "Shape", New: func() Structure { return &circle{} }},
		{Name: "Square", TypeID: ua.NewNumericNodeID(1, 5020), BinaryEncodingID: ua.NewNumericNodeID(1, 5021), Parent: "Shape", New: func() Structure { return &square{} }},
		{Name: "Label", TypeID: ua.NewNumericNodeID(1, 5030), BinaryEncodingID: ua.NewNumericNodeID(1, 5031), New: func() Structure { return &label{} }},
	}
	for _, e := range entries {
		if err := r.Register(e); err != nil {
			t.Fatalf("register %s: %v", e.Name, err)
		}
	}
	return r
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	testlog.Start(t)

	r := newShapeRegistry(t)
	dupName := TypeEntry{Name: "Circle", BinaryEncodingID: ua.NewNumericNodeID(1, 9), New: func() Structure { return &shape{} }}
	if err := r.Register(dupName); !errors.Is(err, ErrDuplicateType) {
		t.Fatalf("duplicate name: got %v", err)
	}
	dupID := TypeEntry{Name: "Other", BinaryEncodingID: ua.NewNumericNodeID(1, 5012), New: func() Structure { return &Opaque{} }}
	if err := r.Register(dupID); !errors.Is(err, ErrDuplicateType) {
		t.Fatalf("duplicate encoding id: got %v", err)
	}
	if err := r.Register(TypeEntry{Name: "NoCtor", BinaryEncodingID: ua.NewNumericNodeID(1, 77)}); !errors.Is(err, ErrInvalidTypeEntry) {
		t.Fatalf("missing constructor: got %v", err)
	}

	names := make([]string, 0)
	for _, e := range r.Types() {
		names = append(names, e.Name)
	}
	if len(names) != 4 || names[0] != "Shape" || names[3] != "Label" {
		t.Fatalf("registration order lost: %v", names)
	}
	if id, ok := r.IDOf(&circle{}, EncodingXML); !ok || id.Numeric != 5012 {
		t.Fatalf("xml encoding id: %s %v", id, ok)
	}
	if _, ok := r.IDOf(&square{}, EncodingXML); ok {
		t.Fatalf("square has no xml encoding")
	}
}

func TestExtensionObjectRoundTrip(t *testing.T) {
	testlog.Start(t)

	ctx := NewContext(newShapeRegistry(t))
	in := &label{Text: "pump", Tags: []string{"a", "b"}}
	b, err := EncodeExtensionObject(ctx, in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if b[0] != 0x01 || b[1] != 0x01 || b[4] != ExtensionObjectBinary {
		t.Fatalf("unexpected header % X", b[:5])
	}
	out, err := DecodeExtensionObject(ctx, b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := out.(*label)
	if !ok || got.Text != "pump" || len(got.Tags) != 2 {
		t.Fatalf("decoded %#v", out)
	}

	if _, err := EncodeExtensionObject(NewContext(nil), in); !errors.Is(err, ua.ErrEncoding) {
		t.Fatalf("unregistered type: got %v", err)
	}
}

func TestUnknownExtensionObjectStaysOpaque(t *testing.T) {
	testlog.Start(t)

	known := NewContext(newShapeRegistry(t))
	b, err := EncodeExtensionObject(known, &circle{Radius: 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	blind := NewContext(nil)
	out, err := DecodeExtensionObject(blind, b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	op, ok := out.(*Opaque)
	if !ok || op.TypeID.Numeric != 5011 || len(op.Body) != 8 {
		t.Fatalf("expected opaque body, got %#v", out)
	}
	again, err := EncodeExtensionObject(blind, op)
	if err != nil || !bytes.Equal(again, b) {
		t.Fatalf("opaque re-encode mismatch % X vs % X (%v)", again, b, err)
	}
	if err := NewBinaryEncoder(blind).PutStructure("", op); !errors.Is(err, ErrOpaqueInline) {
		t.Fatalf("opaque inline: got %v", err)
	}

	null, err := DecodeExtensionObject(blind, []byte{0, 0, 0})
	if err != nil || null != nil {
		t.Fatalf("null extension object: %v %v", null, err)
	}
}

func TestExtensionObjectArrayNarrowing(t *testing.T) {
	testlog.Start(t)

	reg := newShapeRegistry(t)
	ctx := NewContext(reg)
	cases := []struct {
		name string
		in   []Structure
		want string
	}{
		{"same type", []Structure{&circle{1}, &circle{2}}, "Circle"},
		{"common ancestor", []Structure{&circle{1}, &square{2}}, "Shape"},
		{"ancestor itself", []Structure{&square{1}, &shape{2}}, "Shape"},
		{"unrelated", []Structure{&circle{1}, &label{Text: "x"}}, BaseStructureType},
		{"opaque member", []Structure{&circle{1}, &Opaque{TypeID: ua.NewNumericNodeID(3, 1), Encoding: ExtensionObjectBinary, Body: []byte{1}}}, BaseStructureType},
		{"empty", []Structure{}, BaseStructureType},
	}
	for _, tc := range cases {
		b := encodeWith(t, ctx, func(e *BinaryEncoder) error { return e.PutExtensionObjectArray("", tc.in) })
		arr, err := decoderFor(t, ctx, b).GetExtensionObjectArray("")
		if err != nil {
			t.Fatalf("%s: decode: %v", tc.name, err)
		}
		if arr.ElementType != tc.want || len(arr.Values) != len(tc.in) {
			t.Fatalf("%s: got %s with %d values, want %s", tc.name, arr.ElementType, len(arr.Values), tc.want)
		}
	}

	b := encodeWith(t, ctx, func(e *BinaryEncoder) error { return e.PutExtensionObjectArray("", nil) })
	arr, err := decoderFor(t, ctx, b).GetExtensionObjectArray("")
	if err != nil || arr.Values != nil || arr.ElementType != BaseStructureType {
		t.Fatalf("null array: %+v %v", arr, err)
	}
}

func TestStructureHelpersRejectTrailingBytes(t *testing.T) {
	testlog.Start(t)

	ctx := NewContext(newShapeRegistry(t))
	b, err := Encode(ctx, &square{Side: 4})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out square
	if err := Decode(ctx, b, &out); err != nil || out.Side != 4 {
		t.Fatalf("decode: %+v %v", out, err)
	}
	if err := Decode(ctx, append(b, 0), &out); !errors.Is(err, ua.ErrDecoding) {
		t.Fatalf("trailing byte: got %v", err)
	}
	if err := Decode(ctx, b[:3], &out); !errors.Is(err, ua.ErrDecoding) {
		t.Fatalf("short body: got %v", err)
	}
}

func TestMessageBodyForm(t *testing.T) {
	testlog.Start(t)

	ctx := NewContext(newShapeRegistry(t))
	raw, err := EncodeMessage(ctx, &circle{Radius: 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Four-byte node id (ns=1;i=5011) then the bare double, no extension object framing.
	if !bytes.Equal(raw[:4], []byte{0x01, 0x01, 0x93, 0x13}) || len(raw) != 12 {
		t.Fatalf("message bytes % X", raw)
	}
	s, err := DecodeMessage(ctx, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c, ok := s.(*circle); !ok || c.Radius != 2 {
		t.Fatalf("decoded %#v", s)
	}

	xml := append([]byte{0x01, 0x01, 0x94, 0x13}, raw[4:]...)
	if _, err := DecodeMessage(ctx, xml); ua.StatusOf(err) != ua.StatusBadServiceUnsupported || !errors.Is(err, ua.ErrDecoding) {
		t.Fatalf("xml encoding id as message: %v", err)
	}
	if _, err := DecodeMessage(ctx, append(bytes.Clone(raw), 0)); !errors.Is(err, ua.ErrDecoding) {
		t.Fatalf("trailing bytes: %v", err)
	}
	if _, err := EncodeMessage(NewContext(nil), &circle{}); !errors.Is(err, ua.ErrEncoding) {
		t.Fatalf("unregistered message: %v", err)
	}
}
