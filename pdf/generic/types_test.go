package generic

import (
	"bytes"
	"testing"
	"time"
)

func writeString(t *testing.T, obj PdfObject) string {
	t.Helper()
	var buf bytes.Buffer
	if err := obj.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return buf.String()
}

func TestScalarWrite(t *testing.T) {
	tests := []struct {
		name     string
		obj      PdfObject
		expected string
	}{
		{"null", NullObject{}, "null"},
		{"true", BooleanObject(true), "true"},
		{"false", BooleanObject(false), "false"},
		{"int", IntegerObject(-123), "-123"},
		{"real", RealObject(2.5), "2.5"},
		{"real no exponent", RealObject(0.0000125), "0.0000125"},
		{"name", NameObject("Sig"), "/Sig"},
		{"name with space", NameObject("A B"), "/A#20B"},
		{"name with hash", NameObject("A#B"), "/A#23B"},
		{"reference", NewReference(12, 0), "12 0 R"},
		{"literal", NewLiteralString("a(b)c\\"), `(a\(b\)c\\)`},
		{"literal newline", NewLiteralString("a\nb"), `(a\nb)`},
		{"hex", NewHexString([]byte{0xAB, 0x01}), "<ab01>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := writeString(t, tt.obj); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestDictionaryKeepsInsertionOrder(t *testing.T) {
	d := NewDictionary()
	d.Set("Type", NameObject("Sig"))
	d.Set("Filter", NameObject("Adobe.PPKLite"))
	d.Set("M", NewLiteralString("D:2024"))
	d.Set("Type", NameObject("Annot"))

	got := writeString(t, d)
	expected := "<</Type /Annot/Filter /Adobe.PPKLite/M (D:2024)>>"
	if got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}

	d.Delete("Filter")
	if d.Has("Filter") || d.Len() != 2 {
		t.Errorf("Delete did not remove key, keys=%v", d.Keys())
	}
}

func TestDictionaryClone(t *testing.T) {
	d := NewDictionary()
	d.Set("Kids", ArrayObject{NewReference(1, 0)})
	clone := d.Clone().(*DictionaryObject)
	kids, _ := clone.GetArray("Kids")
	kids = append(kids, NewReference(2, 0))
	clone.Set("Kids", kids)

	orig, _ := d.GetArray("Kids")
	if len(orig) != 1 {
		t.Errorf("Clone shares state with original: %v", orig)
	}
}

func TestStreamWriteSetsLength(t *testing.T) {
	s := NewStream(nil, []byte("q Q"))
	got := writeString(t, s)
	expected := "<</Length 3>>\nstream\nq Q\nendstream"
	if got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}
}

func TestIndirectObjectWrite(t *testing.T) {
	obj := NewIndirectObject(NewReference(7, 0), IntegerObject(42))
	got := writeString(t, obj)
	if got != "7 0 obj\n42\nendobj\n" {
		t.Errorf("Unexpected output %q", got)
	}
}

func TestCountingWriterOffset(t *testing.T) {
	var buf bytes.Buffer
	cw := NewCountingWriter(&buf, 100)
	if _, err := cw.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if cw.Offset() != 105 {
		t.Errorf("Expected offset 105, got %d", cw.Offset())
	}
}

func TestRectangle(t *testing.T) {
	r, err := RectangleFromArray(ArrayObject{IntegerObject(200), IntegerObject(600), RealObject(400.5), IntegerObject(660)})
	if err != nil {
		t.Fatalf("RectangleFromArray failed: %v", err)
	}
	if r.Width() != 200.5 || r.Height() != 60 {
		t.Errorf("Unexpected size %vx%v", r.Width(), r.Height())
	}
	if got := writeString(t, r.ToArray()); got != "[200 600 400.5 660]" {
		t.Errorf("Unexpected array %q", got)
	}

	if _, err := RectangleFromArray(ArrayObject{IntegerObject(1)}); err == nil {
		t.Error("Expected error for short array")
	}
}

func TestTextString(t *testing.T) {
	tests := []struct {
		in      string
		utf16   bool
		decoded string
	}{
		{"Belgium", false, "Belgium"},
		{"Bruxelles-Capitale", false, "Bruxelles-Capitale"},
		{"Liège", true, "Liège"},
		{"Signé par Zoë", true, "Signé par Zoë"},
	}

	for _, tt := range tests {
		s := NewTextString(tt.in)
		if got := bytes.HasPrefix(s.Value, []byte{0xFE, 0xFF}); got != tt.utf16 {
			t.Errorf("%q: utf16=%v, expected %v", tt.in, got, tt.utf16)
		}
		if got := s.TextString(); got != tt.decoded {
			t.Errorf("%q: decoded %q", tt.in, got)
		}
	}

	latin1 := &StringObject{Value: []byte{'L', 'i', 0xE8, 'g', 'e'}}
	if got := latin1.TextString(); got != "Liège" {
		t.Errorf("Latin-1 decode gave %q", got)
	}
}

func TestFormatAndParseDate(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	ts := time.Date(2024, 3, 5, 14, 7, 9, 0, loc)

	s := FormatDate(ts)
	if s != "D:20240305140709+01'00'" {
		t.Fatalf("Unexpected date %q", s)
	}
	back, err := ParseDate(s)
	if err != nil {
		t.Fatalf("ParseDate failed: %v", err)
	}
	if !back.Equal(ts) {
		t.Errorf("Round trip mismatch: %v vs %v", back, ts)
	}

	tests := []struct {
		in       string
		expected time.Time
	}{
		{"D:2024", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"D:20240305Z", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)},
		{"D:20240305140709-05'30", time.Date(2024, 3, 5, 14, 7, 9, 0, time.FixedZone("", -(5*3600 + 30*60)))},
	}
	for _, tt := range tests {
		got, err := ParseDate(tt.in)
		if err != nil {
			t.Errorf("%q: %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.expected) {
			t.Errorf("%q: got %v, expected %v", tt.in, got, tt.expected)
		}
	}

	if _, err := ParseDate("yesterday"); err == nil {
		t.Error("Expected error for garbage date")
	}
}
