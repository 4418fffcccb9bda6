package fonts

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/georgepadayatti/eidsign/pdf/generic"
	"golang.org/x/image/font/gofont/goregular"
)

type objectList struct {
	objects []generic.PdfObject
}

func (l *objectList) AddObject(obj generic.PdfObject) generic.Reference {
	l.objects = append(l.objects, obj)
	return generic.NewReference(len(l.objects), 0)
}

func TestEncodeWinAnsi(t *testing.T) {
	tests := []struct {
		input    string
		expected []byte
	}{
		{"Hello", []byte("Hello")},
		{"Jürgen", []byte{'J', 0xFC, 'r', 'g', 'e', 'n'}},
		{"€5", []byte{0x80, '5'}},
		{"Łódź", []byte{'?', 0xF3, 'd', '?'}},
	}
	for _, tt := range tests {
		if got := EncodeWinAnsi(tt.input); !bytes.Equal(got, tt.expected) {
			t.Errorf("EncodeWinAnsi(%q) = %x, want %x", tt.input, got, tt.expected)
		}
	}
}

func TestHelvetica(t *testing.T) {
	h := Helvetica()
	if len(helveticaWidths) != 126-32+1 {
		t.Fatalf("width table has %d entries", len(helveticaWidths))
	}
	// "Hi" = 722 + 222 units.
	if w := h.StringWidth("Hi", 10); math.Abs(w-9.44) > 1e-9 {
		t.Errorf("StringWidth = %f", w)
	}
	obj, err := h.Dictionary(&objectList{})
	if err != nil {
		t.Fatal(err)
	}
	d := obj.(*generic.DictionaryObject)
	if base, _ := d.GetName("BaseFont"); base != "Helvetica" {
		t.Errorf("BaseFont = %q", base)
	}
	if enc, _ := d.GetName("Encoding"); enc != "WinAnsiEncoding" {
		t.Errorf("Encoding = %q", enc)
	}
}

func TestLoadTrueTypeFont(t *testing.T) {
	f, err := LoadTrueTypeFont(goregular.TTF)
	if err != nil {
		t.Fatalf("LoadTrueTypeFont failed: %v", err)
	}
	if f.Name() == "" || bytes.ContainsAny([]byte(f.Name()), " /()") {
		t.Errorf("Name = %q", f.Name())
	}
	if f.Ascent() <= 0 || f.descent >= 0 {
		t.Errorf("ascent %f descent %f", f.Ascent(), f.descent)
	}
	if f.Width('W') <= f.Width('i') {
		t.Errorf("W (%f) should be wider than i (%f)", f.Width('W'), f.Width('i'))
	}
	if f.bbox[2] <= f.bbox[0] || f.bbox[3] <= f.bbox[1] {
		t.Errorf("degenerate bbox %v", f.bbox)
	}
	want := (f.Width('a') + f.Width('b')) * 12 / 1000
	if got := f.StringWidth("ab", 12); math.Abs(got-want) > 1e-9 {
		t.Errorf("StringWidth = %f, want %f", got, want)
	}
}

func TestTrueTypeDictionary(t *testing.T) {
	f, err := LoadTrueTypeFont(goregular.TTF)
	if err != nil {
		t.Fatal(err)
	}
	objs := &objectList{}
	obj, err := f.Dictionary(objs)
	if err != nil {
		t.Fatal(err)
	}
	ref, ok := obj.(generic.Reference)
	if !ok {
		t.Fatalf("Dictionary returned %T", obj)
	}
	if len(objs.objects) != 3 {
		t.Fatalf("%d objects added, expected file, descriptor and font", len(objs.objects))
	}
	font := objs.objects[ref.ObjectNumber-1].(*generic.DictionaryObject)
	if sub, _ := font.GetName("Subtype"); sub != "TrueType" {
		t.Errorf("Subtype = %q", sub)
	}
	widths, _ := font.GetArray("Widths")
	if len(widths) != lastChar-firstChar+1 {
		t.Errorf("%d widths", len(widths))
	}

	descRef := font.Get("FontDescriptor").(generic.Reference)
	desc := objs.objects[descRef.ObjectNumber-1].(*generic.DictionaryObject)
	fileRef := desc.Get("FontFile2").(generic.Reference)
	file := objs.objects[fileRef.ObjectNumber-1].(*generic.StreamObject)
	if n, _ := file.Dict.GetInt("Length1"); n != int64(len(goregular.TTF)) {
		t.Errorf("Length1 = %d", n)
	}
	if filter, _ := file.Dict.GetName("Filter"); filter != "FlateDecode" {
		t.Errorf("Filter = %q", filter)
	}
}

func TestLoadTrueTypeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"too short", []byte("abc"), ErrInvalidFont},
		{"not a font", bytes.Repeat([]byte("x"), 64), ErrUnsupportedFormat},
		{"CFF", append([]byte("OTTO"), make([]byte, 60)...), ErrUnsupportedFormat},
		{"truncated", goregular.TTF[:200], ErrInvalidFont},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadTrueTypeFont(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, expected %v", err, tt.want)
			}
		})
	}

	if _, err := LoadTrueTypeFile(filepath.Join(t.TempDir(), "missing.ttf")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: %v", err)
	}
}
