// Package fonts provides the fonts used in signature appearances: the
// standard Helvetica and embedded TrueType fonts, both with WinAnsi
// encoding.
package fonts

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/georgepadayatti/eidsign/pdf/filters"
	"github.com/georgepadayatti/eidsign/pdf/generic"
	"golang.org/x/image/font"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/encoding/charmap"
)

// Common errors
var (
	ErrInvalidFont       = errors.New("invalid font data")
	ErrUnsupportedFormat = errors.New("unsupported font format")
)

// FontType represents the type of a PDF font.
type FontType string

const (
	FontTypeType1    FontType = "Type1"
	FontTypeTrueType FontType = "TrueType"
)

// WinAnsi codes covered by the /Widths array.
const (
	firstChar = 32
	lastChar  = 255
)

// ObjectAdder registers indirect objects. Both the incremental writer and
// the full-file writer satisfy it.
type ObjectAdder interface {
	AddObject(obj generic.PdfObject) generic.Reference
}

// Font is a simple font usable in a content stream with Tf/Tj.
type Font interface {
	// Name returns the PostScript name.
	Name() string
	Type() FontType
	// Encode converts text to WinAnsi codes. Runes outside the encoding
	// become '?'.
	Encode(s string) []byte
	// StringWidth returns the advance of s in points at the given size.
	StringWidth(s string, size float64) float64
	// Ascent and Descent are in thousandths of an em. Descent is negative.
	Ascent() float64
	Descent() float64
	// Dictionary writes whatever the font needs into the document and
	// returns the object to put in a /Font resource dictionary.
	Dictionary(w ObjectAdder) (generic.PdfObject, error)
}

// EncodeWinAnsi encodes a string to Windows-1252.
func EncodeWinAnsi(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		b, ok := charmap.Windows1252.EncodeRune(r)
		if !ok {
			b = '?'
		}
		out = append(out, b)
	}
	return out
}

// helveticaWidths are the AFM advances of codes 32 to 126.
var helveticaWidths = [...]float64{
	278, 278, 355, 556, 556, 889, 667, 191, 333, 333, 389, 584, 278, 333, 278, 278,
	556, 556, 556, 556, 556, 556, 556, 556, 556, 556, 278, 278, 584, 584, 584, 556,
	1015, 667, 667, 722, 722, 667, 611, 778, 722, 278, 500, 667, 556, 833, 722, 778,
	667, 778, 722, 667, 611, 722, 667, 944, 667, 667, 611, 278, 278, 278, 469, 556,
	333, 556, 556, 500, 556, 556, 278, 556, 556, 222, 222, 500, 222, 833, 556, 556,
	556, 556, 333, 500, 278, 556, 500, 722, 500, 500, 500, 334, 260, 334, 584,
}

// StandardType1Font is Helvetica, one of the standard 14 fonts every viewer
// provides. It is never embedded.
type StandardType1Font struct{}

// Helvetica returns the fallback font.
func Helvetica() *StandardType1Font { return &StandardType1Font{} }

func (*StandardType1Font) Name() string { return "Helvetica" }

func (*StandardType1Font) Type() FontType { return FontTypeType1 }

func (*StandardType1Font) Encode(s string) []byte { return EncodeWinAnsi(s) }

func (*StandardType1Font) Ascent() float64 { return 718 }

func (*StandardType1Font) Descent() float64 { return -207 }

// StringWidth uses 556, the width of most letters, outside printable ASCII.
func (*StandardType1Font) StringWidth(s string, size float64) float64 {
	var total float64
	for _, c := range EncodeWinAnsi(s) {
		if c >= 32 && c <= 126 {
			total += helveticaWidths[c-32]
		} else {
			total += 556
		}
	}
	return total * size / 1000
}

// Dictionary returns an inline font dictionary.
func (f *StandardType1Font) Dictionary(ObjectAdder) (generic.PdfObject, error) {
	d := generic.NewDictionary()
	d.Set("Type", generic.NameObject("Font"))
	d.Set("Subtype", generic.NameObject("Type1"))
	d.Set("BaseFont", generic.NameObject(f.Name()))
	d.Set("Encoding", generic.NameObject("WinAnsiEncoding"))
	return d, nil
}

// TrueTypeFont is a TrueType font embedded whole as /FontFile2.
type TrueTypeFont struct {
	name      string
	data      []byte
	widths    [lastChar - firstChar + 1]float64
	ascent    float64
	descent   float64
	capHeight float64
	bbox      [4]float64
}

// LoadTrueTypeFile reads and parses a TrueType font file.
func LoadTrueTypeFile(path string) (*TrueTypeFont, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadTrueTypeFont(data)
}

// LoadTrueTypeFont parses font data and precomputes the WinAnsi widths.
func LoadTrueTypeFont(data []byte) (*TrueTypeFont, error) {
	if len(data) < 12 {
		return nil, ErrInvalidFont
	}
	switch string(data[:4]) {
	case "\x00\x01\x00\x00", "true":
	case "OTTO":
		return nil, fmt.Errorf("%w: CFF outlines cannot be embedded as FontFile2", ErrUnsupportedFormat)
	default:
		return nil, ErrUnsupportedFormat
	}

	f, err := sfnt.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFont, err)
	}
	var buf sfnt.Buffer
	upem := float64(f.UnitsPerEm())
	if upem <= 0 {
		return nil, fmt.Errorf("%w: zero units per em", ErrInvalidFont)
	}
	// With ppem equal to the em size, 26.6 values are font units times 64.
	ppem := fixed.I(int(f.UnitsPerEm()))
	scale := func(v fixed.Int26_6) float64 { return float64(v) / 64 * 1000 / upem }

	t := &TrueTypeFont{data: data}
	if name, err := f.Name(&buf, sfnt.NameIDPostScript); err == nil {
		t.name = strings.Map(func(r rune) rune {
			if r <= ' ' || r > '~' || strings.ContainsRune("()<>[]{}/%#", r) {
				return -1
			}
			return r
		}, name)
	}
	if t.name == "" {
		t.name = "EmbeddedFont"
	}

	for code := firstChar; code <= lastChar; code++ {
		r := charmap.Windows1252.DecodeByte(byte(code))
		gi, err := f.GlyphIndex(&buf, r)
		if err != nil {
			return nil, fmt.Errorf("%w: cmap: %v", ErrInvalidFont, err)
		}
		adv, err := f.GlyphAdvance(&buf, gi, ppem, font.HintingNone)
		if err != nil {
			return nil, fmt.Errorf("%w: hmtx: %v", ErrInvalidFont, err)
		}
		t.widths[code-firstChar] = scale(adv)
	}

	m, err := f.Metrics(&buf, ppem, font.HintingNone)
	if err != nil {
		return nil, fmt.Errorf("%w: metrics: %v", ErrInvalidFont, err)
	}
	t.ascent, t.descent, t.capHeight = scale(m.Ascent), -scale(m.Descent), scale(m.CapHeight)
	if t.capHeight == 0 {
		t.capHeight = t.ascent
	}

	b, err := f.Bounds(&buf, ppem, font.HintingNone)
	if err != nil {
		return nil, fmt.Errorf("%w: bounds: %v", ErrInvalidFont, err)
	}
	// sfnt bounds are y-down.
	t.bbox = [4]float64{scale(b.Min.X), -scale(b.Max.Y), scale(b.Max.X), -scale(b.Min.Y)}
	return t, nil
}

func (f *TrueTypeFont) Name() string { return f.name }

func (f *TrueTypeFont) Type() FontType { return FontTypeTrueType }

func (f *TrueTypeFont) Encode(s string) []byte { return EncodeWinAnsi(s) }

func (f *TrueTypeFont) Ascent() float64 { return f.ascent }

func (f *TrueTypeFont) Descent() float64 { return f.descent }

func (f *TrueTypeFont) StringWidth(s string, size float64) float64 {
	var total float64
	for _, c := range EncodeWinAnsi(s) {
		if c >= firstChar {
			total += f.widths[c-firstChar]
		}
	}
	return total * size / 1000
}

// Width returns the advance of a WinAnsi code in thousandths of an em.
func (f *TrueTypeFont) Width(code byte) float64 {
	if code < firstChar {
		return 0
	}
	return f.widths[code-firstChar]
}

// Dictionary embeds the font program and descriptor and returns a
// reference to the font dictionary.
func (f *TrueTypeFont) Dictionary(w ObjectAdder) (generic.PdfObject, error) {
	fileDict := generic.NewDictionary()
	fileDict.Set("Length1", generic.IntegerObject(len(f.data)))
	file, err := filters.NewFlateStream(fileDict, f.data)
	if err != nil {
		return nil, err
	}

	desc := generic.NewDictionary()
	desc.Set("Type", generic.NameObject("FontDescriptor"))
	desc.Set("FontName", generic.NameObject(f.name))
	desc.Set("Flags", generic.IntegerObject(32)) // nonsymbolic
	desc.Set("FontBBox", generic.NewRectangleArray(f.bbox[0], f.bbox[1], f.bbox[2], f.bbox[3]))
	desc.Set("ItalicAngle", generic.IntegerObject(0))
	desc.Set("Ascent", generic.RealObject(f.ascent))
	desc.Set("Descent", generic.RealObject(f.descent))
	desc.Set("CapHeight", generic.RealObject(f.capHeight))
	desc.Set("StemV", generic.IntegerObject(80))
	desc.Set("FontFile2", w.AddObject(file))

	widths := make(generic.ArrayObject, len(f.widths))
	for i, v := range f.widths {
		widths[i] = generic.RealObject(v)
	}
	d := generic.NewDictionary()
	d.Set("Type", generic.NameObject("Font"))
	d.Set("Subtype", generic.NameObject("TrueType"))
	d.Set("BaseFont", generic.NameObject(f.name))
	d.Set("FirstChar", generic.IntegerObject(firstChar))
	d.Set("LastChar", generic.IntegerObject(lastChar))
	d.Set("Widths", widths)
	d.Set("Encoding", generic.NameObject("WinAnsiEncoding"))
	d.Set("FontDescriptor", w.AddObject(desc))
	return w.AddObject(d), nil
}
