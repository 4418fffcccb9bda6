// Package stamp renders the visible appearance of a signature field.
package stamp

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/georgepadayatti/eidsign/internal/logger"
	"github.com/georgepadayatti/eidsign/pdf/filters"
	"github.com/georgepadayatti/eidsign/pdf/fonts"
	"github.com/georgepadayatti/eidsign/pdf/generic"
	"github.com/georgepadayatti/eidsign/pdf/layout"
)

// DefaultTemplate is the stamp text. %(signer)s is the signer's common name
// and %(ts)s the signing time.
const DefaultTemplate = "Digitally signed by\n%(signer)s\n%(ts)s"

// DefaultFontFile is looked up next to the executable.
const DefaultFontFile = "JetBrainsMono-Regular.ttf"

// TextStampStyle configures the appearance of a text stamp.
type TextStampStyle struct {
	// Template may contain %(signer)s and %(ts)s. Lines are separated by \n.
	Template string
	// Font defaults to Helvetica when nil. The orchestrator resolves a nil
	// Font from its FontPath first.
	Font fonts.Font
	// Font size in points
	FontSize float64
	// Leading is the baseline-to-baseline distance in points.
	Leading float64
	// Border width in points; zero draws no border.
	BorderWidth float64
	// Padding between the border and the text.
	Padding float64
	// TimestampFormat is a time layout for %(ts)s.
	TimestampFormat string
	// XAlign and YAlign place the text block inside the padded box. Each
	// line is aligned on its own horizontally.
	XAlign layout.Alignment
	YAlign layout.Alignment
}

// DefaultTextStampStyle returns the default stamp style.
func DefaultTextStampStyle() *TextStampStyle {
	return &TextStampStyle{
		Template:        DefaultTemplate,
		FontSize:        10,
		Leading:         12,
		BorderWidth:     1,
		Padding:         3,
		TimestampFormat: "2006-01-02 15:04:05 MST",
	}
}

// Lines substitutes the placeholders and splits the template into lines.
func (s *TextStampStyle) Lines(signer string, ts time.Time) []string {
	format := s.TimestampFormat
	if format == "" {
		format = time.RFC3339
	}
	text := strings.NewReplacer(
		"%(signer)s", signer,
		"%(ts)s", ts.Format(format),
	).Replace(s.Template)
	return strings.Split(text, "\n")
}

// Render builds the Form XObject for a box of the given size. Fonts that
// need embedding are added through w.
func (s *TextStampStyle) Render(w fonts.ObjectAdder, width, height float64, signer string, ts time.Time) (*generic.StreamObject, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("stamp box %gx%g is empty", width, height)
	}
	font := s.Font
	if font == nil {
		font = fonts.Helvetica()
	}
	fontObj, err := font.Dictionary(w)
	if err != nil {
		return nil, fmt.Errorf("font %s: %w", font.Name(), err)
	}

	content := s.content(font, width, height, s.Lines(signer, ts))

	fontRes := generic.NewDictionary()
	fontRes.Set("F1", fontObj)
	resources := generic.NewDictionary()
	resources.Set("Font", fontRes)
	resources.Set("ProcSet", generic.ArrayObject{generic.NameObject("PDF"), generic.NameObject("Text")})

	dict := generic.NewDictionary()
	dict.Set("Type", generic.NameObject("XObject"))
	dict.Set("Subtype", generic.NameObject("Form"))
	dict.Set("BBox", generic.NewRectangleArray(0, 0, width, height))
	dict.Set("Resources", resources)
	return filters.NewFlateStream(dict, content)
}

func (s *TextStampStyle) content(font fonts.Font, width, height float64, lines []string) []byte {
	var buf bytes.Buffer

	if bw := s.BorderWidth; bw > 0 {
		fmt.Fprintf(&buf, "q\n%s w 0 G\n%s %s %s %s re S\nQ\n",
			num(bw), num(bw/2), num(bw/2), num(width-bw), num(height-bw))
	}

	size := s.FontSize
	inner := layout.UniformMargins(s.BorderWidth+s.Padding).Apply(generic.Rectangle{URX: width, URY: height})
	ascent := font.Ascent() * size / 1000
	descent := -font.Descent() * size / 1000
	block := ascent + float64(len(lines)-1)*s.Leading + descent

	// Baseline of the first line.
	top := inner.LLY + s.YAlign.Offset(inner.Height(), block) + block - ascent

	buf.WriteString("BT\n")
	fmt.Fprintf(&buf, "/F1 %s Tf\n", num(size))
	for i, line := range lines {
		x := inner.LLX + s.XAlign.Offset(inner.Width(), font.StringWidth(line, size))
		y := top - float64(i)*s.Leading
		fmt.Fprintf(&buf, "1 0 0 1 %s %s Tm\n", num(x), num(y))
		generic.NewLiteralString(string(font.Encode(line))).Write(&buf)
		buf.WriteString(" Tj\n")
	}
	buf.WriteString("ET\n")
	return buf.Bytes()
}

func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*1000)/1000, 'f', -1, 64)
}

// DefaultFontPaths returns where the stamp font is looked for: next to the
// running executable, then in a fonts directory beside it.
func DefaultFontPaths() []string {
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	dir := filepath.Dir(exe)
	return []string{
		filepath.Join(dir, DefaultFontFile),
		filepath.Join(dir, "fonts", DefaultFontFile),
	}
}

// ResolveFont loads the TrueType font at path, or the first of
// DefaultFontPaths that exists when path is empty. Any failure degrades to
// Helvetica with a warning.
func ResolveFont(path string, log *slog.Logger) fonts.Font {
	return resolveFont(path, DefaultFontPaths(), log)
}

func resolveFont(path string, defaults []string, log *slog.Logger) fonts.Font {
	if log == nil {
		log = logger.Get()
	}
	if path == "" {
		for _, p := range defaults {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		log.Warn("stamp font not found, using Helvetica", "searched", defaults)
		return fonts.Helvetica()
	}
	f, err := fonts.LoadTrueTypeFile(path)
	if err != nil {
		log.Warn("stamp font unavailable, using Helvetica", "path", path, "error", err)
		return fonts.Helvetica()
	}
	log.Debug("stamp font loaded", "path", path, "name", f.Name())
	return f
}
