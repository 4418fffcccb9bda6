package stamp

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/georgepadayatti/eidsign/pdf/filters"
	"github.com/georgepadayatti/eidsign/pdf/fonts"
	"github.com/georgepadayatti/eidsign/pdf/generic"
	"github.com/georgepadayatti/eidsign/pdf/layout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font/gofont/goregular"
)

type objectList struct {
	objects []generic.PdfObject
}

func (l *objectList) AddObject(obj generic.PdfObject) generic.Reference {
	l.objects = append(l.objects, obj)
	return generic.NewReference(len(l.objects), 0)
}

var ts = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func TestLines(t *testing.T) {
	style := DefaultTextStampStyle()
	lines := style.Lines("Alice Example (Signature)", ts)
	assert.Equal(t, []string{
		"Digitally signed by",
		"Alice Example (Signature)",
		"2026-03-14 09:26:53 UTC",
	}, lines)

	style.Template = "%(signer)s, %(ts)s, %(other)s"
	style.TimestampFormat = "2006-01-02"
	assert.Equal(t, []string{"Bob, 2026-03-14, %(other)s"}, style.Lines("Bob", ts))
}

func decodedContent(t *testing.T, xobj *generic.StreamObject) string {
	t.Helper()
	data, err := filters.DecodeStream(xobj)
	require.NoError(t, err)
	return string(data)
}

func TestRenderHelvetica(t *testing.T) {
	style := DefaultTextStampStyle()
	objs := &objectList{}
	xobj, err := style.Render(objs, 200, 60, "Alice (Signature)", ts)
	require.NoError(t, err)
	assert.Empty(t, objs.objects, "Helvetica is not embedded")

	sub, _ := xobj.Dict.GetName("Subtype")
	assert.Equal(t, "Form", sub)
	bbox, err := generic.RectangleFromArray(mustArray(t, xobj.Dict, "BBox"))
	require.NoError(t, err)
	assert.Equal(t, generic.Rectangle{URX: 200, URY: 60}, bbox)

	res, ok := xobj.Dict.GetDict("Resources")
	require.True(t, ok)
	fontRes, ok := res.GetDict("Font")
	require.True(t, ok)
	f1, ok := fontRes.GetDict("F1")
	require.True(t, ok)
	base, _ := f1.GetName("BaseFont")
	assert.Equal(t, "Helvetica", base)

	content := decodedContent(t, xobj)
	assert.Contains(t, content, "1 w 0 G\n0.5 0.5 199 59 re S")
	assert.Contains(t, content, "/F1 10 Tf")
	assert.Contains(t, content, "(Digitally signed by) Tj")
	assert.Contains(t, content, `(Alice \(Signature\)) Tj`)
	assert.Contains(t, content, "(2026-03-14 09:26:53 UTC) Tj")
}

func mustArray(t *testing.T, d *generic.DictionaryObject, key string) generic.ArrayObject {
	t.Helper()
	arr, ok := d.GetArray(key)
	require.True(t, ok, "/%s is not an array", key)
	return arr
}

func TestRenderLayout(t *testing.T) {
	style := DefaultTextStampStyle()
	style.Template = "a\nb"
	style.BorderWidth = 0
	xobj, err := style.Render(&objectList{}, 100, 50, "", ts)
	require.NoError(t, err)
	content := decodedContent(t, xobj)
	assert.NotContains(t, content, " re S", "no border at width 0")

	// Bottom-left: the last baseline sits one descent above the padding.
	descent := 207 * 10 / 1000.0
	lastBaseline := 3 + descent
	assert.Contains(t, content, "1 0 0 1 3 "+num(lastBaseline+12)+" Tm\n(a) Tj")
	assert.Contains(t, content, "1 0 0 1 3 "+num(lastBaseline)+" Tm\n(b) Tj")

	style.YAlign = layout.AlignMax
	style.XAlign = layout.AlignMax
	xobj, err = style.Render(&objectList{}, 100, 50, "", ts)
	require.NoError(t, err)
	content = decodedContent(t, xobj)
	firstBaseline := 50 - 3 - 7.18
	x := 100 - 3 - fonts.Helvetica().StringWidth("a", 10)
	assert.Contains(t, content, "1 0 0 1 "+num(x)+" "+num(firstBaseline)+" Tm\n(a) Tj")
}

func TestRenderEmbedsTrueType(t *testing.T) {
	f, err := fonts.LoadTrueTypeFont(goregular.TTF)
	require.NoError(t, err)
	style := DefaultTextStampStyle()
	style.Font = f

	objs := &objectList{}
	xobj, err := style.Render(objs, 200, 60, "Jürgen Ümlaut", ts)
	require.NoError(t, err)
	assert.Len(t, objs.objects, 3)

	res, _ := xobj.Dict.GetDict("Resources")
	fontRes, _ := res.GetDict("Font")
	_, isRef := fontRes.Get("F1").(generic.Reference)
	assert.True(t, isRef, "embedded font is indirect")

	content := decodedContent(t, xobj)
	assert.Contains(t, content, "(J\xfcrgen \xdcmlaut) Tj", "WinAnsi encoded")
}

func TestRenderRejectsEmptyBox(t *testing.T) {
	_, err := DefaultTextStampStyle().Render(&objectList{}, 0, 60, "x", ts)
	assert.Error(t, err)
}

func TestResolveFont(t *testing.T) {
	var logBuf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logBuf, nil))

	dir := t.TempDir()
	good := filepath.Join(dir, "go.ttf")
	require.NoError(t, os.WriteFile(good, goregular.TTF, 0o600))
	f := ResolveFont(good, log)
	assert.Equal(t, fonts.FontTypeTrueType, f.Type())
	assert.Empty(t, logBuf.String())

	bad := filepath.Join(dir, "bad.ttf")
	require.NoError(t, os.WriteFile(bad, []byte("not a font at all"), 0o600))
	f = ResolveFont(bad, log)
	assert.Equal(t, "Helvetica", f.Name())
	assert.Contains(t, logBuf.String(), "level=WARN")

	logBuf.Reset()
	f = ResolveFont(filepath.Join(dir, "missing.ttf"), log)
	assert.Equal(t, "Helvetica", f.Name())
	assert.True(t, strings.Contains(logBuf.String(), "missing.ttf"))
}

func TestResolveDefaultFont(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	beside := filepath.Join(dir, DefaultFontFile)
	inFonts := filepath.Join(dir, "fonts", DefaultFontFile)
	defaults := []string{beside, inFonts}

	assert.Equal(t, "Helvetica", resolveFont("", defaults, log).Name(), "nothing installed")

	// A broken file in fonts/ is found and degrades to Helvetica.
	require.NoError(t, os.MkdirAll(filepath.Dir(inFonts), 0o700))
	require.NoError(t, os.WriteFile(inFonts, []byte("not a font"), 0o600))
	assert.Equal(t, "Helvetica", resolveFont("", defaults, log).Name())

	// The copy next to the executable wins over fonts/.
	require.NoError(t, os.WriteFile(beside, goregular.TTF, 0o600))
	assert.Equal(t, fonts.FontTypeTrueType, resolveFont("", defaults, log).Type())

	paths := DefaultFontPaths()
	require.Len(t, paths, 2)
	assert.Equal(t, DefaultFontFile, filepath.Base(paths[0]))
	assert.Equal(t, "fonts", filepath.Base(filepath.Dir(paths[1])))
}
