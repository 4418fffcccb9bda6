package fields

import (
	"errors"
	"strings"
	"testing"

	"github.com/georgepadayatti/eidsign/pdf/generic"
	"github.com/georgepadayatti/eidsign/pdf/reader"
	"github.com/georgepadayatti/eidsign/pdf/writer"
	"github.com/google/uuid"
)

type formLayout int

const (
	noForm formLayout = iota
	inlineForm
	indirectForm
)

// fixture builds a three-page document. The form layout and an indirect
// /Annots array on the first page vary the structures Inject must extend.
func fixture(t *testing.T, layout formLayout, indirectAnnots bool) *writer.IncrementalWriter {
	t.Helper()
	w := writer.NewPdfFileWriter()
	var pages []generic.Reference
	for i := 0; i < 3; i++ {
		ref, err := w.AddPage(generic.Rectangle{URX: 595, URY: 842}, []byte("0 0 m 100 100 l S"))
		if err != nil {
			t.Fatal(err)
		}
		pages = append(pages, ref)
	}

	text := generic.NewDictionary()
	text.Set("FT", generic.NameObject("Tx"))
	text.Set("T", generic.NewTextString("Name"))
	textRef := w.AddObject(text)

	if indirectAnnots {
		page := w.Object(pages[0]).(*generic.DictionaryObject)
		page.Set("Annots", w.AddObject(generic.ArrayObject{textRef}))
	}

	switch layout {
	case inlineForm:
		form := generic.NewDictionary()
		form.Set("Fields", generic.ArrayObject{textRef})
		w.Root().Set("AcroForm", form)
	case indirectForm:
		form := generic.NewDictionary()
		form.Set("Fields", w.AddObject(generic.ArrayObject{textRef}))
		form.Set("SigFlags", generic.IntegerObject(1))
		w.Root().Set("AcroForm", w.AddObject(form))
	}

	data, err := w.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	r, err := reader.NewPdfFileReaderFromBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	return writer.NewIncrementalWriter(r)
}

func reread(t *testing.T, w *writer.IncrementalWriter) *reader.PdfFileReader {
	t.Helper()
	data, err := w.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	r, err := reader.NewPdfFileReaderFromBytes(data)
	if err != nil {
		t.Fatalf("updated file does not parse: %v", err)
	}
	return r
}

func TestSignatureFieldBuilder(t *testing.T) {
	spec := NewSignatureFieldBuilder("Signature1").
		OnPage(2).
		WithBox(200, 600, 200, 60).
		Build()

	if spec.SigFieldName != "Signature1" || spec.OnPage != 2 || spec.InvisibleSig {
		t.Errorf("unexpected spec %+v", spec)
	}
	want := generic.Rectangle{LLX: 200, LLY: 600, URX: 400, URY: 660}
	if spec.Box != want {
		t.Errorf("Box = %+v, expected %+v", spec.Box, want)
	}
	if !NewSignatureFieldBuilder("").Invisible().Build().InvisibleSig {
		t.Error("Invisible not applied")
	}
}

func TestGenerateFieldName(t *testing.T) {
	name := GenerateFieldName(nil)
	if !strings.HasPrefix(name, FieldNamePrefix) || len(name) != len(FieldNamePrefix)+8 {
		t.Fatalf("unexpected name %q", name)
	}
	if suffix := name[len(FieldNamePrefix):]; strings.Trim(suffix, "0123456789abcdef") != "" {
		t.Errorf("suffix is not lowercase hex: %q", name)
	}

	// The first candidate collides and must be skipped.
	ids := []uuid.UUID{
		uuid.MustParse("0badcafe-0000-4000-8000-000000000000"),
		uuid.MustParse("deadbeef-0000-4000-8000-000000000000"),
	}
	defer func(orig func() uuid.UUID) { newID = orig }(newID)
	newID = func() uuid.UUID {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	got := GenerateFieldName(map[string]bool{"Signature_0badcafe": true})
	if got != "Signature_deadbeef" {
		t.Errorf("GenerateFieldName = %q", got)
	}
}

func TestInject(t *testing.T) {
	tests := []struct {
		name           string
		layout         formLayout
		indirectAnnots bool
		wantFields     int
	}{
		{"no form", noForm, false, 1},
		{"inline form", inlineForm, false, 2},
		{"indirect form and annots", indirectForm, true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := fixture(t, tt.layout, tt.indirectAnnots)
			spec := NewSignatureFieldBuilder("").OnPage(0).WithBox(200, 600, 200, 60).Build()
			field, err := Inject(w, spec)
			if err != nil {
				t.Fatalf("Inject failed: %v", err)
			}
			if !strings.HasPrefix(field.Name, FieldNamePrefix) || !field.Visible || field.PageIndex != 0 {
				t.Errorf("unexpected field %+v", field)
			}

			r := reread(t, w)
			sigs, err := r.SignatureFields()
			if err != nil {
				t.Fatal(err)
			}
			if len(sigs) != 1 || sigs[0].Name != field.Name {
				t.Fatalf("signature fields %v", sigs)
			}
			names, err := ListFieldNames(r)
			if err != nil {
				t.Fatal(err)
			}
			if len(names) != tt.wantFields {
				t.Errorf("fields %v", names)
			}

			widget := sigs[0].Dict
			if f, _ := widget.GetInt("F"); f != 132 {
				t.Errorf("/F = %d", f)
			}
			rect, err := generic.RectangleFromArray(mustArray(t, widget, "Rect"))
			if err != nil || rect != spec.Box {
				t.Errorf("/Rect = %+v (%v)", rect, err)
			}
			if p, ok := widget.Get("P").(generic.Reference); !ok || p != field.PageRef {
				t.Errorf("/P = %v", widget.Get("P"))
			}
			if widget.Has("AP") {
				t.Error("Inject must not create an appearance")
			}

			page, err := r.Page(0)
			if err != nil {
				t.Fatal(err)
			}
			annots, err := r.ResolveArray(page.Get("Annots"))
			if err != nil {
				t.Fatal(err)
			}
			if last := annots[len(annots)-1]; last != field.Ref {
				t.Errorf("widget not in /Annots: %v", annots)
			}

			form, err := r.AcroForm()
			if err != nil || form == nil {
				t.Fatalf("no AcroForm: %v", err)
			}
			if flags, _ := form.GetInt("SigFlags"); flags != 3 {
				t.Errorf("/SigFlags = %d", flags)
			}
		})
	}
}

func mustArray(t *testing.T, d *generic.DictionaryObject, key string) generic.ArrayObject {
	t.Helper()
	arr, ok := d.GetArray(key)
	if !ok {
		t.Fatalf("/%s is not an array", key)
	}
	return arr
}

func TestInjectInvisible(t *testing.T) {
	w := fixture(t, noForm, false)
	field, err := Inject(w, NewSignatureFieldBuilder("Approval").OnPage(1).Invisible().Build())
	if err != nil {
		t.Fatal(err)
	}
	if field.Visible || field.Rect != (generic.Rectangle{}) {
		t.Errorf("unexpected field %+v", field)
	}
	sigs, _ := reread(t, w).SignatureFields()
	if len(sigs) != 1 || sigs[0].Name != "Approval" {
		t.Fatalf("signature fields %v", sigs)
	}
	rect, _ := generic.RectangleFromArray(mustArray(t, sigs[0].Dict, "Rect"))
	if rect != (generic.Rectangle{}) {
		t.Errorf("invisible /Rect = %+v", rect)
	}
	if err := SetAppearance(w, field, generic.NewStream(generic.NewDictionary(), nil)); !errors.Is(err, ErrInvalidFieldSpec) {
		t.Errorf("appearance on invisible field: %v", err)
	}
}

func TestInjectRejects(t *testing.T) {
	tests := []struct {
		name    string
		spec    *SigFieldSpec
		wantErr error
	}{
		{"page past end", NewSignatureFieldBuilder("").OnPage(3).WithBox(0, 0, 10, 10).Build(), ErrInvalidPageReference},
		{"negative page", NewSignatureFieldBuilder("").OnPage(-1).Invisible().Build(), ErrInvalidPageReference},
		{"zero width", NewSignatureFieldBuilder("").WithBox(10, 10, 0, 10).Build(), ErrInvalidGeometry},
		{"negative height", NewSignatureFieldBuilder("").WithBox(10, 10, 10, -5).Build(), ErrInvalidGeometry},
		{"name taken", NewSignatureFieldBuilder("Name").Invisible().Build(), ErrFieldNameTaken},
		{"dotted name", NewSignatureFieldBuilder("a.b").Invisible().Build(), ErrInvalidFieldSpec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := fixture(t, inlineForm, false)
			_, err := Inject(w, tt.spec)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, expected %v", err, tt.wantErr)
			}
			if w.PendingCount() != 0 {
				t.Errorf("rejected spec left %d objects in the update", w.PendingCount())
			}
		})
	}
}

func TestInjectMalformedAnnotsUndoesEdits(t *testing.T) {
	pw := writer.NewPdfFileWriter()
	pageRef, err := pw.AddPage(generic.Rectangle{URX: 595, URY: 842}, []byte("0 0 m 100 100 l S"))
	if err != nil {
		t.Fatal(err)
	}
	pw.Object(pageRef).(*generic.DictionaryObject).Set("Annots", generic.IntegerObject(5))
	data, err := pw.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	r, err := reader.NewPdfFileReaderFromBytes(data)
	if err != nil {
		t.Fatal(err)
	}

	w := writer.NewIncrementalWriter(r)
	note := w.AddObject(generic.NewDictionary())
	_, err = Inject(w, NewSignatureFieldBuilder("Signature1").OnPage(0).WithBox(10, 10, 100, 50).Build())
	if !errors.Is(err, reader.ErrMalformedDocument) {
		t.Fatalf("error = %v, expected %v", err, reader.ErrMalformedDocument)
	}
	if w.PendingCount() != 1 {
		t.Errorf("failed inject left %d objects in the update, expected 1", w.PendingCount())
	}
	if next := w.AddObject(generic.NewDictionary()); next.ObjectNumber != note.ObjectNumber+1 {
		t.Errorf("next object number %d, expected %d", next.ObjectNumber, note.ObjectNumber+1)
	}
}

func TestInvisibleIgnoresGeometry(t *testing.T) {
	w := fixture(t, noForm, false)
	spec := NewSignatureFieldBuilder("").WithBox(0, 0, -1, -1).Invisible().Build()
	if _, err := Inject(w, spec); err != nil {
		t.Fatalf("invisible field with degenerate box: %v", err)
	}
}

func TestSetAppearance(t *testing.T) {
	w := fixture(t, noForm, false)
	field, err := Inject(w, NewSignatureFieldBuilder("").WithBox(50, 50, 100, 40).Build())
	if err != nil {
		t.Fatal(err)
	}
	xobj := generic.NewDictionary()
	xobj.Set("Type", generic.NameObject("XObject"))
	xobj.Set("Subtype", generic.NameObject("Form"))
	xobj.Set("BBox", generic.NewRectangleArray(0, 0, 100, 40))
	if err := SetAppearance(w, field, generic.NewStream(xobj, []byte("0 0 100 40 re S"))); err != nil {
		t.Fatal(err)
	}

	r := reread(t, w)
	widget, err := r.ResolveDict(field.Ref)
	if err != nil {
		t.Fatal(err)
	}
	ap, ok := widget.GetDict("AP")
	if !ok {
		t.Fatal("missing /AP")
	}
	n, err := r.Resolve(ap.Get("N"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := n.(*generic.StreamObject); !ok {
		t.Errorf("/AP /N is %T", n)
	}
}

func TestEnsureSigFlags(t *testing.T) {
	form := generic.NewDictionary()
	EnsureSigFlags(form, SigFlagSignaturesExist)
	EnsureSigFlags(form, SigFlagAppendOnly)
	if f, _ := form.GetInt("SigFlags"); f != 3 {
		t.Errorf("SigFlags = %d", f)
	}
}
