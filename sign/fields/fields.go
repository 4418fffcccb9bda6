// Package fields provides signature field management utilities.
package fields

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/georgepadayatti/eidsign/pdf/generic"
	"github.com/georgepadayatti/eidsign/pdf/reader"
	"github.com/georgepadayatti/eidsign/pdf/writer"
	"github.com/google/uuid"
)

// Common errors
var (
	ErrInvalidPageReference = errors.New("page index out of range")
	ErrInvalidGeometry      = errors.New("signature box must have positive width and height")
	ErrFieldNameTaken       = errors.New("a form field with this name already exists")
	ErrInvalidFieldSpec     = errors.New("invalid signature field specification")
)

// Annotation flags of the widget: Print (4) and Locked (128).
const widgetFlags = 4 | 128

// SigFlags of the AcroForm: SignaturesExist and AppendOnly.
const (
	SigFlagSignaturesExist = 1
	SigFlagAppendOnly      = 2
)

// FieldNamePrefix starts every generated field name.
const FieldNamePrefix = "Signature_"

// newID is replaced in tests to force name collisions.
var newID = uuid.New

// SigFieldSpec specifies a signature field to create.
type SigFieldSpec struct {
	// SigFieldName is the partial field name. Empty selects a generated one.
	SigFieldName string

	// OnPage is the zero-based page that owns the widget.
	OnPage int

	// Box is the widget rectangle in default user space.
	Box generic.Rectangle

	// InvisibleSig leaves the widget without a rectangle or appearance.
	InvisibleSig bool
}

// SignatureFieldBuilder helps build signature fields.
type SignatureFieldBuilder struct {
	spec SigFieldSpec
}

// NewSignatureFieldBuilder creates a new signature field builder.
func NewSignatureFieldBuilder(name string) *SignatureFieldBuilder {
	return &SignatureFieldBuilder{spec: SigFieldSpec{SigFieldName: name}}
}

// OnPage sets the owning page.
func (b *SignatureFieldBuilder) OnPage(page int) *SignatureFieldBuilder {
	b.spec.OnPage = page
	return b
}

// WithBox sets the rectangle from an origin and a size.
func (b *SignatureFieldBuilder) WithBox(x, y, width, height float64) *SignatureFieldBuilder {
	b.spec.Box = generic.Rectangle{LLX: x, LLY: y, URX: x + width, URY: y + height}
	return b
}

// Invisible marks this as an invisible signature.
func (b *SignatureFieldBuilder) Invisible() *SignatureFieldBuilder {
	b.spec.InvisibleSig = true
	return b
}

// Build returns the signature field specification.
func (b *SignatureFieldBuilder) Build() *SigFieldSpec {
	spec := b.spec
	return &spec
}

// SignatureField is a field written into the pending update. The widget
// and the field share one dictionary.
type SignatureField struct {
	Name      string
	Ref       generic.Reference
	PageRef   generic.Reference
	PageIndex int
	Rect      generic.Rectangle
	Visible   bool
}

// GenerateFieldName returns Signature_ followed by eight hex digits of a
// random UUID, distinct from every name in existing.
func GenerateFieldName(existing map[string]bool) string {
	for {
		id := newID()
		name := FieldNamePrefix + id.String()[:8]
		if !existing[name] {
			return name
		}
	}
}

// Validate checks the geometry against a page count.
func (s *SigFieldSpec) Validate(pageCount int) error {
	if s.OnPage < 0 || s.OnPage >= pageCount {
		return fmt.Errorf("%w: page %d, document has %d", ErrInvalidPageReference, s.OnPage, pageCount)
	}
	if strings.Contains(s.SigFieldName, ".") {
		return fmt.Errorf("%w: partial name %q contains a period", ErrInvalidFieldSpec, s.SigFieldName)
	}
	if s.InvisibleSig {
		return nil
	}
	for _, v := range []float64{s.Box.LLX, s.Box.LLY, s.Box.URX, s.Box.URY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite coordinate", ErrInvalidGeometry)
		}
	}
	if s.Box.Width() <= 0 || s.Box.Height() <= 0 {
		return fmt.Errorf("%w: %gx%g", ErrInvalidGeometry, s.Box.Width(), s.Box.Height())
	}
	return nil
}

// Inject adds a new, unsigned signature field to the update: the merged
// field/widget object, the page's /Annots entry, and the AcroForm entry.
// Nothing in w is changed when the spec is rejected or the page and form
// cannot be updated.
func Inject(w *writer.IncrementalWriter, spec *SigFieldSpec) (*SignatureField, error) {
	r := w.Reader()
	if err := spec.Validate(r.PageCount()); err != nil {
		return nil, err
	}
	existing, err := r.FieldNames()
	if err != nil {
		return nil, err
	}
	name := spec.SigFieldName
	if name == "" {
		name = GenerateFieldName(existing)
	} else if existing[name] {
		return nil, fmt.Errorf("%w: %q", ErrFieldNameTaken, name)
	}
	pageRef, err := r.PageRef(spec.OnPage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPageReference, err)
	}

	rect := generic.Rectangle{}
	if !spec.InvisibleSig {
		rect = spec.Box
	}
	widget := generic.NewDictionary()
	widget.Set("Type", generic.NameObject("Annot"))
	widget.Set("Subtype", generic.NameObject("Widget"))
	widget.Set("FT", generic.NameObject("Sig"))
	widget.Set("T", generic.NewTextString(name))
	widget.Set("F", generic.IntegerObject(widgetFlags))
	widget.Set("P", pageRef)
	widget.Set("Rect", rect.ToArray())
	saved := w.Snapshot()
	ref := w.AddObject(widget)

	if err := appendAnnotation(w, pageRef, ref); err != nil {
		w.Restore(saved)
		return nil, err
	}
	if err := registerField(w, ref); err != nil {
		w.Restore(saved)
		return nil, err
	}

	return &SignatureField{
		Name:      name,
		Ref:       ref,
		PageRef:   pageRef,
		PageIndex: spec.OnPage,
		Rect:      rect,
		Visible:   !spec.InvisibleSig,
	}, nil
}

func appendAnnotation(w *writer.IncrementalWriter, pageRef, widget generic.Reference) error {
	page, err := w.EditDictionary(pageRef)
	if err != nil {
		return err
	}
	return appendTo(w, page, "Annots", widget)
}

// registerField adds the field to /AcroForm /Fields, creating the form
// when the document has none.
func registerField(w *writer.IncrementalWriter, field generic.Reference) error {
	root, err := w.Reader().Root()
	if err != nil {
		return err
	}

	var form *generic.DictionaryObject
	if ref, ok := root.Get("AcroForm").(generic.Reference); ok {
		if form, err = w.EditDictionary(ref); err != nil {
			return err
		}
	} else {
		catalog, err := w.Catalog()
		if err != nil {
			return err
		}
		if inline, ok := catalog.GetDict("AcroForm"); ok {
			form = inline
		} else {
			form = generic.NewDictionary()
			catalog.Set("AcroForm", w.AddObject(form))
		}
	}

	if err := appendTo(w, form, "Fields", field); err != nil {
		return err
	}
	EnsureSigFlags(form, SigFlagSignaturesExist|SigFlagAppendOnly)
	return nil
}

// appendTo appends ref to the array under key, which may be absent, inline
// or indirect.
func appendTo(w *writer.IncrementalWriter, dict *generic.DictionaryObject, key string, ref generic.Reference) error {
	switch v := dict.Get(key).(type) {
	case nil, generic.NullObject:
		dict.Set(key, generic.ArrayObject{ref})
	case generic.ArrayObject:
		dict.Set(key, append(v, ref))
	case generic.Reference:
		return w.EditArray(v, func(arr generic.ArrayObject) generic.ArrayObject {
			return append(arr, ref)
		})
	default:
		return fmt.Errorf("%w: /%s is %T", reader.ErrMalformedDocument, key, v)
	}
	return nil
}

// EnsureSigFlags ensures proper SigFlags are set on the AcroForm.
func EnsureSigFlags(acroFormDict *generic.DictionaryObject, flags int) {
	currentFlags := 0
	if f, ok := acroFormDict.GetInt("SigFlags"); ok {
		currentFlags = int(f)
	}
	acroFormDict.Set("SigFlags", generic.IntegerObject(currentFlags|flags))
}

// SetAppearance installs a Form XObject as the normal appearance of a
// visible field.
func SetAppearance(w *writer.IncrementalWriter, field *SignatureField, xobject *generic.StreamObject) error {
	if !field.Visible {
		return fmt.Errorf("%w: invisible fields carry no appearance", ErrInvalidFieldSpec)
	}
	widget, err := w.EditDictionary(field.Ref)
	if err != nil {
		return err
	}
	ap := generic.NewDictionary()
	ap.Set("N", w.AddObject(xobject))
	widget.Set("AP", ap)
	return nil
}

// ListFieldNames returns the fully qualified names of all form fields in
// document order.
func ListFieldNames(r *reader.PdfFileReader) ([]string, error) {
	fields, err := r.FormFields()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name)
	}
	return names, nil
}
