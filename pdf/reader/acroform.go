package reader

import (
	"fmt"

	"github.com/georgepadayatti/eidsign/pdf/generic"
)

// maxFieldDepth bounds /Kids recursion in the field tree.
const maxFieldDepth = 32

// FormField is a terminal or intermediate field of the AcroForm tree.
type FormField struct {
	// Name is the fully qualified name (parent.kid).
	Name string
	Ref  generic.Reference
	Dict *generic.DictionaryObject
	// Type is the inherited /FT value, e.g. "Sig".
	Type string
}

// AcroForm returns the interactive form dictionary, or nil when the
// document has none.
func (r *PdfFileReader) AcroForm() (*generic.DictionaryObject, error) {
	root, err := r.Root()
	if err != nil {
		return nil, err
	}
	if !root.Has("AcroForm") {
		return nil, nil
	}
	return r.ResolveDict(root.Get("AcroForm"))
}

// FormFields lists every named field, depth first in /Fields order.
func (r *PdfFileReader) FormFields() ([]FormField, error) {
	form, err := r.AcroForm()
	if err != nil || form == nil {
		return nil, err
	}
	if !form.Has("Fields") {
		return nil, nil
	}
	fields, err := r.ResolveArray(form.Get("Fields"))
	if err != nil {
		return nil, err
	}
	var out []FormField
	visited := make(map[int]bool)
	for _, f := range fields {
		if err := r.collectFields(f, "", "", visited, 0, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *PdfFileReader) collectFields(obj generic.PdfObject, parentName, parentType string,
	visited map[int]bool, depth int, out *[]FormField) error {
	ref, ok := obj.(generic.Reference)
	if !ok {
		return fmt.Errorf("%w: form field is not an indirect object", ErrMalformedDocument)
	}
	if depth > maxFieldDepth || visited[ref.ObjectNumber] {
		return fmt.Errorf("%w: cycle in field tree at %s", ErrMalformedDocument, ref)
	}
	visited[ref.ObjectNumber] = true

	dict, err := r.ResolveDict(ref)
	if err != nil {
		return err
	}
	name := parentName
	if t, ok := dict.GetString("T"); ok {
		if name == "" {
			name = t.TextString()
		} else {
			name = parentName + "." + t.TextString()
		}
	}
	ft := parentType
	if v, ok := dict.GetName("FT"); ok {
		ft = v
	}
	if dict.Has("T") {
		*out = append(*out, FormField{Name: name, Ref: ref, Dict: dict, Type: ft})
	}

	if !dict.Has("Kids") {
		return nil
	}
	kids, err := r.ResolveArray(dict.Get("Kids"))
	if err != nil {
		return err
	}
	for _, kid := range kids {
		if err := r.collectFields(kid, name, ft, visited, depth+1, out); err != nil {
			return err
		}
	}
	return nil
}

// FieldNames returns the set of fully qualified field names.
func (r *PdfFileReader) FieldNames() (map[string]bool, error) {
	fields, err := r.FormFields()
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(fields))
	for _, f := range fields {
		names[f.Name] = true
	}
	return names, nil
}

// SignatureFields returns the fields whose type is /Sig.
func (r *PdfFileReader) SignatureFields() ([]FormField, error) {
	fields, err := r.FormFields()
	if err != nil {
		return nil, err
	}
	var out []FormField
	for _, f := range fields {
		if f.Type == "Sig" {
			out = append(out, f)
		}
	}
	return out, nil
}
