// Package generic provides the PDF object model used for reading documents
// and for serializing incremental updates.
package generic

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
)

// PdfObject is the base interface for all PDF objects.
type PdfObject interface {
	// Write serializes the object in PDF syntax.
	Write(w io.Writer) error
	// Clone creates a deep copy of the object.
	Clone() PdfObject
}

// OffsetWriter is implemented by writers that know how many bytes have been
// written so far. Placeholders use it to record where they land in the file.
type OffsetWriter interface {
	io.Writer
	Offset() int64
}

// CountingWriter wraps a writer and tracks the absolute output offset.
type CountingWriter struct {
	w    io.Writer
	base int64
	n    int64
}

// NewCountingWriter creates a counting writer whose first byte sits at base.
func NewCountingWriter(w io.Writer, base int64) *CountingWriter {
	return &CountingWriter{w: w, base: base}
}

// Write implements io.Writer.
func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Offset returns the absolute offset of the next byte.
func (c *CountingWriter) Offset() int64 {
	return c.base + c.n
}

// Reference represents an indirect reference to a PDF object.
type Reference struct {
	ObjectNumber     int
	GenerationNumber int
}

// NewReference creates a new reference.
func NewReference(objNum, genNum int) Reference {
	return Reference{ObjectNumber: objNum, GenerationNumber: genNum}
}

// Write implements PdfObject.
func (r Reference) Write(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%d %d R", r.ObjectNumber, r.GenerationNumber)
	return err
}

// Clone implements PdfObject.
func (r Reference) Clone() PdfObject { return r }

func (r Reference) String() string {
	return fmt.Sprintf("%d %d R", r.ObjectNumber, r.GenerationNumber)
}

// IndirectObject pairs an object with its object and generation numbers.
type IndirectObject struct {
	Reference
	Object PdfObject
}

// NewIndirectObject creates a new indirect object.
func NewIndirectObject(ref Reference, obj PdfObject) *IndirectObject {
	return &IndirectObject{Reference: ref, Object: obj}
}

// Write writes the "N G obj ... endobj" form.
func (i *IndirectObject) Write(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%d %d obj\n", i.ObjectNumber, i.GenerationNumber); err != nil {
		return err
	}
	obj := i.Object
	if obj == nil {
		obj = NullObject{}
	}
	if err := obj.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\nendobj\n")
	return err
}

// Clone implements PdfObject.
func (i *IndirectObject) Clone() PdfObject {
	var obj PdfObject
	if i.Object != nil {
		obj = i.Object.Clone()
	}
	return &IndirectObject{Reference: i.Reference, Object: obj}
}

// NullObject represents the PDF null value.
type NullObject struct{}

// Write implements PdfObject.
func (NullObject) Write(w io.Writer) error {
	_, err := io.WriteString(w, "null")
	return err
}

// Clone implements PdfObject.
func (NullObject) Clone() PdfObject { return NullObject{} }

// BooleanObject represents a PDF boolean value.
type BooleanObject bool

// Write implements PdfObject.
func (b BooleanObject) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatBool(bool(b)))
	return err
}

// Clone implements PdfObject.
func (b BooleanObject) Clone() PdfObject { return b }

// IntegerObject represents a PDF integer value.
type IntegerObject int64

// Write implements PdfObject.
func (i IntegerObject) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatInt(int64(i), 10))
	return err
}

// Clone implements PdfObject.
func (i IntegerObject) Clone() PdfObject { return i }

// RealObject represents a PDF real number.
type RealObject float64

// Write implements PdfObject. PDF has no exponent syntax, so the value is
// always written in plain decimal form.
func (r RealObject) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatFloat(float64(r), 'f', -1, 64))
	return err
}

// Clone implements PdfObject.
func (r RealObject) Clone() PdfObject { return r }

// NameObject is a PDF name, stored without its leading slash.
type NameObject string

// Write implements PdfObject.
func (n NameObject) Write(w io.Writer) error {
	buf := make([]byte, 0, len(n)+1)
	buf = append(buf, '/')
	for i := 0; i < len(n); i++ {
		c := n[i]
		if c < '!' || c > '~' || c == '#' || isDelimiter(c) {
			buf = append(buf, fmt.Sprintf("#%02X", c)...)
			continue
		}
		buf = append(buf, c)
	}
	_, err := w.Write(buf)
	return err
}

// Clone implements PdfObject.
func (n NameObject) Clone() PdfObject { return n }

func (n NameObject) String() string { return string(n) }

// StringObject is a PDF string. IsHex selects the <...> form on output.
type StringObject struct {
	Value []byte
	IsHex bool
}

// NewLiteralString creates a literal (...) string from raw bytes.
func NewLiteralString(s string) *StringObject {
	return &StringObject{Value: []byte(s)}
}

// NewHexString creates a <...> string.
func NewHexString(data []byte) *StringObject {
	return &StringObject{Value: data, IsHex: true}
}

// Write implements PdfObject.
func (s *StringObject) Write(w io.Writer) error {
	if s.IsHex {
		_, err := fmt.Fprintf(w, "<%s>", hex.EncodeToString(s.Value))
		return err
	}
	buf := make([]byte, 0, len(s.Value)+2)
	buf = append(buf, '(')
	for _, b := range s.Value {
		switch b {
		case '\\', '(', ')':
			buf = append(buf, '\\', b)
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\n':
			buf = append(buf, '\\', 'n')
		default:
			buf = append(buf, b)
		}
	}
	buf = append(buf, ')')
	_, err := w.Write(buf)
	return err
}

// Clone implements PdfObject.
func (s *StringObject) Clone() PdfObject {
	return &StringObject{Value: append([]byte(nil), s.Value...), IsHex: s.IsHex}
}

// ArrayObject is a PDF array.
type ArrayObject []PdfObject

// Write implements PdfObject.
func (a ArrayObject) Write(w io.Writer) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	for i, item := range a {
		if i > 0 {
			if _, err := io.WriteString(w, " "); err != nil {
				return err
			}
		}
		if err := item.Write(w); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "]")
	return err
}

// Clone implements PdfObject.
func (a ArrayObject) Clone() PdfObject {
	out := make(ArrayObject, len(a))
	for i, item := range a {
		out[i] = item.Clone()
	}
	return out
}

// NewRectangleArray builds [llx lly urx ury].
func NewRectangleArray(llx, lly, urx, ury float64) ArrayObject {
	return ArrayObject{number(llx), number(lly), number(urx), number(ury)}
}

func number(v float64) PdfObject {
	if v == float64(int64(v)) {
		return IntegerObject(int64(v))
	}
	return RealObject(v)
}

// DictionaryObject is a PDF dictionary that keeps insertion order, so that
// serialized output is deterministic.
type DictionaryObject struct {
	keys    []string
	entries map[string]PdfObject
}

// NewDictionary creates an empty dictionary.
func NewDictionary() *DictionaryObject {
	return &DictionaryObject{entries: make(map[string]PdfObject)}
}

// Set stores value under key (key without slash).
func (d *DictionaryObject) Set(key string, value PdfObject) {
	if _, ok := d.entries[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.entries[key] = value
}

// Get returns the raw value for key, or nil.
func (d *DictionaryObject) Get(key string) PdfObject {
	if d == nil {
		return nil
	}
	return d.entries[key]
}

// Has reports whether key is present.
func (d *DictionaryObject) Has(key string) bool {
	if d == nil {
		return false
	}
	_, ok := d.entries[key]
	return ok
}

// Delete removes key.
func (d *DictionaryObject) Delete(key string) {
	if _, ok := d.entries[key]; !ok {
		return
	}
	delete(d.entries, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (d *DictionaryObject) Keys() []string {
	return append([]string(nil), d.keys...)
}

// Len returns the number of entries.
func (d *DictionaryObject) Len() int { return len(d.keys) }

// GetName returns the name stored under key, if it is a direct name.
func (d *DictionaryObject) GetName(key string) (string, bool) {
	n, ok := d.Get(key).(NameObject)
	return string(n), ok
}

// GetInt returns the integer stored under key, if it is a direct integer.
func (d *DictionaryObject) GetInt(key string) (int64, bool) {
	i, ok := d.Get(key).(IntegerObject)
	return int64(i), ok
}

// GetDict returns the dictionary stored directly under key.
func (d *DictionaryObject) GetDict(key string) (*DictionaryObject, bool) {
	v, ok := d.Get(key).(*DictionaryObject)
	return v, ok
}

// GetArray returns the array stored directly under key.
func (d *DictionaryObject) GetArray(key string) (ArrayObject, bool) {
	v, ok := d.Get(key).(ArrayObject)
	return v, ok
}

// GetString returns the string stored directly under key.
func (d *DictionaryObject) GetString(key string) (*StringObject, bool) {
	v, ok := d.Get(key).(*StringObject)
	return v, ok
}

// Write implements PdfObject.
func (d *DictionaryObject) Write(w io.Writer) error {
	if _, err := io.WriteString(w, "<<"); err != nil {
		return err
	}
	for _, k := range d.keys {
		if err := NameObject(k).Write(w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, " "); err != nil {
			return err
		}
		if err := d.entries[k].Write(w); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, ">>")
	return err
}

// Clone implements PdfObject.
func (d *DictionaryObject) Clone() PdfObject {
	out := NewDictionary()
	for _, k := range d.keys {
		out.Set(k, d.entries[k].Clone())
	}
	return out
}

// StreamObject is a dictionary followed by raw (possibly encoded) bytes.
// Data holds the bytes exactly as they appear in the file.
type StreamObject struct {
	Dict *DictionaryObject
	Data []byte
}

// NewStream creates a stream object with /Length set from data.
func NewStream(dict *DictionaryObject, data []byte) *StreamObject {
	if dict == nil {
		dict = NewDictionary()
	}
	return &StreamObject{Dict: dict, Data: data}
}

// Write implements PdfObject.
func (s *StreamObject) Write(w io.Writer) error {
	s.Dict.Set("Length", IntegerObject(len(s.Data)))
	if err := s.Dict.Write(w); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\nstream\n"); err != nil {
		return err
	}
	if _, err := w.Write(s.Data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\nendstream")
	return err
}

// Clone implements PdfObject.
func (s *StreamObject) Clone() PdfObject {
	return &StreamObject{
		Dict: s.Dict.Clone().(*DictionaryObject),
		Data: append([]byte(nil), s.Data...),
	}
}

// Rectangle is an axis-aligned box in default user space.
type Rectangle struct {
	LLX, LLY, URX, URY float64
}

// Width returns the width.
func (r Rectangle) Width() float64 { return r.URX - r.LLX }

// Height returns the height.
func (r Rectangle) Height() float64 { return r.URY - r.LLY }

// ToArray converts to a PDF array.
func (r Rectangle) ToArray() ArrayObject {
	return NewRectangleArray(r.LLX, r.LLY, r.URX, r.URY)
}

// RectangleFromArray converts a 4-element numeric array.
func RectangleFromArray(a ArrayObject) (Rectangle, error) {
	if len(a) != 4 {
		return Rectangle{}, fmt.Errorf("%w: rectangle needs 4 numbers, got %d", ErrInvalidObject, len(a))
	}
	var v [4]float64
	for i, item := range a {
		f, ok := ToFloat(item)
		if !ok {
			return Rectangle{}, fmt.Errorf("%w: rectangle entry %d is not a number", ErrInvalidObject, i)
		}
		v[i] = f
	}
	return Rectangle{LLX: v[0], LLY: v[1], URX: v[2], URY: v[3]}, nil
}

// ToFloat converts an integer or real object to float64.
func ToFloat(obj PdfObject) (float64, bool) {
	switch v := obj.(type) {
	case IntegerObject:
		return float64(v), true
	case RealObject:
		return float64(v), true
	}
	return 0, false
}
