// Package writer serializes PDF output: incremental updates appended to an
// existing file, and small fresh documents.
package writer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/georgepadayatti/eidsign/pdf/filters"
	"github.com/georgepadayatti/eidsign/pdf/generic"
	"github.com/georgepadayatti/eidsign/pdf/reader"
)

// ErrNothingToWrite is returned when an update holds no objects.
var ErrNothingToWrite = errors.New("incremental update contains no objects")

// IncrementalWriter collects new and replaced objects and appends them to
// the original file as one revision. The original bytes are never touched.
type IncrementalWriter struct {
	reader     *reader.PdfFileReader
	nextObjNum int
	objects    map[int]*generic.IndirectObject
	order      []int
}

// NewIncrementalWriter creates a writer on top of a parsed document.
func NewIncrementalWriter(r *reader.PdfFileReader) *IncrementalWriter {
	return &IncrementalWriter{
		reader:     r,
		nextObjNum: r.Size(),
		objects:    make(map[int]*generic.IndirectObject),
	}
}

// Reader returns the underlying document reader.
func (w *IncrementalWriter) Reader() *reader.PdfFileReader { return w.reader }

// AddObject registers a new indirect object and returns its reference.
func (w *IncrementalWriter) AddObject(obj generic.PdfObject) generic.Reference {
	ref := generic.NewReference(w.nextObjNum, 0)
	w.nextObjNum++
	w.put(ref, obj)
	return ref
}

// UpdateObject replaces the object at ref in the new revision.
func (w *IncrementalWriter) UpdateObject(ref generic.Reference, obj generic.PdfObject) {
	w.put(ref, obj)
}

func (w *IncrementalWriter) put(ref generic.Reference, obj generic.PdfObject) {
	if _, exists := w.objects[ref.ObjectNumber]; !exists {
		w.order = append(w.order, ref.ObjectNumber)
	}
	w.objects[ref.ObjectNumber] = generic.NewIndirectObject(ref, obj)
}

// Lookup returns the current view of an object: the pending version when it
// was added or updated, the original otherwise.
func (w *IncrementalWriter) Lookup(ref generic.Reference) (generic.PdfObject, error) {
	if obj, ok := w.objects[ref.ObjectNumber]; ok {
		return obj.Object, nil
	}
	return w.reader.GetObject(ref.ObjectNumber)
}

// Resolve follows references through pending and original objects.
func (w *IncrementalWriter) Resolve(obj generic.PdfObject) (generic.PdfObject, error) {
	for i := 0; i < 32; i++ {
		ref, ok := obj.(generic.Reference)
		if !ok {
			return obj, nil
		}
		var err error
		if obj, err = w.Lookup(ref); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: reference chain too long", reader.ErrMalformedDocument)
}

// EditDictionary returns a private copy of the dictionary at ref that is
// already registered as an update, so callers can modify it in place.
func (w *IncrementalWriter) EditDictionary(ref generic.Reference) (*generic.DictionaryObject, error) {
	if pending, ok := w.objects[ref.ObjectNumber]; ok {
		if d, ok := pending.Object.(*generic.DictionaryObject); ok {
			return d, nil
		}
	}
	obj, err := w.reader.GetObject(ref.ObjectNumber)
	if err != nil {
		return nil, err
	}
	dict, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return nil, fmt.Errorf("%w: object %s is %T, not a dictionary", reader.ErrMalformedDocument, ref, obj)
	}
	clone := dict.Clone().(*generic.DictionaryObject)
	w.UpdateObject(generic.NewReference(ref.ObjectNumber, w.reader.Generation(ref.ObjectNumber)), clone)
	return clone, nil
}

// EditArray is EditDictionary for array objects.
func (w *IncrementalWriter) EditArray(ref generic.Reference, edit func(generic.ArrayObject) generic.ArrayObject) error {
	obj, err := w.Lookup(ref)
	if err != nil {
		return err
	}
	arr, ok := obj.(generic.ArrayObject)
	if !ok {
		return fmt.Errorf("%w: object %s is %T, not an array", reader.ErrMalformedDocument, ref, obj)
	}
	updated := edit(arr.Clone().(generic.ArrayObject))
	w.UpdateObject(generic.NewReference(ref.ObjectNumber, w.reader.Generation(ref.ObjectNumber)), updated)
	return nil
}

// Catalog returns an editable copy of the document catalog.
func (w *IncrementalWriter) Catalog() (*generic.DictionaryObject, error) {
	return w.EditDictionary(w.reader.RootRef())
}

// Snapshot is a saved copy of the pending update.
type Snapshot struct {
	nextObjNum int
	objects    map[int]*generic.IndirectObject
	order      []int
}

// Snapshot records the pending objects so Restore can undo later edits.
func (w *IncrementalWriter) Snapshot() *Snapshot {
	objects := make(map[int]*generic.IndirectObject, len(w.objects))
	for num, obj := range w.objects {
		objects[num] = obj.Clone().(*generic.IndirectObject)
	}
	return &Snapshot{
		nextObjNum: w.nextObjNum,
		objects:    objects,
		order:      append([]int(nil), w.order...),
	}
}

// Restore drops every change made since s was taken. Dictionaries handed
// out by EditDictionary before the call are no longer part of the update.
func (w *IncrementalWriter) Restore(s *Snapshot) {
	w.nextObjNum = s.nextObjNum
	w.order = append([]int(nil), s.order...)
	w.objects = make(map[int]*generic.IndirectObject, len(s.objects))
	for num, obj := range s.objects {
		w.objects[num] = obj.Clone().(*generic.IndirectObject)
	}
}

// PendingCount reports how many objects the update holds.
func (w *IncrementalWriter) PendingCount() int { return len(w.order) }

// Write appends the update to the original bytes and writes the result.
func (w *IncrementalWriter) Write(out io.Writer) error {
	if len(w.order) == 0 {
		return ErrNothingToWrite
	}
	cw := generic.NewCountingWriter(out, 0)
	data := w.reader.Data()
	if _, err := cw.Write(data); err != nil {
		return err
	}
	if len(data) > 0 && data[len(data)-1] != '\n' && data[len(data)-1] != '\r' {
		if _, err := io.WriteString(cw, "\n"); err != nil {
			return err
		}
	}

	offsets := make(map[int]int64, len(w.order)+1)
	for _, num := range w.order {
		offsets[num] = cw.Offset()
		if err := w.objects[num].Write(cw); err != nil {
			return fmt.Errorf("writing object %d: %w", num, err)
		}
	}

	var xrefOffset int64
	var err error
	if w.reader.UsesXRefStream() {
		xrefOffset, err = w.writeXRefStream(cw, offsets)
	} else {
		xrefOffset, err = w.writeXRefTable(cw, offsets)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cw, "startxref\n%d\n%%%%EOF\n", xrefOffset)
	return err
}

// Bytes renders the full updated file.
func (w *IncrementalWriter) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(w.reader.Data()) + 64*1024)
	if err := w.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// trailerBase copies the entries that carry over between revisions.
func (w *IncrementalWriter) trailerBase(size int) *generic.DictionaryObject {
	old := w.reader.Trailer()
	t := generic.NewDictionary()
	t.Set("Size", generic.IntegerObject(size))
	t.Set("Root", w.reader.RootRef())
	for _, key := range []string{"Info", "ID"} {
		if v := old.Get(key); v != nil {
			t.Set(key, v)
		}
	}
	t.Set("Prev", generic.IntegerObject(w.reader.StartXRef()))
	return t
}

// subsections groups sorted object numbers into contiguous runs.
func subsections(nums []int) [][]int {
	sorted := append([]int(nil), nums...)
	sort.Ints(sorted)
	var runs [][]int
	for i, n := range sorted {
		if i == 0 || n != sorted[i-1]+1 {
			runs = append(runs, nil)
		}
		runs[len(runs)-1] = append(runs[len(runs)-1], n)
	}
	return runs
}

func (w *IncrementalWriter) writeXRefTable(cw *generic.CountingWriter, offsets map[int]int64) (int64, error) {
	xrefOffset := cw.Offset()
	var buf bytes.Buffer
	buf.WriteString("xref\n")
	for _, run := range subsections(w.order) {
		fmt.Fprintf(&buf, "%d %d\n", run[0], len(run))
		for _, num := range run {
			fmt.Fprintf(&buf, "%010d %05d n\r\n", offsets[num], w.objects[num].GenerationNumber)
		}
	}
	buf.WriteString("trailer\n")
	if err := w.trailerBase(w.nextObjNum).Write(&buf); err != nil {
		return 0, err
	}
	buf.WriteString("\n")
	_, err := cw.Write(buf.Bytes())
	return xrefOffset, err
}

func (w *IncrementalWriter) writeXRefStream(cw *generic.CountingWriter, offsets map[int]int64) (int64, error) {
	xrefNum := w.nextObjNum
	size := xrefNum + 1
	xrefOffset := cw.Offset()
	offsets[xrefNum] = xrefOffset

	nums := append(append([]int(nil), w.order...), xrefNum)
	offWidth := byteWidth(xrefOffset)

	var index generic.ArrayObject
	var rows bytes.Buffer
	for _, run := range subsections(nums) {
		index = append(index, generic.IntegerObject(run[0]), generic.IntegerObject(len(run)))
		for _, num := range run {
			gen := 0
			if obj, ok := w.objects[num]; ok {
				gen = obj.GenerationNumber
			}
			rows.WriteByte(1)
			writeBE(&rows, offsets[num], offWidth)
			writeBE(&rows, int64(gen), 2)
		}
	}

	dict := w.trailerBase(size)
	dict.Set("Type", generic.NameObject("XRef"))
	dict.Set("W", generic.ArrayObject{generic.IntegerObject(1), generic.IntegerObject(offWidth), generic.IntegerObject(2)})
	dict.Set("Index", index)
	stream, err := filters.NewFlateStream(dict, rows.Bytes())
	if err != nil {
		return 0, err
	}
	obj := generic.NewIndirectObject(generic.NewReference(xrefNum, 0), stream)
	if err := obj.Write(cw); err != nil {
		return 0, err
	}
	return xrefOffset, nil
}

func byteWidth(v int64) int {
	n := 1
	for v >= 1<<(8*n) && n < 8 {
		n++
	}
	if n < 4 {
		n = 4
	}
	return n
}

func writeBE(buf *bytes.Buffer, v int64, width int) {
	for i := width - 1; i >= 0; i-- {
		buf.WriteByte(byte(v >> (8 * i)))
	}
}
