// Package reader parses an in-memory PDF file: its cross-reference chain,
// indirect objects (including object streams), page tree and form fields.
package reader

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/georgepadayatti/eidsign/pdf/filters"
	"github.com/georgepadayatti/eidsign/pdf/generic"
)

// Common errors. All of them wrap ErrMalformedDocument.
var (
	ErrMalformedDocument = errors.New("malformed PDF document")
	ErrInvalidHeader     = fmt.Errorf("%w: missing %%PDF header", ErrMalformedDocument)
	ErrNoStartXRef       = fmt.Errorf("%w: startxref not found", ErrMalformedDocument)
	ErrBrokenXRef        = fmt.Errorf("%w: broken cross-reference data", ErrMalformedDocument)
	ErrObjectNotFound    = fmt.Errorf("%w: object not found", ErrMalformedDocument)
	ErrBadPageTree       = fmt.Errorf("%w: bad page tree", ErrMalformedDocument)
	ErrEncrypted         = fmt.Errorf("%w: encrypted documents are not supported", ErrMalformedDocument)
)

// maxPageTreeDepth bounds /Kids recursion.
const maxPageTreeDepth = 64

// PdfFileReader gives read access to a PDF held in memory. The buffer is
// never modified.
type PdfFileReader struct {
	data           []byte
	version        string
	xref           map[int]XRefEntry
	trailer        *generic.DictionaryObject
	startXRef      int64
	xrefIsStream   bool
	cache          map[int]generic.PdfObject
	objStreams     map[int]*objectStream
	pages          []generic.Reference
	pageDicts      []*generic.DictionaryObject
	loadingObjects map[int]bool
}

type objectStream struct {
	data    []byte
	offsets []int
}

// NewPdfFileReaderFromBytes parses data. The slice is retained, not copied.
func NewPdfFileReaderFromBytes(data []byte) (*PdfFileReader, error) {
	r := &PdfFileReader{
		data:           data,
		xref:           make(map[int]XRefEntry),
		cache:          make(map[int]generic.PdfObject),
		objStreams:     make(map[int]*objectStream),
		loadingObjects: make(map[int]bool),
	}
	if err := r.parse(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PdfFileReader) parse() error {
	if err := r.parseHeader(); err != nil {
		return err
	}
	offset, err := r.findStartXRef()
	if err != nil {
		return err
	}
	r.startXRef = offset
	if err := r.parseXRefChain(offset); err != nil {
		return err
	}
	if r.trailer.Has("Encrypt") {
		return ErrEncrypted
	}
	if _, ok := r.trailer.Get("Root").(generic.Reference); !ok {
		return fmt.Errorf("%w: trailer has no /Root reference", ErrMalformedDocument)
	}
	return r.loadPages()
}

func (r *PdfFileReader) parseHeader() error {
	// Some producers put junk before the header; allow a little slack.
	limit := len(r.data)
	if limit > 1024 {
		limit = 1024
	}
	idx := bytes.Index(r.data[:limit], []byte("%PDF-"))
	if idx < 0 || idx+8 > len(r.data) {
		return ErrInvalidHeader
	}
	r.version = string(r.data[idx+5 : idx+8])
	return nil
}

func (r *PdfFileReader) findStartXRef() (int64, error) {
	tail := r.data
	if len(tail) > 2048 {
		tail = tail[len(tail)-2048:]
	}
	idx := bytes.LastIndex(tail, []byte("startxref"))
	if idx < 0 {
		return 0, ErrNoStartXRef
	}
	p := generic.NewParser(tail[idx+len("startxref"):])
	offset, err := strconv.ParseInt(p.ReadKeyword(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoStartXRef, err)
	}
	return offset, nil
}

// Data returns the original file bytes.
func (r *PdfFileReader) Data() []byte { return r.data }

// Version returns the header version, e.g. "1.7".
func (r *PdfFileReader) Version() string { return r.version }

// Trailer returns the newest trailer dictionary (the xref stream dictionary
// for files using cross-reference streams).
func (r *PdfFileReader) Trailer() *generic.DictionaryObject { return r.trailer }

// StartXRef returns the offset of the newest cross-reference section.
func (r *PdfFileReader) StartXRef() int64 { return r.startXRef }

// UsesXRefStream reports whether the newest section is an xref stream.
func (r *PdfFileReader) UsesXRefStream() bool { return r.xrefIsStream }

// Size returns the trailer /Size, one past the highest object number.
func (r *PdfFileReader) Size() int {
	size, _ := r.trailer.GetInt("Size")
	highest := 0
	for num := range r.xref {
		if num > highest {
			highest = num
		}
	}
	if int(size) <= highest {
		return highest + 1
	}
	return int(size)
}

// RootRef returns the document catalog reference.
func (r *PdfFileReader) RootRef() generic.Reference {
	ref, _ := r.trailer.Get("Root").(generic.Reference)
	return ref
}

// Root returns the document catalog.
func (r *PdfFileReader) Root() (*generic.DictionaryObject, error) {
	return r.ResolveDict(r.RootRef())
}

// Generation returns the generation number recorded for an object.
func (r *PdfFileReader) Generation(objNum int) int {
	return r.xref[objNum].Generation
}

// GetObject loads an indirect object by number.
func (r *PdfFileReader) GetObject(objNum int) (generic.PdfObject, error) {
	if obj, ok := r.cache[objNum]; ok {
		return obj, nil
	}
	entry, ok := r.xref[objNum]
	if !ok || entry.Type == XRefTypeFree {
		return nil, fmt.Errorf("%w: %d", ErrObjectNotFound, objNum)
	}
	if r.loadingObjects[objNum] {
		return nil, fmt.Errorf("%w: reference cycle through object %d", ErrMalformedDocument, objNum)
	}
	r.loadingObjects[objNum] = true
	defer delete(r.loadingObjects, objNum)

	var obj generic.PdfObject
	var err error
	switch entry.Type {
	case XRefTypeStandard:
		var hdr generic.ObjectHeader
		hdr, obj, err = r.parseIndirectAt(entry.Offset)
		if err == nil && hdr.ObjectNumber != objNum {
			err = fmt.Errorf("%w: expected object %d at offset %d, found %d",
				ErrBrokenXRef, objNum, entry.Offset, hdr.ObjectNumber)
		}
	case XRefTypeInObjStream:
		obj, err = r.getObjectFromStream(entry.StreamNum, entry.StreamIdx)
	}
	if err != nil {
		return nil, err
	}
	r.cache[objNum] = obj
	return obj, nil
}

// parseIndirectAt parses "N G obj <body> [stream ... endstream]".
func (r *PdfFileReader) parseIndirectAt(offset int64) (generic.ObjectHeader, generic.PdfObject, error) {
	if offset < 0 || offset >= int64(len(r.data)) {
		return generic.ObjectHeader{}, nil, fmt.Errorf("%w: offset %d out of range", ErrBrokenXRef, offset)
	}
	p := generic.NewParser(r.data)
	p.Seek(int(offset))
	hdr, err := p.ParseObjectHeader()
	if err != nil {
		return hdr, nil, fmt.Errorf("%w: %v", ErrBrokenXRef, err)
	}
	obj, err := p.ParseObject()
	if err != nil {
		return hdr, nil, fmt.Errorf("%w: object %d: %v", ErrMalformedDocument, hdr.ObjectNumber, err)
	}
	dict, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return hdr, obj, nil
	}
	start, ok := p.StreamStart()
	if !ok {
		return hdr, obj, nil
	}
	data, err := r.streamData(dict, start)
	if err != nil {
		return hdr, nil, fmt.Errorf("object %d: %w", hdr.ObjectNumber, err)
	}
	return hdr, &generic.StreamObject{Dict: dict, Data: data}, nil
}

// streamData slices out stream bytes using /Length, falling back to a scan
// for "endstream" when /Length is missing or wrong.
func (r *PdfFileReader) streamData(dict *generic.DictionaryObject, start int) ([]byte, error) {
	length := int64(-1)
	switch v := dict.Get("Length").(type) {
	case generic.IntegerObject:
		length = int64(v)
	case generic.Reference:
		if obj, err := r.GetObject(v.ObjectNumber); err == nil {
			if n, ok := obj.(generic.IntegerObject); ok {
				length = int64(n)
			}
		}
	}
	if length >= 0 && int64(start)+length <= int64(len(r.data)) {
		end := start + int(length)
		p := generic.NewParser(r.data)
		p.Seek(end)
		if p.ReadKeyword() == "endstream" {
			return r.data[start:end], nil
		}
	}

	idx := bytes.Index(r.data[start:], []byte("endstream"))
	if idx < 0 {
		return nil, fmt.Errorf("%w: unterminated stream", ErrMalformedDocument)
	}
	end := start + idx
	if end > start && r.data[end-1] == '\n' {
		end--
	}
	if end > start && r.data[end-1] == '\r' {
		end--
	}
	return r.data[start:end], nil
}

func (r *PdfFileReader) getObjectFromStream(streamNum, index int) (generic.PdfObject, error) {
	ostm, ok := r.objStreams[streamNum]
	if !ok {
		obj, err := r.GetObject(streamNum)
		if err != nil {
			return nil, err
		}
		stream, ok := obj.(*generic.StreamObject)
		if !ok {
			return nil, fmt.Errorf("%w: object stream %d is not a stream", ErrMalformedDocument, streamNum)
		}
		if ostm, err = r.loadObjectStream(stream); err != nil {
			return nil, fmt.Errorf("object stream %d: %w", streamNum, err)
		}
		r.objStreams[streamNum] = ostm
	}
	if index < 0 || index >= len(ostm.offsets) {
		return nil, fmt.Errorf("%w: index %d not in object stream %d", ErrObjectNotFound, index, streamNum)
	}
	p := generic.NewParser(ostm.data)
	p.Seek(ostm.offsets[index])
	return p.ParseObject()
}

func (r *PdfFileReader) loadObjectStream(stream *generic.StreamObject) (*objectStream, error) {
	n, ok1 := stream.Dict.GetInt("N")
	first, ok2 := stream.Dict.GetInt("First")
	if !ok1 || !ok2 || n < 0 || first < 0 {
		return nil, fmt.Errorf("%w: object stream lacks /N or /First", ErrMalformedDocument)
	}
	data, err := filters.DecodeStream(stream)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if int(first) > len(data) {
		return nil, fmt.Errorf("%w: /First beyond stream data", ErrMalformedDocument)
	}
	p := generic.NewParser(data[:first])
	offsets := make([]int, 0, n)
	for i := int64(0); i < n; i++ {
		_, err1 := strconv.Atoi(p.ReadKeyword())
		off, err2 := strconv.Atoi(p.ReadKeyword())
		if err1 != nil || err2 != nil || int(first)+off > len(data) {
			return nil, fmt.Errorf("%w: bad object stream header", ErrMalformedDocument)
		}
		offsets = append(offsets, int(first)+off)
	}
	return &objectStream{data: data, offsets: offsets}, nil
}

// Resolve follows references until a direct object is reached.
func (r *PdfFileReader) Resolve(obj generic.PdfObject) (generic.PdfObject, error) {
	for i := 0; i < 32; i++ {
		ref, ok := obj.(generic.Reference)
		if !ok {
			return obj, nil
		}
		var err error
		if obj, err = r.GetObject(ref.ObjectNumber); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: reference chain too long", ErrMalformedDocument)
}

// ResolveDict resolves obj and asserts it is a dictionary. A stream's
// dictionary is returned for stream objects.
func (r *PdfFileReader) ResolveDict(obj generic.PdfObject) (*generic.DictionaryObject, error) {
	resolved, err := r.Resolve(obj)
	if err != nil {
		return nil, err
	}
	switch v := resolved.(type) {
	case *generic.DictionaryObject:
		return v, nil
	case *generic.StreamObject:
		return v.Dict, nil
	}
	return nil, fmt.Errorf("%w: expected dictionary, got %T", ErrMalformedDocument, resolved)
}

// ResolveArray resolves obj and asserts it is an array.
func (r *PdfFileReader) ResolveArray(obj generic.PdfObject) (generic.ArrayObject, error) {
	resolved, err := r.Resolve(obj)
	if err != nil {
		return nil, err
	}
	arr, ok := resolved.(generic.ArrayObject)
	if !ok {
		return nil, fmt.Errorf("%w: expected array, got %T", ErrMalformedDocument, resolved)
	}
	return arr, nil
}

func (r *PdfFileReader) loadPages() error {
	root, err := r.Root()
	if err != nil {
		return err
	}
	pagesRef, ok := root.Get("Pages").(generic.Reference)
	if !ok {
		return fmt.Errorf("%w: catalog has no /Pages reference", ErrBadPageTree)
	}
	return r.walkPageTree(pagesRef, make(map[int]bool), 0)
}

func (r *PdfFileReader) walkPageTree(ref generic.Reference, visited map[int]bool, depth int) error {
	if depth > maxPageTreeDepth || visited[ref.ObjectNumber] {
		return fmt.Errorf("%w: cycle or excessive depth at %s", ErrBadPageTree, ref)
	}
	visited[ref.ObjectNumber] = true

	node, err := r.ResolveDict(ref)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPageTree, err)
	}
	typ, _ := node.GetName("Type")
	if typ == "Page" || (typ == "" && !node.Has("Kids")) {
		r.pages = append(r.pages, ref)
		r.pageDicts = append(r.pageDicts, node)
		return nil
	}

	kids, err := r.ResolveArray(node.Get("Kids"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPageTree, err)
	}
	for _, kid := range kids {
		kidRef, ok := kid.(generic.Reference)
		if !ok {
			return fmt.Errorf("%w: /Kids entry is not a reference", ErrBadPageTree)
		}
		if err := r.walkPageTree(kidRef, visited, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// PageCount returns the number of pages.
func (r *PdfFileReader) PageCount() int { return len(r.pages) }

// PageRef returns the reference of the page at a zero-based index.
func (r *PdfFileReader) PageRef(index int) (generic.Reference, error) {
	if index < 0 || index >= len(r.pages) {
		return generic.Reference{}, fmt.Errorf("page index %d out of range [0, %d)", index, len(r.pages))
	}
	return r.pages[index], nil
}

// Page returns the page dictionary at a zero-based index.
func (r *PdfFileReader) Page(index int) (*generic.DictionaryObject, error) {
	if index < 0 || index >= len(r.pageDicts) {
		return nil, fmt.Errorf("page index %d out of range [0, %d)", index, len(r.pageDicts))
	}
	return r.pageDicts[index], nil
}
