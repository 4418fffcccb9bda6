package reader

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/georgepadayatti/eidsign/pdf/filters"
	"github.com/georgepadayatti/eidsign/pdf/generic"
)

// XRefType represents the kind of a cross-reference entry.
type XRefType int

const (
	// XRefTypeFree marks a deleted or unused object number.
	XRefTypeFree XRefType = iota
	// XRefTypeStandard is an object stored at a byte offset.
	XRefTypeStandard
	// XRefTypeInObjStream is an object stored inside an object stream.
	XRefTypeInObjStream
)

func (t XRefType) String() string {
	switch t {
	case XRefTypeFree:
		return "free"
	case XRefTypeStandard:
		return "standard"
	case XRefTypeInObjStream:
		return "in_obj_stream"
	}
	return "unknown"
}

// XRefEntry locates one object.
type XRefEntry struct {
	Type       XRefType
	Offset     int64 // standard entries
	Generation int
	StreamNum  int // object stream entries
	StreamIdx  int
}

type xrefSection struct {
	entries map[int]XRefEntry
	trailer *generic.DictionaryObject
	stream  bool
}

// parseXRefChain walks the /Prev chain starting at offset. Newer sections
// win over older ones.
func (r *PdfFileReader) parseXRefChain(offset int64) error {
	seen := make(map[int64]bool)
	first := true
	for offset >= 0 {
		if seen[offset] {
			return fmt.Errorf("%w: /Prev loop at offset %d", ErrBrokenXRef, offset)
		}
		seen[offset] = true

		section, err := r.parseXRefSection(offset)
		if err != nil {
			return err
		}
		if first {
			r.trailer = section.trailer
			r.xrefIsStream = section.stream
			first = false
		}
		for num, entry := range section.entries {
			if _, ok := r.xref[num]; !ok {
				r.xref[num] = entry
			}
		}

		prev, ok := section.trailer.GetInt("Prev")
		if !ok {
			break
		}
		offset = prev
	}
	return nil
}

func (r *PdfFileReader) parseXRefSection(offset int64) (*xrefSection, error) {
	if offset <= 0 || offset >= int64(len(r.data)) {
		return nil, fmt.Errorf("%w: xref offset %d out of range", ErrBrokenXRef, offset)
	}
	p := generic.NewParser(r.data)
	p.Seek(int(offset))
	p.SkipWhitespace()
	if bytes.HasPrefix(r.data[p.Pos():], []byte("xref")) {
		return r.parseXRefTable(p)
	}
	return r.parseXRefStreamAt(int(offset))
}

func (r *PdfFileReader) parseXRefTable(p *generic.Parser) (*xrefSection, error) {
	p.ReadKeyword() // "xref"
	section := &xrefSection{entries: make(map[int]XRefEntry)}

	for {
		kw := p.ReadKeyword()
		if kw == "trailer" {
			break
		}
		start, err := strconv.Atoi(kw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad subsection header %q", ErrBrokenXRef, kw)
		}
		count, err := strconv.Atoi(p.ReadKeyword())
		if err != nil || count < 0 {
			return nil, fmt.Errorf("%w: bad subsection count", ErrBrokenXRef)
		}
		for i := 0; i < count; i++ {
			off, err1 := strconv.ParseInt(p.ReadKeyword(), 10, 64)
			gen, err2 := strconv.Atoi(p.ReadKeyword())
			kind := p.ReadKeyword()
			if err1 != nil || err2 != nil || (kind != "n" && kind != "f") {
				return nil, fmt.Errorf("%w: bad entry for object %d", ErrBrokenXRef, start+i)
			}
			entry := XRefEntry{Type: XRefTypeFree, Generation: gen}
			if kind == "n" {
				entry.Type = XRefTypeStandard
				entry.Offset = off
			}
			section.entries[start+i] = entry
		}
	}

	obj, err := p.ParseObject()
	if err != nil {
		return nil, fmt.Errorf("%w: trailer: %v", ErrBrokenXRef, err)
	}
	trailer, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return nil, fmt.Errorf("%w: trailer is not a dictionary", ErrBrokenXRef)
	}
	section.trailer = trailer

	// Hybrid-reference files list compressed objects in a side stream.
	if stmOffset, ok := trailer.GetInt("XRefStm"); ok {
		side, err := r.parseXRefStreamAt(int(stmOffset))
		if err != nil {
			return nil, err
		}
		for num, entry := range side.entries {
			if cur, ok := section.entries[num]; !ok || cur.Type == XRefTypeFree {
				section.entries[num] = entry
			}
		}
	}
	return section, nil
}

func (r *PdfFileReader) parseXRefStreamAt(offset int) (*xrefSection, error) {
	_, obj, err := r.parseIndirectAt(int64(offset))
	if err != nil {
		return nil, fmt.Errorf("%w: xref stream: %v", ErrBrokenXRef, err)
	}
	stream, ok := obj.(*generic.StreamObject)
	if !ok {
		return nil, fmt.Errorf("%w: no xref table or stream at offset %d", ErrBrokenXRef, offset)
	}
	if t, _ := stream.Dict.GetName("Type"); t != "XRef" {
		return nil, fmt.Errorf("%w: stream at offset %d is not /Type /XRef", ErrBrokenXRef, offset)
	}

	widths, err := intArray(stream.Dict.Get("W"))
	if err != nil || len(widths) != 3 {
		return nil, fmt.Errorf("%w: bad /W array", ErrBrokenXRef)
	}
	for _, w := range widths {
		if w < 0 || w > 8 {
			return nil, fmt.Errorf("%w: bad /W width %d", ErrBrokenXRef, w)
		}
	}
	size, _ := stream.Dict.GetInt("Size")
	index := []int64{0, size}
	if stream.Dict.Has("Index") {
		if index, err = intArray(stream.Dict.Get("Index")); err != nil || len(index)%2 != 0 {
			return nil, fmt.Errorf("%w: bad /Index array", ErrBrokenXRef)
		}
	}

	data, err := filters.DecodeStream(stream)
	if err != nil {
		return nil, fmt.Errorf("%w: xref stream: %v", ErrBrokenXRef, err)
	}

	rowLen := int(widths[0] + widths[1] + widths[2])
	section := &xrefSection{entries: make(map[int]XRefEntry), trailer: stream.Dict, stream: true}
	pos := 0
	for i := 0; i < len(index); i += 2 {
		start, count := int(index[i]), int(index[i+1])
		for j := 0; j < count; j++ {
			if pos+rowLen > len(data) {
				return nil, fmt.Errorf("%w: xref stream truncated", ErrBrokenXRef)
			}
			row := data[pos : pos+rowLen]
			pos += rowLen

			kind := int64(1)
			if widths[0] > 0 {
				kind = beInt(row[:widths[0]])
			}
			f2 := beInt(row[widths[0] : widths[0]+widths[1]])
			f3 := beInt(row[widths[0]+widths[1]:])

			var entry XRefEntry
			switch kind {
			case 0:
				entry = XRefEntry{Type: XRefTypeFree, Generation: int(f3)}
			case 1:
				entry = XRefEntry{Type: XRefTypeStandard, Offset: f2, Generation: int(f3)}
			case 2:
				entry = XRefEntry{Type: XRefTypeInObjStream, StreamNum: int(f2), StreamIdx: int(f3)}
			default:
				// unknown types are treated as null references
				continue
			}
			section.entries[start+j] = entry
		}
	}
	return section, nil
}

func beInt(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

func intArray(obj generic.PdfObject) ([]int64, error) {
	arr, ok := obj.(generic.ArrayObject)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", obj)
	}
	out := make([]int64, len(arr))
	for i, item := range arr {
		v, ok := item.(generic.IntegerObject)
		if !ok {
			return nil, fmt.Errorf("expected integer at %d", i)
		}
		out[i] = int64(v)
	}
	return out, nil
}
