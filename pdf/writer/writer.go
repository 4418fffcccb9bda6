package writer

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/georgepadayatti/eidsign/pdf/filters"
	"github.com/georgepadayatti/eidsign/pdf/generic"
)

// PdfFileWriter builds a new single-revision PDF. It is used for generated
// documents and for test fixtures that need a specific file structure.
type PdfFileWriter struct {
	Version string
	// XRefStream writes a cross-reference stream instead of a table.
	XRefStream bool
	// ObjectStreams packs non-stream objects into one object stream.
	// Requires XRefStream.
	ObjectStreams bool

	objects  []generic.PdfObject
	root     *generic.DictionaryObject
	rootRef  generic.Reference
	pages    *generic.DictionaryObject
	pagesRef generic.Reference
	info     *generic.DictionaryObject
}

// NewPdfFileWriter creates an empty document with a catalog and page tree.
func NewPdfFileWriter() *PdfFileWriter {
	w := &PdfFileWriter{Version: "1.7"}
	w.pages = generic.NewDictionary()
	w.pages.Set("Type", generic.NameObject("Pages"))
	w.pages.Set("Kids", generic.ArrayObject{})
	w.pages.Set("Count", generic.IntegerObject(0))
	w.pagesRef = w.AddObject(w.pages)

	w.root = generic.NewDictionary()
	w.root.Set("Type", generic.NameObject("Catalog"))
	w.root.Set("Pages", w.pagesRef)
	w.rootRef = w.AddObject(w.root)
	return w
}

// AddObject registers an object and returns its reference.
func (w *PdfFileWriter) AddObject(obj generic.PdfObject) generic.Reference {
	w.objects = append(w.objects, obj)
	return generic.NewReference(len(w.objects), 0)
}

// Object returns a registered object, or nil.
func (w *PdfFileWriter) Object(ref generic.Reference) generic.PdfObject {
	if ref.ObjectNumber < 1 || ref.ObjectNumber > len(w.objects) {
		return nil
	}
	return w.objects[ref.ObjectNumber-1]
}

// Root returns the catalog for direct modification.
func (w *PdfFileWriter) Root() *generic.DictionaryObject { return w.root }

// SetInfo sets the document information dictionary.
func (w *PdfFileWriter) SetInfo(info *generic.DictionaryObject) { w.info = info }

// AddPage appends a page with the given media box and content stream.
func (w *PdfFileWriter) AddPage(mediaBox generic.Rectangle, content []byte) (generic.Reference, error) {
	page := generic.NewDictionary()
	page.Set("Type", generic.NameObject("Page"))
	page.Set("Parent", w.pagesRef)
	page.Set("MediaBox", mediaBox.ToArray())
	if content != nil {
		stream, err := filters.NewFlateStream(nil, content)
		if err != nil {
			return generic.Reference{}, err
		}
		page.Set("Contents", w.AddObject(stream))
	}
	ref := w.AddObject(page)

	kids, _ := w.pages.GetArray("Kids")
	w.pages.Set("Kids", append(kids, ref))
	w.pages.Set("Count", generic.IntegerObject(len(kids)+1))
	return ref, nil
}

// Write serializes the document.
func (w *PdfFileWriter) Write(out io.Writer) error {
	if w.ObjectStreams && !w.XRefStream {
		return fmt.Errorf("object streams require a cross-reference stream")
	}
	cw := generic.NewCountingWriter(out, 0)
	// The binary comment marks the file as 8-bit for transfer tools.
	if _, err := fmt.Fprintf(cw, "%%PDF-%s\n%%\xe2\xe3\xcf\xd3\n", w.Version); err != nil {
		return err
	}

	var infoRef *generic.Reference
	if w.info != nil {
		ref := w.AddObject(w.info)
		infoRef = &ref
	}

	type location struct {
		compressed bool
		offset     int64
		stream     int
		index      int
	}
	locs := make([]location, len(w.objects)+1)

	var packed []int
	for i, obj := range w.objects {
		num := i + 1
		if _, isStream := obj.(*generic.StreamObject); w.ObjectStreams && !isStream {
			packed = append(packed, num)
			continue
		}
		locs[num] = location{offset: cw.Offset()}
		if err := generic.NewIndirectObject(generic.NewReference(num, 0), obj).Write(cw); err != nil {
			return err
		}
	}

	nextNum := len(w.objects) + 1
	if len(packed) > 0 {
		stmNum := nextNum
		nextNum++
		var header, body bytes.Buffer
		for idx, num := range packed {
			header.WriteString(strconv.Itoa(num) + " " + strconv.Itoa(body.Len()) + " ")
			if err := w.objects[num-1].Write(&body); err != nil {
				return err
			}
			body.WriteString("\n")
			locs[num] = location{compressed: true, stream: stmNum, index: idx}
		}
		dict := generic.NewDictionary()
		dict.Set("Type", generic.NameObject("ObjStm"))
		dict.Set("N", generic.IntegerObject(len(packed)))
		dict.Set("First", generic.IntegerObject(header.Len()))
		stream, err := filters.NewFlateStream(dict, append(header.Bytes(), body.Bytes()...))
		if err != nil {
			return err
		}
		locs = append(locs, location{offset: cw.Offset()})
		if err := generic.NewIndirectObject(generic.NewReference(stmNum, 0), stream).Write(cw); err != nil {
			return err
		}
	}

	trailer := generic.NewDictionary()
	trailer.Set("Root", w.rootRef)
	if infoRef != nil {
		trailer.Set("Info", *infoRef)
	}

	xrefOffset := cw.Offset()
	if !w.XRefStream {
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f\r\n", nextNum)
		for num := 1; num < nextNum; num++ {
			fmt.Fprintf(&buf, "%010d 00000 n\r\n", locs[num].offset)
		}
		trailer.Set("Size", generic.IntegerObject(nextNum))
		buf.WriteString("trailer\n")
		if err := trailer.Write(&buf); err != nil {
			return err
		}
		buf.WriteString("\n")
		if _, err := cw.Write(buf.Bytes()); err != nil {
			return err
		}
	} else {
		xrefNum := nextNum
		locs = append(locs, location{offset: xrefOffset})
		var rows bytes.Buffer
		rows.Write([]byte{0, 0, 0, 0, 0, 0xFF, 0xFF})
		for num := 1; num <= xrefNum; num++ {
			l := locs[num]
			if l.compressed {
				rows.WriteByte(2)
				writeBE(&rows, int64(l.stream), 4)
				writeBE(&rows, int64(l.index), 2)
				continue
			}
			rows.WriteByte(1)
			writeBE(&rows, l.offset, 4)
			writeBE(&rows, 0, 2)
		}
		trailer.Set("Type", generic.NameObject("XRef"))
		trailer.Set("Size", generic.IntegerObject(xrefNum+1))
		trailer.Set("W", generic.ArrayObject{generic.IntegerObject(1), generic.IntegerObject(4), generic.IntegerObject(2)})
		stream, err := filters.NewFlateStream(trailer, rows.Bytes())
		if err != nil {
			return err
		}
		if err := generic.NewIndirectObject(generic.NewReference(xrefNum, 0), stream).Write(cw); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(cw, "startxref\n%d\n%%%%EOF\n", xrefOffset)
	return err
}

// Bytes renders the document.
func (w *PdfFileWriter) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := w.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
