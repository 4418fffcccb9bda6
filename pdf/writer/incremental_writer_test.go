package writer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/georgepadayatti/eidsign/pdf/generic"
	"github.com/georgepadayatti/eidsign/pdf/reader"
)

func fixture(t *testing.T, xrefStream, objStreams bool) []byte {
	t.Helper()
	w := NewPdfFileWriter()
	w.XRefStream = xrefStream
	w.ObjectStreams = objStreams
	for i := 0; i < 2; i++ {
		if _, err := w.AddPage(generic.Rectangle{URX: 612, URY: 792}, []byte("0 0 m 10 10 l S")); err != nil {
			t.Fatal(err)
		}
	}
	data, err := w.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestIncrementalUpdate(t *testing.T) {
	tests := []struct {
		name       string
		xrefStream bool
		objStreams bool
	}{
		{"xref table", false, false},
		{"xref stream", true, false},
		{"object streams", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := fixture(t, tt.xrefStream, tt.objStreams)
			r, err := reader.NewPdfFileReaderFromBytes(original)
			if err != nil {
				t.Fatalf("reading fixture: %v", err)
			}

			w := NewIncrementalWriter(r)
			note := generic.NewDictionary()
			note.Set("Type", generic.NameObject("Annot"))
			note.Set("Subtype", generic.NameObject("Text"))
			noteRef := w.AddObject(note)
			if noteRef.ObjectNumber != r.Size() {
				t.Errorf("new object number %d, expected %d", noteRef.ObjectNumber, r.Size())
			}

			pageRef, _ := r.PageRef(1)
			page, err := w.EditDictionary(pageRef)
			if err != nil {
				t.Fatalf("EditDictionary failed: %v", err)
			}
			page.Set("Annots", generic.ArrayObject{noteRef})

			out, err := w.Bytes()
			if err != nil {
				t.Fatalf("Bytes failed: %v", err)
			}
			if !bytes.HasPrefix(out, original) {
				t.Fatal("update does not preserve the original bytes")
			}

			updated, err := reader.NewPdfFileReaderFromBytes(out)
			if err != nil {
				t.Fatalf("re-reading update: %v", err)
			}
			if updated.UsesXRefStream() != tt.xrefStream {
				t.Errorf("xref style changed: stream=%v", updated.UsesXRefStream())
			}
			if prev, _ := updated.Trailer().GetInt("Prev"); prev != r.StartXRef() {
				t.Errorf("/Prev = %d, expected %d", prev, r.StartXRef())
			}
			if updated.PageCount() != 2 {
				t.Errorf("PageCount = %d", updated.PageCount())
			}
			newPage, _ := updated.Page(1)
			annots, err := updated.ResolveArray(newPage.Get("Annots"))
			if err != nil || len(annots) != 1 || annots[0] != noteRef {
				t.Errorf("page annots = %v (%v)", annots, err)
			}
			obj, err := updated.GetObject(noteRef.ObjectNumber)
			if err != nil {
				t.Fatalf("new object not reachable: %v", err)
			}
			if st, _ := obj.(*generic.DictionaryObject).GetName("Subtype"); st != "Text" {
				t.Errorf("new object /Subtype = %q", st)
			}

			// The original revision still reads the old page.
			oldPage, _ := r.Page(1)
			if oldPage.Has("Annots") {
				t.Error("editing mutated the reader's cached page")
			}
		})
	}
}

func TestStackedUpdates(t *testing.T) {
	data := fixture(t, false, false)
	for i := 0; i < 3; i++ {
		r, err := reader.NewPdfFileReaderFromBytes(data)
		if err != nil {
			t.Fatalf("revision %d: %v", i, err)
		}
		w := NewIncrementalWriter(r)
		catalog, err := w.Catalog()
		if err != nil {
			t.Fatal(err)
		}
		catalog.Set("Revision", generic.IntegerObject(i+1))
		next, err := w.Bytes()
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.HasPrefix(next, data) {
			t.Fatalf("revision %d rewrote earlier bytes", i)
		}
		data = next
	}

	r, err := reader.NewPdfFileReaderFromBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	root, _ := r.Root()
	if rev, _ := root.GetInt("Revision"); rev != 3 {
		t.Errorf("Revision = %d, expected 3", rev)
	}
	if got := bytes.Count(data, []byte("%%EOF")); got != 4 {
		t.Errorf("expected 4 revisions, found %d EOF markers", got)
	}
}

func TestEmptyUpdate(t *testing.T) {
	r, err := reader.NewPdfFileReaderFromBytes(fixture(t, false, false))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewIncrementalWriter(r).Bytes(); !errors.Is(err, ErrNothingToWrite) {
		t.Errorf("expected ErrNothingToWrite, got %v", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	r, err := reader.NewPdfFileReaderFromBytes(fixture(t, false, false))
	if err != nil {
		t.Fatal(err)
	}
	w := NewIncrementalWriter(r)
	catalog, err := w.Catalog()
	if err != nil {
		t.Fatal(err)
	}
	catalog.Set("Lang", generic.NewTextString("en"))

	saved := w.Snapshot()
	catalog.Set("Lang", generic.NewTextString("nl"))
	w.AddObject(generic.NewDictionary())
	pageRef, _ := r.PageRef(0)
	if _, err := w.EditDictionary(pageRef); err != nil {
		t.Fatal(err)
	}
	w.Restore(saved)

	if w.PendingCount() != 1 {
		t.Fatalf("pending = %d after restore, expected 1", w.PendingCount())
	}
	catalog, err = w.Catalog()
	if err != nil {
		t.Fatal(err)
	}
	if lang, ok := catalog.GetString("Lang"); !ok || lang.TextString() != "en" {
		t.Errorf("/Lang = %v after restore, expected en", catalog.Get("Lang"))
	}
	if ref := w.AddObject(generic.NewDictionary()); ref.ObjectNumber != r.Size() {
		t.Errorf("object number %d after restore, expected %d", ref.ObjectNumber, r.Size())
	}
}

func TestSubsections(t *testing.T) {
	got := subsections([]int{9, 3, 4, 12, 10})
	expected := [][]int{{3, 4}, {9, 10}, {12}}
	if len(got) != len(expected) {
		t.Fatalf("got %v", got)
	}
	for i := range got {
		if len(got[i]) != len(expected[i]) || got[i][0] != expected[i][0] {
			t.Errorf("run %d = %v, expected %v", i, got[i], expected[i])
		}
	}
}

func TestByteWidth(t *testing.T) {
	tests := []struct {
		v        int64
		expected int
	}{
		{0, 4},
		{1 << 20, 4},
		{1<<32 - 1, 4},
		{1 << 32, 5},
	}
	for _, tt := range tests {
		if got := byteWidth(tt.v); got != tt.expected {
			t.Errorf("byteWidth(%d) = %d, expected %d", tt.v, got, tt.expected)
		}
	}
}
