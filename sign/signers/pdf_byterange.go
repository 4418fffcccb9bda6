package signers

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/georgepadayatti/eidsign/pdf/generic"
)

// byteRangeWidth fits four ten-digit offsets, the separators and brackets.
const byteRangeWidth = 1 + 4*10 + 3 + 1

var errPlaceholderNotWritten = errors.New("placeholder was not serialized through an offset-tracking writer")

// ByteRangePlaceholder reserves room for the /ByteRange array and records
// where it was written.
type ByteRangePlaceholder struct {
	offset int64
	length int
}

// NewByteRangePlaceholder creates an unwritten placeholder.
func NewByteRangePlaceholder() *ByteRangePlaceholder {
	return &ByteRangePlaceholder{offset: -1}
}

// Write implements generic.PdfObject.
func (p *ByteRangePlaceholder) Write(w io.Writer) error {
	if ow, ok := w.(generic.OffsetWriter); ok {
		p.offset = ow.Offset()
	}
	buf := formatByteRange([4]int64{})
	p.length = len(buf)
	_, err := w.Write(buf)
	return err
}

// Clone returns the placeholder itself so the recorded offset survives.
func (p *ByteRangePlaceholder) Clone() generic.PdfObject { return p }

// Offset returns the file offset of the opening bracket, or -1.
func (p *ByteRangePlaceholder) Offset() int64 { return p.offset }

func formatByteRange(r [4]int64) []byte {
	s := fmt.Sprintf("[%d %d %d %d]", r[0], r[1], r[2], r[3])
	buf := bytes.Repeat([]byte{' '}, byteRangeWidth)
	copy(buf, s)
	return buf
}

// ContentsPlaceholder reserves a zero-filled hex string for the signature
// container.
type ContentsPlaceholder struct {
	size   int
	offset int64
}

// NewContentsPlaceholder reserves size bytes of signature.
func NewContentsPlaceholder(size int) *ContentsPlaceholder {
	return &ContentsPlaceholder{size: size, offset: -1}
}

// Write implements generic.PdfObject.
func (p *ContentsPlaceholder) Write(w io.Writer) error {
	if ow, ok := w.(generic.OffsetWriter); ok {
		p.offset = ow.Offset()
	}
	buf := make([]byte, 2*p.size+2)
	buf[0] = '<'
	for i := 1; i < len(buf)-1; i++ {
		buf[i] = '0'
	}
	buf[len(buf)-1] = '>'
	_, err := w.Write(buf)
	return err
}

// Clone returns the placeholder itself.
func (p *ContentsPlaceholder) Clone() generic.PdfObject { return p }

// Offset returns the file offset of '<', or -1.
func (p *ContentsPlaceholder) Offset() int64 { return p.offset }

// Size returns the reserved signature capacity in bytes.
func (p *ContentsPlaceholder) Size() int { return p.size }

// ByteRange returns the two signed ranges around the /Contents string:
// everything before '<' and everything after '>'.
func (p *ContentsPlaceholder) ByteRange(total int64) [4]int64 {
	end := p.offset + int64(2*p.size+2)
	return [4]int64{0, p.offset, end, total - end}
}

// PatchByteRange fills the /ByteRange placeholder in data.
func PatchByteRange(data []byte, br *ByteRangePlaceholder, r [4]int64) error {
	if br.offset < 0 {
		return errPlaceholderNotWritten
	}
	buf := formatByteRange(r)
	if len(buf) != br.length || br.offset+int64(len(buf)) > int64(len(data)) {
		return fmt.Errorf("byte range %v does not fit its placeholder", r)
	}
	copy(data[br.offset:], buf)
	return nil
}

// PatchContents writes the hex-encoded container into the /Contents
// placeholder, leaving the zero padding after it.
func PatchContents(data []byte, c *ContentsPlaceholder, container []byte) error {
	if c.offset < 0 {
		return errPlaceholderNotWritten
	}
	if len(container) > c.size {
		return fmt.Errorf("signature container of %d bytes exceeds the %d reserved", len(container), c.size)
	}
	start := c.offset + 1
	if start+int64(2*c.size) > int64(len(data)) {
		return fmt.Errorf("contents placeholder out of bounds")
	}
	hex.Encode(data[start:], container)
	return nil
}

// DigestByteRange hashes the two ranges with SHA-256.
func DigestByteRange(data []byte, r [4]int64) ([]byte, error) {
	if r[0] != 0 || r[1] < 0 || r[2] < r[1] || r[3] < 0 || r[2]+r[3] > int64(len(data)) {
		return nil, fmt.Errorf("invalid byte range %v for %d bytes", r, len(data))
	}
	h := sha256.New()
	h.Write(data[r[0] : r[0]+r[1]])
	h.Write(data[r[2] : r[2]+r[3]])
	return h.Sum(nil), nil
}
