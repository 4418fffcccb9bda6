// Package filters decodes the stream filters needed to read document
// structure (xref streams, object streams) and encodes Flate output.
package filters

import (
	"bytes"
	"compress/zlib"
	"encoding/ascii85"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/georgepadayatti/eidsign/pdf/generic"
)

// Common errors
var (
	ErrUnsupportedFilter = errors.New("unsupported filter")
	ErrDecodeFailed      = errors.New("decode failed")
)

// maxDecodedSize caps decompressed output of a single stream.
const maxDecodedSize = 256 << 20

type decodeFunc func(data []byte, parms *generic.DictionaryObject) ([]byte, error)

var decoders = map[string]decodeFunc{
	"FlateDecode":    flateDecode,
	"Fl":             flateDecode,
	"ASCIIHexDecode": asciiHexDecode,
	"AHx":            asciiHexDecode,
	"ASCII85Decode":  ascii85Decode,
	"A85":            ascii85Decode,
}

// DecodeStream applies the stream's /Filter chain to its raw data.
// Indirect references in /Filter or /DecodeParms must already be resolved.
func DecodeStream(stream *generic.StreamObject) ([]byte, error) {
	names, parms, err := filterChain(stream.Dict)
	if err != nil {
		return nil, err
	}
	data := stream.Data
	for i, name := range names {
		dec, ok := decoders[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFilter, name)
		}
		if data, err = dec(data, parms[i]); err != nil {
			return nil, fmt.Errorf("filter %s: %w", name, err)
		}
	}
	return data, nil
}

func filterChain(dict *generic.DictionaryObject) ([]string, []*generic.DictionaryObject, error) {
	var names []string
	switch f := dict.Get("Filter").(type) {
	case nil:
		return nil, nil, nil
	case generic.NameObject:
		names = []string{string(f)}
	case generic.ArrayObject:
		for _, item := range f {
			n, ok := item.(generic.NameObject)
			if !ok {
				return nil, nil, fmt.Errorf("%w: non-name entry in /Filter", ErrUnsupportedFilter)
			}
			names = append(names, string(n))
		}
	default:
		return nil, nil, fmt.Errorf("%w: /Filter of type %T", ErrUnsupportedFilter, f)
	}

	parms := make([]*generic.DictionaryObject, len(names))
	switch p := dict.Get("DecodeParms").(type) {
	case *generic.DictionaryObject:
		parms[0] = p
	case generic.ArrayObject:
		for i := 0; i < len(p) && i < len(parms); i++ {
			parms[i], _ = p[i].(*generic.DictionaryObject)
		}
	}
	return names, parms, nil
}

func flateDecode(data []byte, parms *generic.DictionaryObject) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	defer r.Close()

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, maxDecodedSize+1))
	// Truncated streams are common in the wild; keep what inflated cleanly.
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if n > maxDecodedSize {
		return nil, fmt.Errorf("%w: stream exceeds %d bytes", ErrDecodeFailed, maxDecodedSize)
	}

	predictor := int64(1)
	if parms != nil {
		if p, ok := parms.GetInt("Predictor"); ok {
			predictor = p
		}
	}
	if predictor < 10 {
		if predictor != 1 {
			return nil, fmt.Errorf("%w: TIFF predictor %d", ErrUnsupportedFilter, predictor)
		}
		return buf.Bytes(), nil
	}

	columns, colors, bpc := int64(1), int64(1), int64(8)
	if v, ok := parms.GetInt("Columns"); ok {
		columns = v
	}
	if v, ok := parms.GetInt("Colors"); ok {
		colors = v
	}
	if v, ok := parms.GetInt("BitsPerComponent"); ok {
		bpc = v
	}
	bytesPerPixel := int((colors*bpc + 7) / 8)
	rowLength := int((columns*colors*bpc + 7) / 8)
	return decodePNGPredictor(buf.Bytes(), rowLength, bytesPerPixel)
}

// decodePNGPredictor undoes per-row PNG filtering; each row is prefixed by
// its filter type byte.
func decodePNGPredictor(data []byte, rowLength, bytesPerPixel int) ([]byte, error) {
	if rowLength <= 0 || bytesPerPixel <= 0 {
		return nil, fmt.Errorf("%w: bad predictor parameters", ErrDecodeFailed)
	}
	stride := rowLength + 1
	out := make([]byte, 0, len(data)/stride*rowLength)
	prev := make([]byte, rowLength)
	row := make([]byte, rowLength)

	for i := 0; i+stride <= len(data); i += stride {
		kind, src := data[i], data[i+1:i+stride]
		for j := range src {
			var left, upLeft byte
			if j >= bytesPerPixel {
				left = row[j-bytesPerPixel]
				upLeft = prev[j-bytesPerPixel]
			}
			up := prev[j]
			switch kind {
			case 0:
				row[j] = src[j]
			case 1:
				row[j] = src[j] + left
			case 2:
				row[j] = src[j] + up
			case 3:
				row[j] = src[j] + byte((int(left)+int(up))/2)
			case 4:
				row[j] = src[j] + paeth(left, up, upLeft)
			default:
				return nil, fmt.Errorf("%w: PNG filter type %d", ErrDecodeFailed, kind)
			}
		}
		out = append(out, row...)
		prev, row = row, prev
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func asciiHexDecode(data []byte, _ *generic.DictionaryObject) ([]byte, error) {
	var digits []byte
	for _, b := range data {
		if b == '>' {
			break
		}
		if b == ' ' || b == '\n' || b == '\r' || b == '\t' || b == '\f' || b == 0 {
			continue
		}
		digits = append(digits, b)
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	if _, err := hex.Decode(out, digits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return out, nil
}

func ascii85Decode(data []byte, _ *generic.DictionaryObject) ([]byte, error) {
	data = bytes.TrimPrefix(bytes.TrimSpace(data), []byte("<~"))
	if i := bytes.Index(data, []byte("~>")); i >= 0 {
		data = data[:i]
	}
	out := make([]byte, 4*len(data)+4)
	n, _, err := ascii85.Decode(out, data, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return out[:n], nil
}

// FlateEncode compresses data with zlib.
func FlateEncode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("flate encode failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flate encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

// NewFlateStream builds a FlateDecode stream object holding data.
func NewFlateStream(dict *generic.DictionaryObject, data []byte) (*generic.StreamObject, error) {
	encoded, err := FlateEncode(data)
	if err != nil {
		return nil, err
	}
	if dict == nil {
		dict = generic.NewDictionary()
	}
	dict.Set("Filter", generic.NameObject("FlateDecode"))
	return generic.NewStream(dict, encoded), nil
}
