package generic

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Common errors
var (
	ErrUnexpectedEOF     = errors.New("unexpected end of data")
	ErrInvalidObject     = errors.New("invalid PDF object")
	ErrInvalidDictionary = errors.New("invalid PDF dictionary")
	ErrInvalidString     = errors.New("invalid PDF string")
	ErrInvalidNumber     = errors.New("invalid PDF number")
	ErrInvalidStream     = errors.New("invalid PDF stream")
)

// maxDepth bounds nesting of arrays and dictionaries.
const maxDepth = 256

// Parser parses PDF objects out of an in-memory buffer.
type Parser struct {
	data  []byte
	pos   int
	depth int
}

// NewParser creates a parser positioned at the start of data.
func NewParser(data []byte) *Parser {
	return &Parser{data: data}
}

// Pos returns the current offset.
func (p *Parser) Pos() int { return p.pos }

// Seek moves to an absolute offset.
func (p *Parser) Seek(pos int) { p.pos = pos }

func isWhitespace(b byte) bool {
	return b == 0 || b == '\t' || b == '\n' || b == '\f' || b == '\r' || b == ' '
}

func isDelimiter(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// SkipWhitespace skips whitespace and comments.
func (p *Parser) SkipWhitespace() {
	for p.pos < len(p.data) {
		b := p.data[p.pos]
		if isWhitespace(b) {
			p.pos++
			continue
		}
		if b == '%' {
			for p.pos < len(p.data) && p.data[p.pos] != '\n' && p.data[p.pos] != '\r' {
				p.pos++
			}
			continue
		}
		return
	}
}

// ReadKeyword reads a run of regular characters.
func (p *Parser) ReadKeyword() string {
	p.SkipWhitespace()
	start := p.pos
	for p.pos < len(p.data) && !isWhitespace(p.data[p.pos]) && !isDelimiter(p.data[p.pos]) {
		p.pos++
	}
	return string(p.data[start:p.pos])
}

// ParseObject parses a single direct object or an indirect reference.
func (p *Parser) ParseObject() (PdfObject, error) {
	p.SkipWhitespace()
	if p.pos >= len(p.data) {
		return nil, ErrUnexpectedEOF
	}
	switch b := p.data[p.pos]; {
	case b == '/':
		return p.parseName()
	case b == '(':
		return p.parseLiteralString()
	case b == '<':
		if p.pos+1 < len(p.data) && p.data[p.pos+1] == '<' {
			return p.parseDictionary()
		}
		return p.parseHexString()
	case b == '[':
		return p.parseArray()
	case b == '+' || b == '-' || b == '.' || (b >= '0' && b <= '9'):
		return p.parseNumberOrReference()
	}

	start := p.pos
	kw := p.ReadKeyword()
	switch kw {
	case "true":
		return BooleanObject(true), nil
	case "false":
		return BooleanObject(false), nil
	case "null":
		return NullObject{}, nil
	}
	return nil, fmt.Errorf("%w: unexpected token %q at offset %d", ErrInvalidObject, kw, start)
}

func (p *Parser) parseName() (NameObject, error) {
	p.pos++ // '/'
	var buf []byte
	for p.pos < len(p.data) {
		b := p.data[p.pos]
		if isWhitespace(b) || isDelimiter(b) {
			break
		}
		if b == '#' && p.pos+2 < len(p.data) {
			if v, err := strconv.ParseUint(string(p.data[p.pos+1:p.pos+3]), 16, 8); err == nil {
				buf = append(buf, byte(v))
				p.pos += 3
				continue
			}
		}
		buf = append(buf, b)
		p.pos++
	}
	return NameObject(buf), nil
}

func (p *Parser) parseLiteralString() (*StringObject, error) {
	p.pos++ // '('
	var buf []byte
	nesting := 1
	for p.pos < len(p.data) {
		b := p.data[p.pos]
		p.pos++
		switch b {
		case '(':
			nesting++
			buf = append(buf, b)
		case ')':
			nesting--
			if nesting == 0 {
				return &StringObject{Value: buf}, nil
			}
			buf = append(buf, b)
		case '\\':
			if p.pos >= len(p.data) {
				return nil, ErrInvalidString
			}
			e := p.data[p.pos]
			p.pos++
			switch e {
			case 'n':
				buf = append(buf, '\n')
			case 'r':
				buf = append(buf, '\r')
			case 't':
				buf = append(buf, '\t')
			case 'b':
				buf = append(buf, '\b')
			case 'f':
				buf = append(buf, '\f')
			case '\r':
				// line continuation
				if p.pos < len(p.data) && p.data[p.pos] == '\n' {
					p.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && p.pos < len(p.data) && p.data[p.pos] >= '0' && p.data[p.pos] <= '7'; i++ {
						v = v*8 + int(p.data[p.pos]-'0')
						p.pos++
					}
					buf = append(buf, byte(v))
				} else {
					buf = append(buf, e)
				}
			}
		default:
			buf = append(buf, b)
		}
	}
	return nil, fmt.Errorf("%w: unterminated literal string", ErrInvalidString)
}

func (p *Parser) parseHexString() (*StringObject, error) {
	p.pos++ // '<'
	var digits []byte
	for p.pos < len(p.data) {
		b := p.data[p.pos]
		p.pos++
		if b == '>' {
			if len(digits)%2 == 1 {
				digits = append(digits, '0')
			}
			out := make([]byte, len(digits)/2)
			for i := range out {
				v, err := strconv.ParseUint(string(digits[2*i:2*i+2]), 16, 8)
				if err != nil {
					return nil, fmt.Errorf("%w: bad hex digit", ErrInvalidString)
				}
				out[i] = byte(v)
			}
			return &StringObject{Value: out, IsHex: true}, nil
		}
		if isWhitespace(b) {
			continue
		}
		digits = append(digits, b)
	}
	return nil, fmt.Errorf("%w: unterminated hex string", ErrInvalidString)
}

func (p *Parser) parseArray() (ArrayObject, error) {
	p.pos++ // '['
	if p.depth++; p.depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting too deep", ErrInvalidObject)
	}
	defer func() { p.depth-- }()

	arr := ArrayObject{}
	for {
		p.SkipWhitespace()
		if p.pos >= len(p.data) {
			return nil, ErrUnexpectedEOF
		}
		if p.data[p.pos] == ']' {
			p.pos++
			return arr, nil
		}
		item, err := p.ParseObject()
		if err != nil {
			return nil, err
		}
		arr = append(arr, item)
	}
}

func (p *Parser) parseDictionary() (*DictionaryObject, error) {
	p.pos += 2 // '<<'
	if p.depth++; p.depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting too deep", ErrInvalidObject)
	}
	defer func() { p.depth-- }()

	dict := NewDictionary()
	for {
		p.SkipWhitespace()
		if p.pos+1 >= len(p.data) {
			return nil, ErrUnexpectedEOF
		}
		if p.data[p.pos] == '>' && p.data[p.pos+1] == '>' {
			p.pos += 2
			return dict, nil
		}
		if p.data[p.pos] != '/' {
			return nil, fmt.Errorf("%w: expected name key at offset %d", ErrInvalidDictionary, p.pos)
		}
		key, err := p.parseName()
		if err != nil {
			return nil, err
		}
		value, err := p.ParseObject()
		if err != nil {
			return nil, fmt.Errorf("%w: value for /%s: %v", ErrInvalidDictionary, key, err)
		}
		// A null value is equivalent to the entry being absent.
		if _, isNull := value.(NullObject); !isNull {
			dict.Set(string(key), value)
		}
	}
}

func (p *Parser) readNumberToken() string {
	start := p.pos
	for p.pos < len(p.data) {
		b := p.data[p.pos]
		if b == '+' || b == '-' || b == '.' || (b >= '0' && b <= '9') {
			p.pos++
			continue
		}
		break
	}
	return string(p.data[start:p.pos])
}

func parseNumber(tok string) (PdfObject, error) {
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return IntegerObject(i), nil
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNumber, tok)
	}
	return RealObject(f), nil
}

// parseNumberOrReference handles the "N G R" lookahead.
func (p *Parser) parseNumberOrReference() (PdfObject, error) {
	first, err := parseNumber(p.readNumberToken())
	if err != nil {
		return nil, err
	}
	objNum, ok := first.(IntegerObject)
	if !ok || objNum < 0 {
		return first, nil
	}

	save := p.pos
	p.SkipWhitespace()
	if p.pos >= len(p.data) || p.data[p.pos] < '0' || p.data[p.pos] > '9' {
		p.pos = save
		return first, nil
	}
	gen, err := strconv.Atoi(p.readNumberToken())
	if err != nil {
		p.pos = save
		return first, nil
	}
	p.SkipWhitespace()
	if p.pos < len(p.data) && p.data[p.pos] == 'R' &&
		(p.pos+1 == len(p.data) || isWhitespace(p.data[p.pos+1]) || isDelimiter(p.data[p.pos+1])) {
		p.pos++
		return Reference{ObjectNumber: int(objNum), GenerationNumber: gen}, nil
	}
	p.pos = save
	return first, nil
}

// ObjectHeader is the "N G obj" prefix of an indirect object.
type ObjectHeader struct {
	Reference
	// BodyOffset is where the object body starts.
	BodyOffset int
}

// ParseObjectHeader parses "N G obj" at the current position.
func (p *Parser) ParseObjectHeader() (ObjectHeader, error) {
	p.SkipWhitespace()
	start := p.pos
	num, err1 := strconv.Atoi(p.ReadKeyword())
	gen, err2 := strconv.Atoi(p.ReadKeyword())
	if err1 != nil || err2 != nil || p.ReadKeyword() != "obj" {
		return ObjectHeader{}, fmt.Errorf("%w: no object header at offset %d", ErrInvalidObject, start)
	}
	return ObjectHeader{Reference: NewReference(num, gen), BodyOffset: p.pos}, nil
}

// StreamStart checks for the "stream" keyword after a dictionary and
// returns the offset of the first data byte.
func (p *Parser) StreamStart() (int, bool) {
	save := p.pos
	p.SkipWhitespace()
	if !bytes.HasPrefix(p.data[p.pos:], []byte("stream")) {
		p.pos = save
		return 0, false
	}
	pos := p.pos + len("stream")
	if pos < len(p.data) && p.data[pos] == '\r' {
		pos++
	}
	if pos < len(p.data) && p.data[pos] == '\n' {
		pos++
	}
	p.pos = pos
	return pos, true
}
