package leap

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// This file implements the notation serialization used on the wire.
// Notation is a textual tagged format: every scalar is introduced by a
// one-character tag ('i' integer, 'r' real, 'u' uuid, ...), strings are
// quoted, maps and arrays use {} and []. The parser accepts the full
// scalar set; the serializer emits the canonical single-quoted form.

// FormatNotation serializes a value to notation bytes.
func FormatNotation(v Value) []byte {
	var sb strings.Builder
	formatNotation(&sb, v)
	return []byte(sb.String())
}

func formatNotation(sb *strings.Builder, v Value) {
	switch v.Kind() {
	case KindUndef:
		sb.WriteByte('!')
	case KindBool:
		if v.b {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	case KindInt:
		sb.WriteByte('i')
		sb.WriteString(strconv.FormatInt(v.i, 10))
	case KindReal:
		sb.WriteByte('r')
		sb.WriteString(strconv.FormatFloat(v.r, 'g', -1, 64))
	case KindString:
		writeQuoted(sb, v.s)
	case KindUUID:
		sb.WriteByte('u')
		sb.WriteString(v.u.String())
	case KindBinary:
		sb.WriteString(`b64"`)
		sb.WriteString(base64.StdEncoding.EncodeToString(v.bin))
		sb.WriteByte('"')
	case KindDate:
		sb.WriteString(`d"`)
		sb.WriteString(v.s)
		sb.WriteByte('"')
	case KindURI:
		sb.WriteString(`l"`)
		sb.WriteString(v.s)
		sb.WriteByte('"')
	case KindMap:
		sb.WriteByte('{')
		first := true
		for _, k := range sortedKeys(v.m) {
			if !first {
				sb.WriteByte(',')
			}
			first = false
			writeQuoted(sb, k)
			sb.WriteByte(':')
			formatNotation(sb, v.m[k])
		}
		sb.WriteByte('}')
	case KindArray:
		sb.WriteByte('[')
		for i, member := range v.a {
			if i > 0 {
				sb.WriteByte(',')
			}
			formatNotation(sb, member)
		}
		sb.WriteByte(']')
	}
}

// sortedKeys keeps map serialization deterministic, which the tests and
// the frame length prefix both rely on.
func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeQuoted(sb *strings.Builder, s string) {
	sb.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'' || c == '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case c == '\n':
			sb.WriteString(`\n`)
		case c == '\t':
			sb.WriteString(`\t`)
		case c == '\r':
			sb.WriteString(`\r`)
		case c < 0x20:
			fmt.Fprintf(sb, `\x%02x`, c)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte('\'')
}

// ParseNotation parses one notation value from data. The entire input
// must be consumed apart from trailing whitespace; a frame carries
// exactly one value.
func ParseNotation(data []byte) (Value, error) {
	p := &notationParser{data: data}
	v, err := p.parseValue()
	if err != nil {
		return Value{}, err
	}
	p.skipSpace()
	if p.pos != len(p.data) {
		return Value{}, p.errorf("trailing bytes after value")
	}
	return v, nil
}

type notationParser struct {
	data []byte
	pos  int
}

func (p *notationParser) errorf(format string, args ...any) error {
	return fmt.Errorf("notation parse error at byte %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *notationParser) skipSpace() {
	for p.pos < len(p.data) {
		switch p.data[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *notationParser) peek() (byte, bool) {
	if p.pos < len(p.data) {
		return p.data[p.pos], true
	}
	return 0, false
}

// literal consumes s if it is next in the input.
func (p *notationParser) literal(s string) bool {
	if strings.HasPrefix(string(p.data[p.pos:]), s) {
		p.pos += len(s)
		return true
	}
	return false
}

func (p *notationParser) parseValue() (Value, error) {
	p.skipSpace()
	c, ok := p.peek()
	if !ok {
		return Value{}, p.errorf("unexpected end of input")
	}
	switch c {
	case '!':
		p.pos++
		return Undef(), nil
	case '1':
		p.pos++
		return Bool(true), nil
	case '0':
		p.pos++
		return Bool(false), nil
	case 't', 'T':
		if p.literal("true") || p.literal("TRUE") {
			return Bool(true), nil
		}
		p.pos++
		return Bool(true), nil
	case 'f', 'F':
		if p.literal("false") || p.literal("FALSE") {
			return Bool(false), nil
		}
		p.pos++
		return Bool(false), nil
	case 'i':
		p.pos++
		return p.parseInt()
	case 'r':
		p.pos++
		return p.parseReal()
	case 'u':
		p.pos++
		return p.parseUUID()
	case '\'', '"':
		s, err := p.parseQuoted(c)
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	case 's':
		p.pos++
		return p.parseSizedString()
	case 'b':
		p.pos++
		return p.parseBinary()
	case 'd':
		p.pos++
		s, err := p.parseDelimited()
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindDate, s: s}, nil
	case 'l':
		p.pos++
		s, err := p.parseDelimited()
		if err != nil {
			return Value{}, err
		}
		return URI(s), nil
	case '{':
		p.pos++
		return p.parseMap()
	case '[':
		p.pos++
		return p.parseArray()
	default:
		return Value{}, p.errorf("unexpected character %q", c)
	}
}

func (p *notationParser) parseInt() (Value, error) {
	start := p.pos
	if c, ok := p.peek(); ok && (c == '-' || c == '+') {
		p.pos++
	}
	for {
		c, ok := p.peek()
		if !ok || c < '0' || c > '9' {
			break
		}
		p.pos++
	}
	n, err := strconv.ParseInt(string(p.data[start:p.pos]), 10, 64)
	if err != nil {
		return Value{}, p.errorf("bad integer %q", p.data[start:p.pos])
	}
	return Int(n), nil
}

func (p *notationParser) parseReal() (Value, error) {
	start := p.pos
	for {
		c, ok := p.peek()
		if !ok {
			break
		}
		if (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E' {
			p.pos++
			continue
		}
		break
	}
	f, err := strconv.ParseFloat(string(p.data[start:p.pos]), 64)
	if err != nil {
		return Value{}, p.errorf("bad real %q", p.data[start:p.pos])
	}
	return Real(f), nil
}

func (p *notationParser) parseUUID() (Value, error) {
	const uuidLen = 36
	if p.pos+uuidLen > len(p.data) {
		return Value{}, p.errorf("truncated uuid")
	}
	u, err := uuid.Parse(string(p.data[p.pos : p.pos+uuidLen]))
	if err != nil {
		return Value{}, p.errorf("bad uuid: %v", err)
	}
	p.pos += uuidLen
	return UUID(u), nil
}

func (p *notationParser) parseQuoted(quote byte) (string, error) {
	p.pos++ // opening quote
	var sb strings.Builder
	for {
		if p.pos >= len(p.data) {
			return "", p.errorf("unterminated string")
		}
		c := p.data[p.pos]
		p.pos++
		switch c {
		case quote:
			return sb.String(), nil
		case '\\':
			if p.pos >= len(p.data) {
				return "", p.errorf("unterminated escape")
			}
			e := p.data[p.pos]
			p.pos++
			switch e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case 'a':
				sb.WriteByte('\a')
			case 'b':
				sb.WriteByte('\b')
			case 'f':
				sb.WriteByte('\f')
			case 'v':
				sb.WriteByte('\v')
			case 'x':
				if p.pos+2 > len(p.data) {
					return "", p.errorf("truncated \\x escape")
				}
				b, err := hex.DecodeString(string(p.data[p.pos : p.pos+2]))
				if err != nil {
					return "", p.errorf("bad \\x escape")
				}
				p.pos += 2
				sb.WriteByte(b[0])
			default:
				// Unknown escapes pass the character through, like the
				// reference notation parser.
				sb.WriteByte(e)
			}
		default:
			sb.WriteByte(c)
		}
	}
}

// parseSizedString handles s(len)"raw bytes" strings, whose payload is
// counted rather than escaped.
func (p *notationParser) parseSizedString() (Value, error) {
	n, err := p.parseParenLength()
	if err != nil {
		return Value{}, err
	}
	raw, err := p.parseRawBytes(n)
	if err != nil {
		return Value{}, err
	}
	return String(string(raw)), nil
}

func (p *notationParser) parseBinary() (Value, error) {
	switch {
	case p.literal(`16"`):
		end := p.findDelim('"')
		if end < 0 {
			return Value{}, p.errorf("unterminated b16 binary")
		}
		raw, err := hex.DecodeString(string(p.data[p.pos:end]))
		if err != nil {
			return Value{}, p.errorf("bad b16 binary: %v", err)
		}
		p.pos = end + 1
		return Binary(raw), nil
	case p.literal(`64"`):
		end := p.findDelim('"')
		if end < 0 {
			return Value{}, p.errorf("unterminated b64 binary")
		}
		raw, err := base64.StdEncoding.DecodeString(string(p.data[p.pos:end]))
		if err != nil {
			return Value{}, p.errorf("bad b64 binary: %v", err)
		}
		p.pos = end + 1
		return Binary(raw), nil
	default:
		n, err := p.parseParenLength()
		if err != nil {
			return Value{}, err
		}
		raw, err := p.parseRawBytes(n)
		if err != nil {
			return Value{}, err
		}
		return Binary(raw), nil
	}
}

func (p *notationParser) parseParenLength() (int, error) {
	if c, ok := p.peek(); !ok || c != '(' {
		return 0, p.errorf("expected (length)")
	}
	p.pos++
	start := p.pos
	for {
		c, ok := p.peek()
		if !ok {
			return 0, p.errorf("unterminated (length)")
		}
		if c == ')' {
			break
		}
		p.pos++
	}
	n, err := strconv.Atoi(string(p.data[start:p.pos]))
	if err != nil || n < 0 {
		return 0, p.errorf("bad length %q", p.data[start:p.pos])
	}
	p.pos++ // ')'
	return n, nil
}

func (p *notationParser) parseRawBytes(n int) ([]byte, error) {
	if c, ok := p.peek(); !ok || c != '"' {
		return nil, p.errorf("expected opening quote")
	}
	p.pos++
	if p.pos+n > len(p.data) {
		return nil, p.errorf("truncated raw payload")
	}
	raw := p.data[p.pos : p.pos+n]
	p.pos += n
	if c, ok := p.peek(); !ok || c != '"' {
		return nil, p.errorf("expected closing quote")
	}
	p.pos++
	return raw, nil
}

// parseDelimited reads a "quoted" body without escape processing, used
// for dates and URIs.
func (p *notationParser) parseDelimited() (string, error) {
	if c, ok := p.peek(); !ok || c != '"' {
		return "", p.errorf("expected opening quote")
	}
	p.pos++
	end := p.findDelim('"')
	if end < 0 {
		return "", p.errorf("unterminated value")
	}
	s := string(p.data[p.pos:end])
	p.pos = end + 1
	return s, nil
}

func (p *notationParser) findDelim(delim byte) int {
	for i := p.pos; i < len(p.data); i++ {
		if p.data[i] == delim {
			return i
		}
	}
	return -1
}

func (p *notationParser) parseMap() (Value, error) {
	m := map[string]Value{}
	p.skipSpace()
	if c, ok := p.peek(); ok && c == '}' {
		p.pos++
		return Map(m), nil
	}
	for {
		p.skipSpace()
		c, ok := p.peek()
		if !ok {
			return Value{}, p.errorf("unterminated map")
		}
		if c != '\'' && c != '"' {
			return Value{}, p.errorf("expected map key, got %q", c)
		}
		key, err := p.parseQuoted(c)
		if err != nil {
			return Value{}, err
		}
		p.skipSpace()
		if c, ok := p.peek(); !ok || c != ':' {
			return Value{}, p.errorf("expected ':' after map key")
		}
		p.pos++
		member, err := p.parseValue()
		if err != nil {
			return Value{}, err
		}
		m[key] = member
		p.skipSpace()
		c, ok = p.peek()
		if !ok {
			return Value{}, p.errorf("unterminated map")
		}
		switch c {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return Map(m), nil
		default:
			return Value{}, p.errorf("expected ',' or '}' in map, got %q", c)
		}
	}
}

func (p *notationParser) parseArray() (Value, error) {
	var a []Value
	p.skipSpace()
	if c, ok := p.peek(); ok && c == ']' {
		p.pos++
		return Value{kind: KindArray, a: a}, nil
	}
	for {
		member, err := p.parseValue()
		if err != nil {
			return Value{}, err
		}
		a = append(a, member)
		p.skipSpace()
		c, ok := p.peek()
		if !ok {
			return Value{}, p.errorf("unterminated array")
		}
		switch c {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return Value{kind: KindArray, a: a}, nil
		default:
			return Value{}, p.errorf("expected ',' or ']' in array, got %q", c)
		}
	}
}
