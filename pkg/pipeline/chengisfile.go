package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/chengis/chengis/pkg/models"
)

// ChengisfileFormat parses the native Chengisfile syntax: a single data
// literal of nested maps ({:key value}), vectors ([...]), strings,
// numbers, keywords, and booleans. Tagged literals (#...) are refused;
// the file is data, never code.
//
//	{:description "Service build"
//	 :stages [{:name "Build"
//	           :steps [{:name "Compile" :run "mvn compile" :timeout 30000}]}]}
type ChengisfileFormat struct{}

func (f *ChengisfileFormat) Name() string { return "chengisfile" }

func (f *ChengisfileFormat) Matches(filename string) bool {
	return filename == "chengisfile"
}

func (f *ChengisfileFormat) Parse(data []byte) (*models.Pipeline, error) {
	r := &reader{src: string(data)}
	v, err := r.read()
	if err != nil {
		return nil, err
	}
	r.skipSpace()
	if !r.eof() {
		return nil, fmt.Errorf("offset %d: trailing content after document", r.pos)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document must be a map")
	}
	return docPipeline(m)
}

// reader is a recursive-descent reader over the data syntax. Keyword map
// keys are normalised to snake_case strings so both file formats feed the
// same document layer.
type reader struct {
	src string
	pos int
}

func (r *reader) eof() bool { return r.pos >= len(r.src) }

func (r *reader) peek() byte { return r.src[r.pos] }

func (r *reader) skipSpace() {
	for !r.eof() {
		c := r.peek()
		switch {
		case c == ';':
			for !r.eof() && r.peek() != '\n' {
				r.pos++
			}
		case c == ',' || unicode.IsSpace(rune(c)):
			r.pos++
		default:
			return
		}
	}
}

func (r *reader) read() (any, error) {
	r.skipSpace()
	if r.eof() {
		return nil, fmt.Errorf("unexpected end of file")
	}
	switch c := r.peek(); {
	case c == '{':
		return r.readMap()
	case c == '[':
		return r.readVector()
	case c == '"':
		return r.readString()
	case c == ':':
		return r.readKeyword()
	case c == '#':
		return nil, fmt.Errorf("offset %d: tagged literals are not allowed", r.pos)
	case c == '(':
		return nil, fmt.Errorf("offset %d: lists are not allowed, use vectors", r.pos)
	case c == '-' || c >= '0' && c <= '9':
		return r.readNumber()
	default:
		return r.readSymbol()
	}
}

func (r *reader) readMap() (map[string]any, error) {
	r.pos++ // {
	out := make(map[string]any)
	for {
		r.skipSpace()
		if r.eof() {
			return nil, fmt.Errorf("unterminated map")
		}
		if r.peek() == '}' {
			r.pos++
			return out, nil
		}
		key, err := r.read()
		if err != nil {
			return nil, err
		}
		kw, ok := key.(keyword)
		if !ok {
			return nil, fmt.Errorf("offset %d: map keys must be keywords", r.pos)
		}
		val, err := r.read()
		if err != nil {
			return nil, err
		}
		out[kw.docKey()] = val
	}
}

func (r *reader) readVector() ([]any, error) {
	r.pos++ // [
	var out []any
	for {
		r.skipSpace()
		if r.eof() {
			return nil, fmt.Errorf("unterminated vector")
		}
		if r.peek() == ']' {
			r.pos++
			if out == nil {
				out = []any{}
			}
			return out, nil
		}
		v, err := r.read()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

func (r *reader) readString() (string, error) {
	r.pos++ // "
	var b strings.Builder
	for !r.eof() {
		c := r.peek()
		r.pos++
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			if r.eof() {
				return "", fmt.Errorf("unterminated escape")
			}
			esc := r.peek()
			r.pos++
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '"', '\\':
				b.WriteByte(esc)
			default:
				return "", fmt.Errorf("offset %d: bad escape \\%c", r.pos-1, esc)
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", fmt.Errorf("unterminated string")
}

// keyword is a map-key token (:name, :on-success).
type keyword string

// docKey normalises to the shared document layer's snake_case keys.
func (k keyword) docKey() string {
	return strings.ReplaceAll(string(k), "-", "_")
}

func (r *reader) readKeyword() (keyword, error) {
	r.pos++ // :
	start := r.pos
	for !r.eof() && isTokenChar(r.peek()) {
		r.pos++
	}
	if r.pos == start {
		return "", fmt.Errorf("offset %d: empty keyword", start)
	}
	return keyword(r.src[start:r.pos]), nil
}

func (r *reader) readNumber() (any, error) {
	start := r.pos
	if r.peek() == '-' {
		r.pos++
	}
	float := false
	for !r.eof() {
		c := r.peek()
		if c == '.' {
			float = true
			r.pos++
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		r.pos++
	}
	tok := r.src[start:r.pos]
	if float {
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("offset %d: bad number %q", start, tok)
		}
		return f, nil
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return nil, fmt.Errorf("offset %d: bad number %q", start, tok)
	}
	return n, nil
}

func (r *reader) readSymbol() (any, error) {
	start := r.pos
	for !r.eof() && isTokenChar(r.peek()) {
		r.pos++
	}
	switch tok := r.src[start:r.pos]; tok {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "nil":
		return nil, nil
	case "":
		return nil, fmt.Errorf("offset %d: unexpected character %q", start, r.peek())
	default:
		return nil, fmt.Errorf("offset %d: unknown symbol %q", start, tok)
	}
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '/' || c == '?' || c == '*':
		return true
	}
	return false
}
