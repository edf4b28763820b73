package phpconfig

import (
	"errors"
	"fmt"
)

type nodeKind int

const (
	nodeString nodeKind = iota
	nodeArray
	nodeRaw // numbers, booleans, constants and any other expression
)

type node struct {
	kind  nodeKind
	start int
	end   int
	str   string // unescaped content for strings, source text for raw
	quote byte

	// arrays only
	openEnd    int // offset just past "array (" or "["
	closeStart int // offset of ")" or "]"
	entries    []entry
}

type entry struct {
	key   *node // nil for implicit-index entries
	value *node
}

// keyName returns the entry key as text, or "" for implicit keys.
func (e entry) keyName() string {
	if e.key == nil {
		return ""
	}
	return e.key.str
}

var errNoConfig = errors.New("no $CONFIG array assignment found")

type parser struct {
	src    []byte
	tokens []token
	pos    int
}

// parseConfig locates `$CONFIG = array(...)` or `$CONFIG = [...]` and returns the
// root array node.
func parseConfig(src []byte) (*node, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, tokens: tokens}
	for i := 0; i+2 < len(tokens); i++ {
		if tokens[i].kind == tokWord && tokens[i].text == "$CONFIG" && tokens[i+1].kind == tokAssign {
			p.pos = i + 2
			root, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			if root.kind != nodeArray {
				return nil, fmt.Errorf("$CONFIG is not an array literal")
			}
			return root, nil
		}
	}
	return nil, errNoConfig
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) isArrayStart() (closer tokenKind, width int, ok bool) {
	t, ok := p.peek()
	if !ok {
		return 0, 0, false
	}
	if t.kind == tokLBracket {
		return tokRBracket, 1, true
	}
	if t.kind == tokWord && (t.text == "array" || t.text == "ARRAY" || t.text == "Array") &&
		p.pos+1 < len(p.tokens) && p.tokens[p.pos+1].kind == tokLParen {
		return tokRParen, 2, true
	}
	return 0, 0, false
}

// parseValue parses one value up to (not including) the next `,` `=>` or the
// enclosing closer.
func (p *parser) parseValue() (*node, error) {
	if closer, width, ok := p.isArrayStart(); ok {
		arr, err := p.parseArray(closer, width)
		if err != nil {
			return nil, err
		}
		if p.atValueEnd() {
			return arr, nil
		}
		return p.parseRawFrom(arr.start)
	}

	t, ok := p.peek()
	if !ok {
		return nil, errors.New("unexpected end of input")
	}
	if t.kind == tokString {
		p.pos++
		if p.atValueEnd() {
			return &node{kind: nodeString, start: t.start, end: t.end, str: t.text, quote: t.quote}, nil
		}
		return p.parseRawFrom(t.start)
	}
	return p.parseRawFrom(t.start)
}

func (p *parser) atValueEnd() bool {
	t, ok := p.peek()
	if !ok {
		return true
	}
	switch t.kind {
	case tokComma, tokArrow, tokRParen, tokRBracket, tokSemi:
		return true
	}
	return false
}

// parseRawFrom consumes tokens until a value boundary at nesting depth zero.
func (p *parser) parseRawFrom(start int) (*node, error) {
	depth := 0
	end := start
	for p.pos < len(p.tokens) {
		t := p.tokens[p.pos]
		if depth == 0 && (t.kind == tokComma || t.kind == tokArrow || t.kind == tokSemi ||
			t.kind == tokRParen || t.kind == tokRBracket) {
			break
		}
		switch t.kind {
		case tokLParen, tokLBracket:
			depth++
		case tokRParen, tokRBracket:
			depth--
		}
		end = t.end
		p.pos++
	}
	if depth != 0 {
		return nil, errors.New("unbalanced brackets in expression")
	}
	if end == start {
		return nil, fmt.Errorf("empty value at offset %d", start)
	}
	return &node{kind: nodeRaw, start: start, end: end, str: string(p.src[start:end])}, nil
}

func (p *parser) parseArray(closer tokenKind, width int) (*node, error) {
	first := p.tokens[p.pos]
	opener := p.tokens[p.pos+width-1]
	p.pos += width
	arr := &node{kind: nodeArray, start: first.start, openEnd: opener.end}

	for {
		t, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated array starting at offset %d", first.start)
		}
		if t.kind == closer {
			arr.closeStart = t.start
			arr.end = t.end
			p.pos++
			return arr, nil
		}

		value, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		e := entry{value: value}
		if t, ok := p.peek(); ok && t.kind == tokArrow {
			p.pos++
			e.key = value
			if e.value, err = p.parseValue(); err != nil {
				return nil, err
			}
		}
		arr.entries = append(arr.entries, e)

		t, ok = p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated array starting at offset %d", first.start)
		}
		switch t.kind {
		case tokComma:
			p.pos++
		case closer:
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.start)
		}
	}
}
