package phpconfig

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokString tokenKind = iota
	tokWord
	tokArrow    // =>
	tokAssign   // =
	tokComma    // ,
	tokSemi     // ;
	tokLParen   // (
	tokRParen   // )
	tokLBracket // [
	tokRBracket // ]
)

type token struct {
	kind  tokenKind
	start int // byte offset of the first character
	end   int // byte offset one past the last character
	text  string
	quote byte // ' or " for strings
}

// lex splits a config.php source into tokens. Whitespace and comments are
// dropped; every token keeps its byte span so edits can splice the original
// source without disturbing anything around them.
func lex(src []byte) ([]token, error) {
	var tokens []token
	s := string(src)
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '#' || strings.HasPrefix(s[i:], "//"):
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case strings.HasPrefix(s[i:], "/*"):
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated comment at offset %d", i)
			}
			i += end + 4
		case c == '\'' || c == '"':
			tok, next, err := lexString(s, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			i = next
		case c == '=' && i+1 < len(s) && s[i+1] == '>':
			tokens = append(tokens, token{kind: tokArrow, start: i, end: i + 2, text: "=>"})
			i += 2
		case punct(c) >= 0:
			tokens = append(tokens, token{kind: punct(c), start: i, end: i + 1, text: s[i : i+1]})
			i++
		default:
			start := i
			for i < len(s) && !wordBreak(s, i) {
				i++
			}
			tokens = append(tokens, token{kind: tokWord, start: start, end: i, text: s[start:i]})
		}
	}
	return tokens, nil
}

func punct(c byte) tokenKind {
	switch c {
	case '=':
		return tokAssign
	case ',':
		return tokComma
	case ';':
		return tokSemi
	case '(':
		return tokLParen
	case ')':
		return tokRParen
	case '[':
		return tokLBracket
	case ']':
		return tokRBracket
	}
	return -1
}

func wordBreak(s string, i int) bool {
	c := s[i]
	if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\'' || c == '"' || c == '#' || punct(c) >= 0 {
		return true
	}
	return strings.HasPrefix(s[i:], "//") || strings.HasPrefix(s[i:], "/*")
}

func lexString(s string, start int) (token, int, error) {
	q := s[start]
	var b strings.Builder
	i := start + 1
	for i < len(s) {
		c := s[i]
		if c == q {
			return token{kind: tokString, start: start, end: i + 1, text: b.String(), quote: q}, i + 1, nil
		}
		if c == '\\' && i+1 < len(s) {
			n := s[i+1]
			switch {
			case q == '\'' && (n == '\'' || n == '\\'):
				b.WriteByte(n)
				i += 2
				continue
			case q == '"':
				if r, ok := doubleQuoteEscapes[n]; ok {
					b.WriteByte(r)
					i += 2
					continue
				}
			}
		}
		b.WriteByte(c)
		i++
	}
	return token{}, 0, fmt.Errorf("unterminated string at offset %d", start)
}

var doubleQuoteEscapes = map[byte]byte{
	'\\': '\\',
	'"':  '"',
	'$':  '$',
	'n':  '\n',
	't':  '\t',
	'r':  '\r',
}

// quote renders value as a PHP string literal using the given quote character.
func quote(value string, q byte) string {
	var b strings.Builder
	b.WriteByte(q)
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c == '\\' || c == q:
			b.WriteByte('\\')
			b.WriteByte(c)
		case q == '"' && c == '$':
			b.WriteString(`\$`)
		case q == '"' && c == '\n':
			b.WriteString(`\n`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte(q)
	return b.String()
}
