package expr

import (
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokDot
	tokLBracket
	tokRBracket
	tokInvalid
)

type token struct {
	kind tokenKind
	text string
}

type lexer struct {
	src    string
	pos    int
	peeked *token
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

func (l *lexer) peek() token {
	if l.peeked == nil {
		t := l.scan()
		l.peeked = &t
	}
	return *l.peeked
}

func (l *lexer) next() token {
	if l.peeked != nil {
		t := *l.peeked
		l.peeked = nil
		return t
	}
	return l.scan()
}

func (l *lexer) scan() token {
	for l.pos < len(l.src) && (l.src[l.pos] == ' ' || l.src[l.pos] == '\t') {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF}
	}

	c := l.src[l.pos]
	switch {
	case c == '.':
		l.pos++
		return token{kind: tokDot, text: "."}
	case c == '[':
		l.pos++
		return token{kind: tokLBracket, text: "["}
	case c == ']':
		l.pos++
		return token{kind: tokRBracket, text: "]"}
	case c == '"' || c == '\'':
		return l.scanString(c)
	case c >= '0' && c <= '9' || c == '-':
		return l.scanNumber()
	case c == '$' || c == '_' || isLetter(rune(c)):
		return l.scanIdent()
	default:
		l.pos++
		return token{kind: tokInvalid, text: string(c)}
	}
}

func (l *lexer) scanString(quote byte) token {
	l.pos++ // opening quote
	start := l.pos
	for l.pos < len(l.src) && l.src[l.pos] != quote {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokInvalid, text: l.src[start:]}
	}
	text := l.src[start:l.pos]
	l.pos++ // closing quote
	return token{kind: tokString, text: text}
}

func (l *lexer) scanNumber() token {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9' || l.src[l.pos] == '.') {
		l.pos++
	}
	return token{kind: tokNumber, text: l.src[start:l.pos]}
}

func (l *lexer) scanIdent() token {
	start := l.pos
	if l.src[l.pos] == '$' {
		l.pos++
	}
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if !isLetter(r) && !unicode.IsDigit(r) && r != '_' {
			break
		}
		l.pos += size
	}
	return token{kind: tokIdent, text: l.src[start:l.pos]}
}

func isLetter(r rune) bool {
	return unicode.IsLetter(r)
}
