// Package markdown handles the inline markdown found in transcript text.
package markdown

import "strings"

// Style is a set of inline styles.
type Style uint8

const (
	Bold Style = 1 << iota
	Italic
	Code
)

// Span is a run of text sharing one style.
type Span struct {
	Text  string
	Style Style
}

// Has reports whether the span carries st.
func (s Span) Has(st Style) bool {
	return s.Style&st != 0
}

// Parse splits input into spans. It understands **bold**, *italic*, `code` and
// backslash escapes; a marker without a closing partner is kept as text.
func Parse(input string) []Span {
	if input == "" {
		return nil
	}
	p := parser{in: input}
	return p.run()
}

type parser struct {
	in    string
	style Style
	buf   strings.Builder
	spans []Span
}

func (p *parser) flush() {
	if p.buf.Len() == 0 {
		return
	}
	p.spans = append(p.spans, Span{Text: p.buf.String(), Style: p.style})
	p.buf.Reset()
}

func (p *parser) toggle(st Style) {
	p.flush()
	p.style ^= st
}

// opens reports whether a marker either closes st or has a partner further on.
func (p *parser) opens(st Style, rest, marker string) bool {
	return p.style&st != 0 || strings.Contains(rest, marker)
}

func (p *parser) run() []Span {
	for i := 0; i < len(p.in); {
		rest := p.in[i:]
		inCode := p.style&Code != 0
		switch {
		case rest[0] == '\\' && len(rest) > 1:
			p.buf.WriteByte(rest[1])
			i += 2
		case rest[0] == '`' && p.opens(Code, rest[1:], "`"):
			p.toggle(Code)
			i++
		case !inCode && strings.HasPrefix(rest, "**"):
			if p.opens(Bold, rest[2:], "**") {
				p.toggle(Bold)
			} else {
				p.buf.WriteString("**")
			}
			i += 2
		case !inCode && rest[0] == '*' && p.opens(Italic, rest[1:], "*"):
			p.toggle(Italic)
			i++
		default:
			p.buf.WriteByte(rest[0])
			i++
		}
	}
	p.flush()
	return p.spans
}

// Plain returns input with the inline markers removed.
func Plain(input string) string {
	var b strings.Builder
	for _, span := range Parse(input) {
		b.WriteString(span.Text)
	}
	return b.String()
}

const ansiReset = "\x1b[0m"

// ANSI renders input with terminal escape sequences: bold, italic and cyan code.
func ANSI(input string) string {
	var b strings.Builder
	for _, span := range Parse(input) {
		var codes []string
		if span.Has(Bold) {
			codes = append(codes, "1")
		}
		if span.Has(Italic) {
			codes = append(codes, "3")
		}
		if span.Has(Code) {
			codes = append(codes, "36")
		}
		if len(codes) == 0 {
			b.WriteString(span.Text)
			continue
		}
		b.WriteString("\x1b[" + strings.Join(codes, ";") + "m")
		b.WriteString(span.Text)
		b.WriteString(ansiReset)
	}
	return b.String()
}
