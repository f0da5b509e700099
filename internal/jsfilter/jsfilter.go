// Package jsfilter rewrites proxied scripts so references to the
// page's location go through the helper's __location shim.
//
// The filter works on raw bytes in the script's own encoding. It skips
// strings, template text, comments and regular expression literals, and
// steps over double-byte characters so a trail byte that looks like a
// quote or backslash does not derail it.
package jsfilter

// Replacement is the identifier substituted for location.
const Replacement = "__location"

const target = "location"

// keywords after which a slash starts a regular expression
var regexKeywords = map[string]bool{
	"return": true, "typeof": true, "instanceof": true, "in": true, "of": true,
	"new": true, "delete": true, "void": true, "throw": true, "case": true,
	"do": true, "else": true, "yield": true, "await": true,
}

// Filter rewrites src declared with charset. It returns nil when
// nothing needed rewriting.
func Filter(src []byte, charset string) []byte {
	s := &scanner{
		src:  src,
		lead: leadByte(Detect(src, charset)),
	}
	s.run()
	if s.out == nil {
		return nil
	}
	return append(s.out, src[s.copied:]...)
}

type scanner struct {
	src    []byte
	lead   func(byte) bool
	out    []byte
	copied int

	// last significant punctuation, 0 after a value token
	punct   byte
	regexOK bool

	// open braces per enclosing template substitution
	templates []int
}

func (s *scanner) run() {
	s.regexOK = true
	i := 0
	for i < len(s.src) {
		c := s.src[i]

		switch {
		case s.isLead(c):
			i = s.skipLead(i)
			s.value()
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			i++
		case c == '"' || c == '\'':
			i = s.skipString(i)
			s.value()
		case c == '`':
			i = s.skipTemplate(i + 1)
		case c == '/' && i+1 < len(s.src) && s.src[i+1] == '/':
			i = s.skipLine(i)
		case c == '/' && i+1 < len(s.src) && s.src[i+1] == '*':
			i = s.skipBlock(i)
		case c == '/' && s.regexOK:
			i = s.skipRegex(i)
			s.value()
		case isIdentStart(c):
			i = s.ident(i)
		case c >= '0' && c <= '9':
			i = s.skipNumber(i)
			s.value()
		case c == '{':
			if n := len(s.templates); n > 0 {
				s.templates[n-1]++
			}
			s.punctuation(c)
			i++
		case c == '}':
			if n := len(s.templates); n > 0 {
				if s.templates[n-1] == 0 {
					s.templates = s.templates[:n-1]
					i = s.skipTemplate(i + 1)
					continue
				}
				s.templates[n-1]--
			}
			s.punctuation(c)
			i++
		default:
			s.punctuation(c)
			i++
		}
	}
}

func (s *scanner) value() {
	s.punct = 0
	s.regexOK = false
}

func (s *scanner) punctuation(c byte) {
	s.punct = c
	s.regexOK = c != ')' && c != ']' && c != '}'
}

func (s *scanner) isLead(c byte) bool {
	return s.lead != nil && s.lead(c)
}

func (s *scanner) skipLead(i int) int {
	if i+2 > len(s.src) {
		return len(s.src)
	}
	return i + 2
}

func (s *scanner) skipString(i int) int {
	quote := s.src[i]
	i++
	for i < len(s.src) {
		c := s.src[i]
		switch {
		case s.isLead(c):
			i = s.skipLead(i)
		case c == '\\':
			i += 2
		case c == quote:
			return i + 1
		case c == '\n':
			return i
		default:
			i++
		}
	}
	return len(s.src)
}

// skipTemplate scans template text from i. It stops after the closing
// backtick or after "${", in which case the substitution is scanned as
// code until its matching brace.
func (s *scanner) skipTemplate(i int) int {
	for i < len(s.src) {
		c := s.src[i]
		switch {
		case s.isLead(c):
			i = s.skipLead(i)
		case c == '\\':
			i += 2
		case c == '`':
			s.value()
			return i + 1
		case c == '$' && i+1 < len(s.src) && s.src[i+1] == '{':
			s.templates = append(s.templates, 0)
			s.punctuation('{')
			return i + 2
		default:
			i++
		}
	}
	return len(s.src)
}

func (s *scanner) skipLine(i int) int {
	for i < len(s.src) && s.src[i] != '\n' {
		if s.isLead(s.src[i]) {
			i = s.skipLead(i)
			continue
		}
		i++
	}
	return i
}

func (s *scanner) skipBlock(i int) int {
	i += 2
	for i+1 < len(s.src) {
		if s.isLead(s.src[i]) {
			i = s.skipLead(i)
			continue
		}
		if s.src[i] == '*' && s.src[i+1] == '/' {
			return i + 2
		}
		i++
	}
	return len(s.src)
}

func (s *scanner) skipRegex(i int) int {
	i++
	inClass := false
	for i < len(s.src) {
		c := s.src[i]
		switch {
		case s.isLead(c):
			i = s.skipLead(i)
			continue
		case c == '\\':
			i += 2
			continue
		case c == '\n':
			return i
		case c == '[':
			inClass = true
		case c == ']':
			inClass = false
		case c == '/' && !inClass:
			i++
			for i < len(s.src) && isIdentPart(s.src[i]) {
				i++
			}
			return i
		}
		i++
	}
	return len(s.src)
}

func (s *scanner) skipNumber(i int) int {
	for i < len(s.src) && (isIdentPart(s.src[i]) || s.src[i] == '.') {
		i++
	}
	return i
}

func (s *scanner) ident(i int) int {
	start := i
	for i < len(s.src) && isIdentPart(s.src[i]) {
		if s.isLead(s.src[i]) {
			i = s.skipLead(i)
			continue
		}
		i++
	}
	word := string(s.src[start:i])

	if word == target && !s.isObjectKey(i) {
		s.rewrite(start)
	}

	if regexKeywords[word] {
		s.punct = 0
		s.regexOK = true
	} else {
		s.value()
	}
	return i
}

// isObjectKey reports whether the identifier ending at end is a key in
// an object literal, as in {location: x}.
func (s *scanner) isObjectKey(end int) bool {
	if s.punct != '{' && s.punct != ',' {
		return false
	}
	for end < len(s.src) {
		switch s.src[end] {
		case ' ', '\t', '\n', '\r':
			end++
		case ':':
			return true
		default:
			return false
		}
	}
	return false
}

func (s *scanner) rewrite(at int) {
	if s.out == nil {
		s.out = make([]byte, 0, len(s.src)+64)
	}
	s.out = append(s.out, s.src[s.copied:at]...)
	s.out = append(s.out, Replacement[:len(Replacement)-len(target)]...)
	s.copied = at
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c|0x20 >= 'a' && c|0x20 <= 'z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
