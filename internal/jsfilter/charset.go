package jsfilter

import (
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

// Normalize maps a charset label to its canonical WHATWG name, or ""
// if the label is unknown.
func Normalize(label string) string {
	label = strings.TrimSpace(strings.Trim(label, `"'`))
	if label == "" {
		return ""
	}
	// chardet reports GB18030 with a dash the label table lacks.
	if strings.EqualFold(label, "GB-18030") {
		label = "gb18030"
	}
	_, name := charset.Lookup(label)
	return name
}

// Detect returns the charset to scan src with. A declared charset wins.
// Otherwise pure ASCII and valid UTF-8 are "utf-8", and anything else
// is sniffed.
func Detect(src []byte, declared string) string {
	if name := Normalize(declared); name != "" {
		return name
	}
	if isASCII(src) || utf8.Valid(src) {
		return "utf-8"
	}

	res, err := chardet.NewTextDetector().DetectBest(src)
	if err != nil {
		return "utf-8"
	}
	if name := Normalize(res.Charset); name != "" {
		return name
	}
	return "utf-8"
}

// leadByte returns the predicate for lead bytes of double-byte
// sequences whose trail byte may fall in the ASCII range. Encodings
// whose trail bytes are always high need no special handling.
func leadByte(name string) func(byte) bool {
	switch name {
	case "gbk", "gb18030", "big5":
		return func(b byte) bool { return b >= 0x81 && b <= 0xFE }
	case "shift_jis":
		return func(b byte) bool { return (b >= 0x81 && b <= 0x9F) || (b >= 0xE0 && b <= 0xFC) }
	case "euc-kr":
		return func(b byte) bool { return b >= 0x81 && b <= 0xFE }
	default:
		return nil
	}
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
