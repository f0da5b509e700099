package jsfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func TestFilter(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string // empty means unchanged
	}{
		{"bare identifier", `location.href = "/a"`, `__location.href = "/a"`},
		{"member access", `window.location.reload()`, `window.__location.reload()`},
		{"document", `var u = document.location + ''`, `var u = document.__location + ''`},
		{"several", `a=location;b=top.location`, `a=__location;b=top.__location`},
		{"double quoted", `var s = "location"`, ``},
		{"single quoted", `var s = 'x location y'`, ``},
		{"escaped quote", `var s = "a\"location"; location`, `var s = "a\"location"; __location`},
		{"line comment", "// location\nx", ``},
		{"block comment", "/* location */ location", "/* location */ __location"},
		{"regex", `var r = /location/g; r.test(location)`, `var r = /location/g; r.test(__location)`},
		{"regex after return", `function f(){return /location/.test(s)}`, ``},
		{"regex class with slash", `var r = /[/]location/; location`, `var r = /[/]location/; __location`},
		{"division", `var a = b / location.length / 2`, `var a = b / __location.length / 2`},
		{"template text", "var s = `location ${location} location`", "var s = `location ${__location} location`"},
		{"nested template braces", "x = `${ {a:location}.a }location`", "x = `${ {a:__location}.a }location`"},
		{"object key", `var o = {location: 1, b: location}`, `var o = {location: 1, b: __location}`},
		{"ternary", `x = y ? location : z`, `x = y ? __location : z`},
		{"longer identifiers", `mylocation; location2; $location; __location; locations`, ``},
		{"no location", `console.log(1)`, ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Filter([]byte(tt.src), "")
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestFilterDoubleByteTrail(t *testing.T) {
	// In GBK, 0x5C ("\") is a valid trail byte. Here it ends a character
	// inside a string and must not escape the closing quote.
	src := []byte("var s = '\x95\x5c'; location.href")

	got := Filter(src, "gbk")
	assert.Equal(t, "var s = '\x95\x5c'; __location.href", string(got))

	// Read as a single-byte charset the backslash escapes the quote, so
	// everything after it is still string text.
	assert.Nil(t, Filter(src, "windows-1252"))
}

func TestFilterEncodedSource(t *testing.T) {
	enc, err := simplifiedchinese.GBK.NewEncoder().String("var 提示 = '位置'; location.reload()")
	assert.NoError(t, err)

	got := Filter([]byte(enc), `"GBK"`)
	want, _ := simplifiedchinese.GBK.NewEncoder().String("var 提示 = '位置'; __location.reload()")
	assert.Equal(t, want, string(got))
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"utf-8":      "utf-8",
		"UTF8":       "utf-8",
		`"GBK"`:      "gbk",
		"gb2312":     "gbk",
		"GB-18030":   "gb18030",
		"Shift_JIS":  "shift_jis",
		"big5":       "big5",
		"bogus-name": "",
		"":           "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestDetect(t *testing.T) {
	assert.Equal(t, "gbk", Detect([]byte("x"), "gbk"))
	assert.Equal(t, "utf-8", Detect([]byte("plain ascii"), ""))
	assert.Equal(t, "utf-8", Detect([]byte("héllo wörld"), ""))

	// Undeclared, non-UTF-8 bytes are sniffed and always yield a
	// canonical name.
	enc, _ := simplifiedchinese.GBK.NewEncoder().String("这是一个用于字符集检测的中文句子，包含足够多的汉字。")
	name := Detect([]byte(enc), "")
	assert.NotEmpty(t, name)
	assert.Equal(t, name, Normalize(name))
}
