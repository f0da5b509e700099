package proxy

import (
	"fmt"
	"html"
	"net/url"
	"strconv"

	"github.com/microcosm-cc/bluemonday"
	"github.com/tidwall/gjson"
	"golang.org/x/text/language"
)

// HeaderGatewayError carries a JSON error payload from the gateway.
const HeaderGatewayError = "gateway-err--"

// Gateway error codes sent with status 204.
const (
	ErrCodeOriginNotAllowed   = "ORIGIN_NOT_ALLOWED"
	ErrCodeCircularDependency = "CIRCULAR_DEPENDENCY"
	ErrCodeSiteMove           = "SITE_MOVE"
)

// GatewayError is the payload of the gateway error header.
type GatewayError struct {
	Msg  string
	Addr string
	URL  string
}

// ParseGatewayError reads a gateway error payload. Missing or malformed
// fields are left empty.
func ParseGatewayError(payload string) GatewayError {
	r := gjson.Parse(payload)
	return GatewayError{
		Msg:  r.Get("msg").String(),
		Addr: r.Get("addr").String(),
		URL:  r.Get("url").String(),
	}
}

// metricLabels maps a gateway error onto the bounded status and msg
// label values used for metrics. Both come from the gateway, so anything
// unknown collapses to "other".
func (e GatewayError) metricLabels(status int) (string, string) {
	st := "other"
	switch status {
	case 204, 500, 502, 504:
		st = strconv.Itoa(status)
	}

	code := "other"
	switch e.Msg {
	case "", ErrCodeOriginNotAllowed, ErrCodeCircularDependency, ErrCodeSiteMove:
		code = e.Msg
	}
	return st, code
}

// Messages is one locale's set of user-facing texts.
type Messages struct {
	OriginNotAllowed   string
	CircularDependency string
	SiteMove           string // %s: link
	Internal           string
	ConnectFail        string // %s: origin, %s: address
	DNSFail            string // %s: host
	Timeout            string // %s: origin
	LoadFail           string
	TooManyRedirects   string
	PipelineError      string
	InvalidURL         string // %s: url
	Unavailable        string

	policy *bluemonday.Policy
}

var zh = Messages{
	OriginNotAllowed:   "当前域名不在服务器外链白名单",
	CircularDependency: "当前请求出现循环代理",
	SiteMove:           "当前站点移动到: %s",
	Internal:           "代理服务器内部错误",
	ConnectFail:        "代理服务器无法连接网站 %s (%s)",
	DNSFail:            "代理服务器无法解析域名 %s",
	Timeout:            "代理服务器连接网站超时 %s",
	LoadFail:           "load fail",
	TooManyRedirects:   "重定向过多",
	PipelineError:      "前端脚本错误",
	InvalidURL:         "invalid url: %s",
	Unavailable:        "配置加载失败，请稍后重试",
}

var en = Messages{
	OriginNotAllowed:   "This site is not on the proxy's allow list",
	CircularDependency: "The request loops back through the proxy",
	SiteMove:           "This site has moved to: %s",
	Internal:           "Proxy server internal error",
	ConnectFail:        "The proxy cannot connect to %s (%s)",
	DNSFail:            "The proxy cannot resolve %s",
	Timeout:            "The proxy timed out connecting to %s",
	LoadFail:           "load fail",
	TooManyRedirects:   "Too many redirects",
	PipelineError:      "Proxy pipeline error",
	InvalidURL:         "invalid url: %s",
	Unavailable:        "Configuration unavailable, please retry later",
}

// Catalog picks Messages by Accept-Language.
type Catalog struct {
	matcher language.Matcher
	sets    []*Messages
}

// NewCatalog creates a catalog whose fallback is defaultLocale
// ("zh" or "en").
func NewCatalog(defaultLocale string) *Catalog {
	policy := bluemonday.UGCPolicy()
	zhSet, enSet := zh, en
	zhSet.policy, enSet.policy = policy, policy

	tags := []language.Tag{language.Chinese, language.English}
	sets := []*Messages{&zhSet, &enSet}
	if base, _ := language.Make(defaultLocale).Base(); base.String() == "en" {
		tags[0], tags[1] = tags[1], tags[0]
		sets[0], sets[1] = sets[1], sets[0]
	}
	return &Catalog{matcher: language.NewMatcher(tags), sets: sets}
}

// For returns the messages best matching an Accept-Language value.
func (c *Catalog) For(acceptLanguage string) *Messages {
	prefs, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(prefs) == 0 {
		return c.sets[0]
	}
	_, idx, conf := c.matcher.Match(prefs...)
	if conf == language.No {
		return c.sets[0]
	}
	return c.sets[idx]
}

// Sanitize strips anything but basic markup from s.
func (m *Messages) Sanitize(s string) string {
	return m.policy.Sanitize(s)
}

// GatewayError renders a gateway error for target. Unknown statuses and
// codes render as an empty string.
func (m *Messages) GatewayError(e GatewayError, status int, target *url.URL) string {
	origin := target.Scheme + "://" + target.Host

	var ret string
	switch status {
	case 204:
		switch e.Msg {
		case ErrCodeOriginNotAllowed:
			ret = m.OriginNotAllowed
		case ErrCodeCircularDependency:
			ret = m.CircularDependency
		case ErrCodeSiteMove:
			u := html.EscapeString(e.URL)
			ret = fmt.Sprintf(m.SiteMove, `<a href="`+u+`">`+u+`</a>`)
		}
	case 500:
		ret = m.Internal
	case 502:
		if e.Addr != "" {
			ret = fmt.Sprintf(m.ConnectFail, html.EscapeString(origin), html.EscapeString(e.Addr))
		} else {
			ret = fmt.Sprintf(m.DNSFail, html.EscapeString(target.Host))
		}
	case 504:
		ret = fmt.Sprintf(m.Timeout, html.EscapeString(origin))
		if e.Addr != "" {
			ret += " (" + html.EscapeString(e.Addr) + ")"
		}
	}
	return m.Sanitize(ret)
}

// PipelineFailure renders an unexpected error with its detail.
func (m *Messages) PipelineFailure(err error) string {
	return m.Sanitize(m.PipelineError + "<br><pre>" + html.EscapeString(err.Error()) + "</pre>")
}

// Invalid renders the invalid-target page.
func (m *Messages) Invalid(target string) string {
	return fmt.Sprintf(m.InvalidURL, html.EscapeString(target))
}
