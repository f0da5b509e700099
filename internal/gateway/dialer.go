package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/txthinking/socks5"
)

// configureEgress points tr at the upstream the gateway traffic leaves
// through.
//
// Supported forms:
//   - direct://
//   - http://[user:pass@]host:port
//   - https://[user:pass@]host:port
//   - socks5://[user:pass@]host:port
//
// A missing port gets the scheme's default.
func configureEgress(tr *http.Transport, upstream string, dialTimeout time.Duration) error {
	if upstream == "" {
		upstream = "direct://"
	}
	u, err := url.Parse(upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return errors.New("invalid upstream: path should be empty")
	}

	direct := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}

	switch u.Scheme {
	case "direct":
		tr.Proxy = nil
		tr.DialContext = direct.DialContext
		return nil
	case "http", "https":
		if u.Port() == "" {
			u.Host = net.JoinHostPort(u.Hostname(), defaultPortForScheme(u.Scheme))
		}
		tr.Proxy = http.ProxyURL(u)
		tr.DialContext = direct.DialContext
		return nil
	case "socks5":
		if u.Port() == "" {
			u.Host = net.JoinHostPort(u.Hostname(), defaultPortForScheme(u.Scheme))
		}
		var user, pass string
		if u.User != nil {
			user = u.User.Username()
			pass, _ = u.User.Password()
		}

		tcpTimeout := 0
		if dialTimeout > 0 {
			tcpTimeout = int(dialTimeout.Seconds())
			if tcpTimeout <= 0 {
				tcpTimeout = 1
			}
		}
		client, err := socks5.NewClient(u.Host, user, pass, tcpTimeout, 0)
		if err != nil {
			return fmt.Errorf("socks5 upstream: %w", err)
		}

		tr.Proxy = nil
		tr.DialContext = func(ctx context.Context, network, address string) (net.Conn, error) {
			if network != "tcp" && network != "tcp4" && network != "tcp6" {
				return nil, fmt.Errorf("socks5 dial %s %s: unsupported network", network, address)
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			c, err := client.Dial("tcp", address)
			if err != nil {
				return nil, fmt.Errorf("socks5 dial %s: %w", address, err)
			}
			return c, nil
		}
		return nil
	case "":
		return errors.New("invalid upstream: missing scheme")
	default:
		return fmt.Errorf("invalid upstream scheme: %q", u.Scheme)
	}
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	case "socks5":
		return "1080"
	default:
		return ""
	}
}
