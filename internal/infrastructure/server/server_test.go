package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webproxy/internal/bus"
	"github.com/GriffinCanCode/webproxy/internal/infrastructure/config"
	"github.com/GriffinCanCode/webproxy/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webproxy/internal/msg"
	"github.com/GriffinCanCode/webproxy/internal/urlx"
)

type testEnv struct {
	srv      *Server
	proxy    *httptest.Server
	upstream *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data.txt":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, "plain data")
		case "/page.html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, "<html><body>page</body></html>")
		case "/cdn/index_v3.html":
			_, _ = io.WriteString(w, "<h1>index</h1>")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	bootstrap := filepath.Join(dir, "conf.json")
	require.NoError(t, os.WriteFile(bootstrap, []byte(`{
		"ver": 1,
		"node_default": "demo",
		"node_map": {"demo": {"label": "demo", "lines": {"direct": 1}}},
		"assets_cdn": "`+upstream.URL+`/cdn/"
	}`), 0o644))

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Logging.Development = true
	cfg.Storage.DSN = "memory"
	cfg.Conf.Bootstrap = bootstrap
	cfg.Proxy.StaticDir = dir
	cfg.Proxy.PageWait = 5 * time.Second
	cfg.Proxy.PageInitCap = 10 * time.Second
	cfg.Gateway.Timeout = 5 * time.Second

	srv, err := New(cfg, logging.NewNop())
	require.NoError(t, err)

	proxy := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		proxy.Close()
		_ = srv.Close()
	})
	return &testEnv{srv: srv, proxy: proxy, upstream: upstream}
}

func (e *testEnv) get(t *testing.T, path string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.proxy.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) dialBus(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.proxy.URL, "http") + bus.Path + "?frame=top-level"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	m, err := msg.Decode(data)
	require.NoError(t, err)
	require.Equal(t, msg.SWReady, m.Cmd)
	return conn
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, HealthPath, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "uninitialized", body["conf_state"])
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.get(t, HealthPath, nil)

	resp := env.get(t, MetricsPath, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "webproxy_http_requests_total")
}

func TestProxyPassthrough(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, urlx.EncodeString(env.upstream.URL+"/data.txt"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "plain data", string(data))

	assert.NotNil(t, env.srv.conf.Current(), "first request initializes the configuration")
}

func TestIndexFromCDN(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/", nil)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "<h1>index</h1>", string(data))
}

func TestInjectedPageReleasedByBus(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, urlx.EncodeString(env.upstream.URL+"/page.html"), map[string]string{
		"Sec-Fetch-Mode": "navigate",
		"Sec-Fetch-Dest": "document",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	br := bufio.NewReader(resp.Body)
	payload, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, payload, `data-page="1"`)

	conn := env.dialBus(t)
	data, err := msg.Encode(msg.PageInitEnd, 1)
	require.NoError(t, err)
	start := time.Now()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, "<html><body>page</body></html>", string(rest))
	assert.Less(t, time.Since(start), 2*time.Second, "init end releases the stream before the wait timer")
}

func TestRunStopsWithContext(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.srv.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
