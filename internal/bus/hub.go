package bus

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webproxy/internal/conf"
	"github.com/GriffinCanCode/webproxy/internal/cookie"
	"github.com/GriffinCanCode/webproxy/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webproxy/internal/msg"
)

// Path is where pages connect.
const Path = "/__sys__/bus"

// Frame types.
const (
	FrameTopLevel = "top-level"
	FrameNested   = "nested"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	sendQueue      = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Pages are served from the proxy origin but run arbitrary sites.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ConfStore is the configuration manager as seen by pages.
type ConfStore interface {
	Current() *conf.Config
	Ensure(ctx context.Context) (*conf.Config, error)
	Update(ctx context.Context, c *conf.Config, force bool) (bool, error)
	Reload(ctx context.Context) error
}

// PageNotifier receives page init signals.
type PageNotifier interface {
	Notify(id int, done bool)
}

// Options configures a Hub.
type Options struct {
	Jar     *cookie.Jar
	Conf    ConfStore
	Pages   PageNotifier
	Logger  *zap.Logger
	Metrics *monitoring.Metrics

	// ReloadTimeout bounds background configuration reloads.
	ReloadTimeout time.Duration
}

// Hub tracks connected pages.
type Hub struct {
	opts Options
	log  *zap.Logger

	// ctx parents background work started by pages.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

// NewHub creates a hub.
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReloadTimeout <= 0 {
		opts.ReloadTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		opts:    opts,
		log:     opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]*client),
	}
}

// HandleConnection upgrades the request and serves the page until it
// disconnects.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	frame := c.Query("frame")
	if frame != FrameNested {
		frame = FrameTopLevel
	}
	id := c.Query("id")
	if id == "" {
		id = uuid.NewString()
	}

	cl := newClient(h, conn, id, frame, c.Query("url"))
	if !h.register(cl) {
		conn.Close()
		return
	}
	defer h.unregister(cl)

	go cl.writePump()

	// Every new page learns the proxy is up.
	cl.send(msg.SWReady, nil)
	cl.readPump()
}

func (h *Hub) register(cl *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if old, ok := h.clients[cl.id]; ok {
		old.close()
	}
	h.clients[cl.id] = cl

	if h.opts.Metrics != nil {
		h.opts.Metrics.IncWSConnections()
	}
	h.log.Debug("Page connected",
		zap.String("client", cl.id),
		zap.String("frame", cl.frame),
		zap.String("url", cl.pageURL()))
	return true
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	if cur, ok := h.clients[cl.id]; ok && cur == cl {
		delete(h.clients, cl.id)
	}
	h.mu.Unlock()

	cl.close()
	if h.opts.Metrics != nil {
		h.opts.Metrics.DecWSConnections()
	}
	h.log.Debug("Page disconnected", zap.String("client", cl.id))
}

// Broadcast sends a message to every top-level page except exclude.
// Delivery is best effort: a page whose queue is full misses it.
func (h *Hub) Broadcast(cmd msg.Command, payload any, exclude string) {
	data, err := msg.Encode(cmd, payload)
	if err != nil {
		h.log.Error("Broadcast encode failed", zap.String("cmd", string(cmd)), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for id, cl := range h.clients {
		if id == exclude || cl.frame != FrameTopLevel {
			continue
		}
		targets = append(targets, cl)
	}
	h.mu.RUnlock()

	for _, cl := range targets {
		cl.enqueue(cmd, data)
	}
	h.log.Debug("Broadcast",
		zap.String("cmd", string(cmd)),
		zap.Int("pages", len(targets)),
		zap.String("exclude", exclude))
}

// PageURL returns the last URL a page reported.
func (h *Hub) PageURL(clientID string) (string, bool) {
	h.mu.RLock()
	cl, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return "", false
	}
	u := cl.pageURL()
	return u, u != ""
}

// Len returns the number of connected pages.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every page and stops background work.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()

	h.cancel()
	for _, cl := range clients {
		cl.close()
	}
	h.wg.Wait()
}

// reloadInBackground refreshes the configuration without holding up
// the page that asked for it.
func (h *Hub) reloadInBackground(reason string) {
	if h.opts.Conf == nil {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(h.ctx, h.opts.ReloadTimeout)
		defer cancel()
		if err := h.opts.Conf.Reload(ctx); err != nil {
			h.log.Warn("Background config reload failed", zap.String("reason", reason), zap.Error(err))
		}
	}()
}
