package bus

import (
	"context"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webproxy/internal/conf"
	"github.com/GriffinCanCode/webproxy/internal/cookie"
	"github.com/GriffinCanCode/webproxy/internal/msg"
)

// InfoPush is the SW_INFO_PUSH payload.
type InfoPush struct {
	Cookies []cookie.Item `json:"cookies"`
	Conf    *conf.Config  `json:"conf"`
}

const opTimeout = 10 * time.Second

// dispatch handles one page message. Unknown commands are ignored.
func (h *Hub) dispatch(c *client, m msg.Message) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.RecordWSMessage("in", string(m.Cmd))
	}

	switch m.Cmd {
	case msg.PageCookiePush:
		h.handleCookiePush(c, m)

	case msg.PageInfoPull:
		h.handleInfoPull(c, m)

	case msg.PageInitBeg, msg.PageInitEnd:
		id := gjson.ParseBytes(m.Payload)
		if id.Type != gjson.Number {
			h.log.Debug("Init signal without page id", zap.String("client", c.id))
			return
		}
		if h.opts.Pages != nil {
			h.opts.Pages.Notify(int(id.Int()), m.Cmd == msg.PageInitEnd)
		}

	case msg.PageConfGet:
		h.handleConfGet(c)

	case msg.PageConfSet:
		h.handleConfSet(c, m)

	case msg.PageReloadConf:
		h.reloadInBackground("page request")

	case msg.PageReadyCheck:
		c.send(msg.SWReady, nil)
		h.reloadInBackground("ready check")

	default:
		h.log.Debug("Ignoring unknown command", zap.String("client", c.id), zap.String("cmd", string(m.Cmd)))
	}
}

func (h *Hub) handleCookiePush(c *client, m msg.Message) {
	var item cookie.Item
	if err := m.Bind(&item); err != nil || item.Name == "" {
		h.log.Debug("Ignoring bad cookie push", zap.String("client", c.id), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, opTimeout)
	defer cancel()
	if h.opts.Jar != nil {
		if err := h.opts.Jar.Set(ctx, item); err != nil {
			h.log.Warn("Cookie persist failed", zap.String("name", item.Name), zap.Error(err))
		}
	}
	h.Broadcast(msg.SWCookiePush, []cookie.Item{item}, c.id)
}

func (h *Hub) handleInfoPull(c *client, m msg.Message) {
	// The payload is the page's current URL, as a string or {url}.
	p := gjson.ParseBytes(m.Payload)
	u := p.Get("url").String()
	if p.Type == gjson.String {
		u = p.String()
	}
	if u != "" {
		c.setPageURL(u)
	}

	info := InfoPush{Cookies: []cookie.Item{}}
	if h.opts.Jar != nil {
		info.Cookies = h.opts.Jar.NonHTTPOnly()
	}
	if h.opts.Conf != nil {
		info.Conf = h.opts.Conf.Current()
	}
	c.send(msg.SWInfoPush, info)
}

// handleConfGet answers at once when a configuration is loaded and
// after initialization otherwise, without blocking the read loop.
func (h *Hub) handleConfGet(c *client) {
	if h.opts.Conf == nil {
		return
	}
	if cur := h.opts.Conf.Current(); cur != nil {
		c.send(msg.SWConfReturn, cur)
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(h.ctx, h.opts.ReloadTimeout)
		defer cancel()
		cfg, err := h.opts.Conf.Ensure(ctx)
		if err != nil {
			h.log.Warn("Config unavailable for page", zap.String("client", c.id), zap.Error(err))
			return
		}
		c.send(msg.SWConfReturn, cfg)
	}()
}

func (h *Hub) handleConfSet(c *client, m msg.Message) {
	if h.opts.Conf == nil {
		return
	}
	cfg, err := conf.Parse(m.Payload)
	if err != nil {
		h.log.Debug("Ignoring bad config from page", zap.String("client", c.id), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, opTimeout)
	defer cancel()
	if _, err := h.opts.Conf.Update(ctx, cfg, true); err != nil {
		h.log.Warn("Config update from page failed", zap.String("client", c.id), zap.Error(err))
	}
}
