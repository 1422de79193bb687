package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/plugapi/internal/logx"
)

const eventWriteTimeout = 5 * time.Second

// Events streams registry events over a websocket until the client goes
// away. Each message is one JSON encoded plugin.Event.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns(a.AllowedOrigins)})
	if err != nil {
		logx.Log.Warn().Err(err).Msg("events accept")
		return
	}
	defer c.Close(websocket.StatusInternalError, "server error")

	events, cancel := a.Plugins.Registry().Subscribe()
	defer cancel()
	ctx := c.CloseRead(r.Context())
	logx.Log.Debug().Str("remote_addr", r.RemoteAddr).Msg("events subscriber connected")

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
			b, _ := json.Marshal(ev)
			wctx, done := context.WithTimeout(ctx, eventWriteTimeout)
			err := c.Write(wctx, websocket.MessageText, b)
			done()
			if err != nil {
				return
			}
		}
	}
}

// originPatterns converts configured CORS origins into websocket host
// patterns.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
