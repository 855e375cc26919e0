package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/internal/platform/analytics"
	"github.com/komacorner/koma-corner/internal/platform/httpserver"
	"github.com/komacorner/koma-corner/services/bff/internal/catalog"
	"github.com/komacorner/koma-corner/services/bff/internal/debounce"
	"github.com/komacorner/koma-corner/services/bff/internal/domain"
	"github.com/komacorner/koma-corner/services/bff/internal/session"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = wsPongWait * 9 / 10
	wsMaxMessage  = 4096
	wsSendBacklog = 32
)

// Client to server.
const (
	msgSearchInput = "search_input"
	msgGetSession  = "get_session"
)

// Server to client.
const (
	msgSession       = "session"
	msgSearchResults = "search_results"
	msgError         = "error"
)

type wsIn struct {
	Type  string `json:"type"`
	Query string `json:"query,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

type wsSession struct {
	Type  string        `json:"type"`
	State session.State `json:"state"`
}

type wsSearchResults struct {
	Type  string                `json:"type"`
	Query string                `json:"query"`
	Kind  domain.MediaKind      `json:"kind"`
	Items []domain.MediaSummary `json:"items"`
}

type wsError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type searchInput struct {
	seq   uint64
	query string
	kind  domain.MediaKind
}

// originChecker admits same-host requests, requests without an Origin header
// and the configured frontend origins.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// WebSocket handles GET /v1/ws. It pushes session state changes and answers
// search_input messages with debounced search_results.
func WebSocket(d Deps, log *zap.Logger) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(d.AllowedOrigins),
	}
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("websocket upgrade failed", zap.String("request_id", rid), zap.Error(err))
			return
		}
		clog := log.With(zap.String("sid", st.ID), zap.String("request_id", rid))
		clog.Debug("websocket connected")

		ctx, cancel := context.WithCancel(r.Context())
		c := &wsConn{conn: conn, send: make(chan any, wsSendBacklog), log: clog}

		var writer sync.WaitGroup
		writer.Add(1)
		go func() {
			defer writer.Done()
			c.writeLoop(ctx)
		}()

		var latest atomic.Uint64
		search := debounce.New(d.SearchDebounce, func(in searchInput) {
			items := d.Catalog.Search(ctx, catalog.Query{Search: in.query, Kind: in.kind, Page: 1, PerPage: d.PageSize})
			// a newer input superseded this one while the search ran
			if latest.Load() != in.seq {
				return
			}
			d.Analytics.Track(analytics.EventSearch, userIDFrom(r), map[string]any{
				"kind":    string(in.kind),
				"results": len(items),
				"source":  "ws",
			})
			c.push(ctx, wsSearchResults{Type: msgSearchResults, Query: in.query, Kind: in.kind, Items: nonNil(items)})
		})
		unwatch := st.Coordinator.Watch(func(s session.State) {
			c.push(ctx, wsSession{Type: msgSession, State: s})
		})

		c.push(ctx, wsSession{Type: msgSession, State: st.Coordinator.State()})
		c.readLoop(func(in wsIn) {
			switch in.Type {
			case msgSearchInput:
				seq := latest.Add(1)
				q := strings.TrimSpace(in.Query)
				kind := domain.ParseKind(in.Kind)
				if q == "" {
					search.Cancel()
					c.push(ctx, wsSearchResults{Type: msgSearchResults, Kind: kind, Items: []domain.MediaSummary{}})
					return
				}
				search.Trigger(searchInput{seq: seq, query: q, kind: kind})
			case msgGetSession:
				c.push(ctx, wsSession{Type: msgSession, State: st.Coordinator.State()})
			default:
				c.push(ctx, wsError{Type: msgError, Message: "invalid message"})
			}
		})

		unwatch()
		search.Stop()
		cancel()
		writer.Wait()
		_ = conn.Close()
		clog.Debug("websocket disconnected")
	}
}

type wsConn struct {
	conn *websocket.Conn
	send chan any
	log  *zap.Logger
}

// push queues v for the writer. It gives up once the connection is closing.
func (c *wsConn) push(ctx context.Context, v any) {
	select {
	case c.send <- v:
	case <-ctx.Done():
	}
}

func (c *wsConn) readLoop(handle func(wsIn)) {
	c.conn.SetReadLimit(wsMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		var in wsIn
		if err := json.Unmarshal(data, &in); err != nil {
			handle(wsIn{})
			continue
		}
		handle(in)
	}
}

// writeLoop is the connection's only writer.
func (c *wsConn) writeLoop(ctx context.Context) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case v := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(v); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				_ = c.conn.Close()
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}
