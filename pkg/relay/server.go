package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"relay-call/pkg/log"
	"relay-call/pkg/signal"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	maxMessage   = 256 << 10
)

type Server struct {
	store    signal.Store
	upgrader websocket.Upgrader
	metrics  *metrics
	gatherer prometheus.Gatherer
}

// NewServer serves store. Metrics go to reg; pass nil to disable them.
func NewServer(store signal.Store, reg *prometheus.Registry) *Server {
	s := &Server{
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are CLIs, not browsers; there is no origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	if reg != nil {
		s.metrics = newMetrics(reg)
		s.gatherer = reg
	} else {
		s.metrics = newMetrics(nil)
	}

	return s
}

// Handler mounts the websocket endpoint, /healthz and, when metrics are
// enabled, /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(Path, s)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("relay: upgrade from %s: %v", r.RemoteAddr, err)

		return
	}

	c := &conn{
		server: s,
		ws:     ws,
		subs:   make(map[uint64]signal.Subscription),
	}

	s.metrics.connections.Inc()
	defer s.metrics.connections.Dec()

	log.Debugf("relay: client %s connected", r.RemoteAddr)
	c.serve(r.Context())
	log.Debugf("relay: client %s gone", r.RemoteAddr)
}

type conn struct {
	server *Server
	ws     *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[uint64]signal.Subscription
	wg   sync.WaitGroup
}

func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	defer func() {
		cancel()
		c.cancelAll()
		c.wg.Wait()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.wg.Add(1)
	go c.keepalive(ctx)

	for {
		var req request
		if err := c.ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("relay: read: %v", err)
			}

			return
		}

		resp := c.handle(ctx, req)
		resp.ID = req.ID

		if err := c.write(resp); err != nil {
			return
		}
	}
}

func (c *conn) keepalive(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()

			if err != nil {
				return
			}
		}
	}
}

func (c *conn) write(resp response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))

	return c.ws.WriteJSON(resp)
}

// handle runs requests one at a time, so a client's writes land in the order
// it sent them.
func (c *conn) handle(ctx context.Context, req request) response {
	store := c.server.store

	var (
		resp response
		err  error
	)

	switch req.Op {
	case opCreate:
		resp.Result, err = store.CreateRecord(ctx)
	case opSet:
		patch := signal.Patch{}
		if req.Patch != nil {
			patch = *req.Patch
		}
		err = store.SetRecord(ctx, req.Record, patch)
	case opGet:
		var rec signal.CallRecord
		rec, resp.Found, err = store.GetRecord(ctx, req.Record)
		if resp.Found {
			resp.Record = &rec
		}
	case opAppend:
		candidate := signal.Candidate{}
		if req.Candidate != nil {
			candidate = *req.Candidate
		}
		resp.Result, err = store.AppendCandidate(ctx, req.Record, req.Sub, candidate)
	case opSubscribe:
		err = c.subscribe(ctx, req)
	case opUnsubscribe:
		c.unsubscribe(req.Subscription)
	case opDelete:
		err = store.DeleteRecord(ctx, req.Record)
	case opDeleteSub:
		err = store.DeleteSubcollection(ctx, req.Record, req.Sub)
	default:
		err = errUnknownOp
	}

	c.server.metrics.request(req.Op, err)

	if err != nil {
		resp.Error = err.Error()
		resp.Code = errorCode(err)
	}

	return resp
}

func (c *conn) subscribe(ctx context.Context, req request) error {
	sub, err := c.server.store.Subscribe(ctx, signal.Target{RecordID: req.Record, Subcollection: req.Sub})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if old, ok := c.subs[req.Subscription]; ok {
		old.Cancel()
	}
	c.subs[req.Subscription] = sub
	c.mu.Unlock()

	c.server.metrics.subscriptions.Inc()

	c.wg.Add(1)
	go c.forward(req.Subscription, sub)

	return nil
}

// forward pushes events until the subscription ends, then tells the client so
// it can close its side.
func (c *conn) forward(id uint64, sub signal.Subscription) {
	defer c.wg.Done()
	defer c.server.metrics.subscriptions.Dec()

	for ev := range sub.Events() {
		ev := ev
		if err := c.write(response{Subscription: id, Event: &ev}); err != nil {
			sub.Cancel()

			return
		}
		c.server.metrics.events.Inc()
	}

	c.mu.Lock()
	current := c.subs[id] == sub
	if current {
		delete(c.subs, id)
	}
	c.mu.Unlock()

	if current {
		_ = c.write(response{Subscription: id, Closed: true})
	}
}

func (c *conn) unsubscribe(id uint64) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()

	if ok {
		sub.Cancel()
	}
}

func (c *conn) cancelAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[uint64]signal.Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}
