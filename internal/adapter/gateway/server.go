package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/cypherpepe/core-extension/internal/domain"
	"github.com/cypherpepe/core-extension/internal/infra/config"
	"github.com/cypherpepe/core-extension/internal/usecase"
)

// Dispatcher routes one request envelope to its handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *domain.Request) *domain.Request
}

// ActionRouter is the slice of the action queue the transport needs:
// registering a push channel per tab and releasing it, with the tab's
// pending work, when that connection goes away. Release is ownership
// checked so a closing connection that was superseded by a reconnect
// cannot tear down its replacement.
type ActionRouter interface {
	AttachSink(tabID int, sink usecase.PushSink)
	ReleaseSink(ctx context.Context, tabID int, sink usecase.PushSink) int
}

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	id        string
	site      domain.Site
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// Deliver pushes an out-of-band response for a previously deferred
// request. Satisfies the action queue's push sink.
func (cc *clientConn) Deliver(id string, result any, err error) {
	frame := responseFrame(id, result, err, cc.logger)
	select {
	case cc.sendCh <- frame:
	case <-cc.done:
	}
}

// Server is the WebSocket gateway between browser-side connections and
// the dispatcher. Each connection is pinned to one site at connect time.
type Server struct {
	dispatcher Dispatcher
	actions    ActionRouter
	bus        domain.EventBus
	auth       Authenticator
	logger     *slog.Logger
	addr       string

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   int
	burst    int

	clients   sync.Map // conn ID (string) -> *clientConn
	httpSrv   *http.Server
	boundAddr string
	unsubAll  func()
}

// NewServer creates a gateway server.
func NewServer(dispatcher Dispatcher, actions ActionRouter, bus domain.EventBus, auth Authenticator, cfg config.GatewayConfig, rl config.RateLimitConfig, logger *slog.Logger) *Server {
	return &Server{
		dispatcher: dispatcher,
		actions:    actions,
		bus:        bus,
		auth:       auth,
		logger:     logger,
		addr:       cfg.Addr,
		limiters:   make(map[string]*rate.Limiter),
		perMin:     rl.RequestsPerMin,
		burst:      rl.Burst,
	}
}

// Start begins accepting WebSocket connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{Handler: mux}

	s.unsubAll = s.bus.SubscribeAll(s.forwardEvent)

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubAll != nil {
		s.unsubAll()
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.closeOnce.Do(func() { close(cc.done) })
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// forwardEvent fans a bus event out to connected clients. Internal
// sessions see everything; dapp sessions only see events for their own
// domain plus domainless broadcasts like unlock state changes.
func (s *Server) forwardEvent(_ context.Context, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Payload: payload}
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		if !cc.site.Internal && event.Domain != "" && event.Domain != cc.site.Domain {
			return true
		}
		select {
		case cc.sendCh <- frame:
		default:
			s.logger.Warn("dropped event for slow client", "conn_id", cc.id)
		}
		return true
	})
}

func (s *Server) limiterFor(dom string) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	l, ok := s.limiters[dom]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.perMin)/60, s.burst)
		s.limiters[dom] = l
	}
	return l
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	site, err := s.auth.Authenticate(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := ulid.Make().String()
	cc := &clientConn{
		id:     connID,
		site:   site,
		ws:     ws,
		sendCh: make(chan Frame, 64),
		done:   make(chan struct{}),
		logger: s.logger,
	}
	s.clients.Store(connID, cc)
	if !site.Internal {
		s.actions.AttachSink(site.TabID, cc)
	}

	s.logger.Info("client connected", "conn_id", connID, "domain", site.Domain, "tab_id", site.TabID)
	s.publishConnEvent(r.Context(), domain.EventConnectionOpened, site)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.closeOnce.Do(func() { close(cc.done) })
	s.clients.Delete(connID)
	if !site.Internal {
		if n := s.actions.ReleaseSink(context.Background(), site.TabID, cc); n > 0 {
			s.logger.Info("cancelled pending actions for closed tab", "tab_id", site.TabID, "count", n)
		}
	}
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("client disconnected", "conn_id", connID, "domain", site.Domain)
	s.publishConnEvent(context.Background(), domain.EventConnectionClosed, site)
}

func (s *Server) publishConnEvent(ctx context.Context, t domain.EventType, site domain.Site) {
	payload, _ := json.Marshal(map[string]any{"tabId": site.TabID})
	s.bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Domain:    site.Domain,
		Payload:   payload,
	})
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}

		if !s.limiterFor(cc.site.Domain).Allow() {
			s.send(cc, responseFrame(frame.ID, nil, domain.ErrRateLimited, s.logger))
			continue
		}

		go s.dispatch(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cc *clientConn, req Frame) {
	envelope := &domain.Request{
		ID:     req.ID,
		Method: req.Method,
		Params: req.Params,
		Site:   cc.site,
	}
	out := s.dispatcher.Dispatch(ctx, envelope)

	// A deferred result means the response will be pushed through the
	// tab's sink once the user decides. Nothing goes on the wire now.
	if out.Err == nil && domain.IsDeferred(out.Result) {
		s.logger.Debug("response deferred", "id", req.ID, "method", req.Method)
		return
	}
	s.send(cc, responseFrame(out.ID, out.Result, out.Err, s.logger))
}

func (s *Server) send(cc *clientConn, frame Frame) {
	select {
	case cc.sendCh <- frame:
	default:
		s.logger.Warn("dropped response for slow client", "frame_id", frame.ID)
	}
}

func responseFrame(id string, result any, err error, logger *slog.Logger) Frame {
	resp := Frame{Type: FrameTypeResponse, ID: id}
	if err != nil {
		resp.Error = err.Error()
		resp.ErrorCode = string(domain.ErrorCodeOf(err))
		return resp
	}
	if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			logger.Error("marshal response result", "id", id, "error", merr)
			resp.Error = domain.ErrInternal.Error()
			resp.ErrorCode = string(domain.ErrorCodeOf(domain.ErrInternal))
			return resp
		}
		resp.Result = raw
	}
	return resp
}
