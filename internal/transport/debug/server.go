// Package debug serves chunk system diagnostics over loopback HTTP and a
// websocket dump stream.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"voxelcraft.ai/chunksys/internal/chunksys/scheduling"
	"voxelcraft.ai/chunksys/internal/chunksys/status"
	"voxelcraft.ai/chunksys/internal/logging"
)

// Controller is the part of the engine the debug server drives.
type Controller interface {
	Manager() *scheduling.Manager
	Submit(ctx context.Context, fn func(ctx context.Context)) error
	TicketType(name string) (*scheduling.TicketType, bool)
}

type Options struct {
	// StreamInterval is the fastest a stream may push dumps. Default 1s.
	StreamInterval time.Duration
	// TicketRate limits POST /debug/tickets. Default 20/s, burst 10.
	TicketRate  rate.Limit
	TicketBurst int
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Log      logging.Logger
	// AllowRemote accepts non-loopback peers.
	AllowRemote bool
}

type Server struct {
	c           Controller
	log         logging.Logger
	interval    time.Duration
	tickets     *rate.Limiter
	gatherer    prometheus.Gatherer
	allowRemote bool

	upgrader websocket.Upgrader
	streams  atomic.Int64
}

func NewServer(c Controller, opts Options) *Server {
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = time.Second
	}
	if opts.TicketRate <= 0 {
		opts.TicketRate = 20
	}
	if opts.TicketBurst <= 0 {
		opts.TicketBurst = 10
	}
	return &Server{
		c:           c,
		log:         logging.OrNop(opts.Log),
		interval:    opts.StreamInterval,
		tickets:     rate.NewLimiter(opts.TicketRate, opts.TicketBurst),
		gatherer:    opts.Gatherer,
		allowRemote: opts.AllowRemote,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/chunks", s.local(s.handleChunks))
	mux.HandleFunc("/debug/holder", s.local(s.handleHolder))
	mux.HandleFunc("/debug/tickets", s.local(s.handleTickets))
	mux.HandleFunc("/debug/ws", s.local(s.handleStream))
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("debug: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("debug server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("debug: serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("debug: shutdown: %w", err)
	}
	<-errCh
	return nil
}

func (s *Server) local(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowRemote && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}

func (s *Server) handleChunks(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(rw, http.StatusOK, s.c.Manager().DebugDump(r.Context()))
}

func parseCoord(r *http.Request, name string) (int32, error) {
	v, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad %s", name)
	}
	return int32(v), nil
}

func (s *Server) handleHolder(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	x, err := parseCoord(r, "x")
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	z, err := parseCoord(r, "z")
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	d, ok := s.c.Manager().HolderDump(r.Context(), x, z)
	if !ok {
		http.Error(rw, "no holder", http.StatusNotFound)
		return
	}
	writeJSON(rw, http.StatusOK, d)
}

func (s *Server) handleTickets(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.tickets.Allow() {
		http.Error(rw, "rate limited", http.StatusTooManyRequests)
		return
	}
	var req TicketRequest
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	typ, ok := s.c.TicketType(req.Type)
	if !ok {
		http.Error(rw, "unknown ticket type", http.StatusBadRequest)
		return
	}
	if req.Level < 0 || req.Level > status.MaxLevel {
		http.Error(rw, "level out of range", http.StatusBadRequest)
		return
	}
	if req.Op != "add" && req.Op != "remove" {
		http.Error(rw, "op must be add or remove", http.StatusBadRequest)
		return
	}

	var (
		resp    TicketResponse
		current []scheduling.Ticket
	)
	err := s.c.Submit(r.Context(), func(ctx context.Context) {
		m := s.c.Manager()
		if req.Op == "add" {
			resp.Changed = m.AddTicketAtLevel(ctx, typ, req.X, req.Z, req.Level, req.ID)
		} else {
			resp.Changed = m.RemoveTicketAtLevel(ctx, typ, req.X, req.Z, req.Level, req.ID)
		}
		current = m.TicketsAt(ctx, req.X, req.Z)
	})
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	resp.Tickets = make([]TicketView, 0, len(current))
	for _, t := range current {
		resp.Tickets = append(resp.Tickets, TicketView{Type: t.Type.Name, Level: t.Level, ID: t.ID})
	}
	s.log.Info("debug ticket", "op", req.Op, "type", req.Type, "x", req.X, "z", req.Z, "level", req.Level, "changed", resp.Changed)
	writeJSON(rw, http.StatusOK, resp)
}

// streamInterval clamps a requested interval to the server minimum.
func (s *Server) streamInterval(ms int) time.Duration {
	d := time.Duration(ms) * time.Millisecond
	if d < s.interval {
		d = s.interval
	}
	return d
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func readSubscribe(msg []byte) (SubscribeMsg, bool) {
	var sub SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	return sub, sub.Type == "SUBSCRIBE" && sub.ProtocolVersion == Version
}

func (s *Server) handleStream(rw http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Handshake: must send SUBSCRIBE first.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return
	}
	sub, ok := readSubscribe(msg)
	if !ok {
		closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
		return
	}
	n := s.streams.Add(1)
	defer s.streams.Add(-1)
	s.log.Debug("dump stream opened", "remote", r.RemoteAddr, "streams", n)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(s.streamInterval(sub.IntervalMS)), 1)

	// Writer goroutine.
	writeErr := make(chan error, 1)
	go func() {
		var seq uint64
		for {
			if err := limiter.Wait(ctx); err != nil {
				writeErr <- nil
				return
			}
			seq++
			b, err := json.Marshal(DumpMsg{
				Type:            "DUMP",
				ProtocolVersion: Version,
				Seq:             seq,
				Dump:            s.c.Manager().DebugDump(ctx),
			})
			if err != nil {
				writeErr <- err
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				cancel()
				writeErr <- err
				return
			}
		}
	}()

	// Reader loop: allow SUBSCRIBE updates.
	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if sub, ok := readSubscribe(msg); ok {
			limiter.SetLimit(rate.Every(s.streamInterval(sub.IntervalMS)))
		}
	}

	cancel()
	closeWith(conn, websocket.CloseNormalClosure, "bye")
	select {
	case <-writeErr:
	case <-time.After(500 * time.Millisecond):
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
