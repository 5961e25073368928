// ABOUTME: HTTP surface of the relay: WebSocket upgrade, health probes, and read-only JSON API
// ABOUTME: API routes are traced and counted with OpenTelemetry; the upgrade path is left unwrapped

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/ag-mesh-relay/internal/agent"
	"github.com/2389/ag-mesh-relay/internal/relay"
	"github.com/2389/ag-mesh-relay/internal/schema"
	"github.com/2389/ag-mesh-relay/internal/store"
	"github.com/2389/ag-mesh-relay/internal/telemetry"
)

// PeerResponse is one entry of GET /api/peers.
type PeerResponse struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	LastSeen time.Time      `json:"lastSeen"`
	Metadata map[string]any `json:"metadata"`
}

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", g.handleWebSocket)
	mux.HandleFunc("/", g.handleRoot)

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	mux.Handle("GET /api/peers", tracingMiddleware(http.HandlerFunc(g.handleListPeers)))
	mux.Handle("GET /api/agents", tracingMiddleware(http.HandlerFunc(g.handleListAgents)))
	mux.Handle("GET /api/agents/{id}/events", tracingMiddleware(http.HandlerFunc(g.handleAgentEvents)))
	mux.Handle("GET /api/schemas", tracingMiddleware(http.HandlerFunc(g.handleSchemas)))
}

// handleWebSocket upgrades the request and runs one relay session on it
// until the client leaves or the gateway shuts down.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		http.Error(w, "relay not accepting connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	conn := relay.NewWSConn(ws, g.config.Relay.WriteTimeout, g.config.Relay.MaxMessageBytes)
	g.logger.Debug("connection opened", "conn_id", conn.ID(), "remote", r.RemoteAddr)
	g.hub.Serve(g.sessionCtx, conn)
}

// handleRoot upgrades WebSocket requests made without a path; anything else
// on "/" gets a short banner.
func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		g.handleWebSocket(w, r)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ag-mesh-relay: connect with a WebSocket client at /ws\n"))
}

// handleHealth returns 200 OK if the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 while the relay accepts connections.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (g *Gateway) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers := g.hub.Registry().Snapshot()
	response := make([]PeerResponse, 0, len(peers))
	for _, p := range peers {
		response = append(response, PeerResponse{
			ID:       p.ID,
			Kind:     p.Kind.String(),
			LastSeen: p.LastSeen,
			Metadata: p.Metadata,
		})
	}
	g.sendJSON(w, http.StatusOK, response)
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := g.supervisor.List()
	if agents == nil {
		agents = []agent.Info{}
	}
	g.sendJSON(w, http.StatusOK, agents)
}

// handleAgentEvents returns the lifecycle ledger for one agent, newest first.
// ?limit caps the result.
func (g *Gateway) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusNotFound, "agent event ledger is disabled")
		return
	}

	limit := store.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := g.store.ListAgentEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		g.logger.Error("listing agent events", "agent_id", r.PathValue("id"), "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list agent events")
		return
	}
	g.sendJSON(w, http.StatusOK, events)
}

func (g *Gateway) handleSchemas(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, schema.ExportJSONSchema())
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response with the given status code.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// tracingMiddleware creates a span for each API request and records request
// count and duration.
func tracingMiddleware(next http.Handler) http.Handler {
	return instrumentHandler(next, telemetry.Tracer("ag-mesh-relay/http"), telemetry.Meter("ag-mesh-relay/http"))
}

// instrumentHandler wraps next with a span per request. Instruments are
// created once; one that fails to register is skipped.
func instrumentHandler(next http.Handler, tracer trace.Tracer, meter otelmetric.Meter) http.Handler {
	counter, err := meter.Int64Counter("http.server.request_count")
	if err != nil {
		counter = nil
	}
	hist, err := meter.Float64Histogram("http.server.duration", otelmetric.WithUnit("ms"))
	if err != nil {
		hist = nil
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.Pattern,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
			),
		)
		defer span.End()

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))

		attrs := otelmetric.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.Pattern),
			attribute.String("http.status_code", strconv.Itoa(wrapped.statusCode)),
		)
		if counter != nil {
			counter.Add(ctx, 1, attrs)
		}
		if hist != nil {
			hist.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
		}
	})
}
