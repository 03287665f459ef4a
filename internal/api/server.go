// Package api exposes the venue's HTTP surface: order submission and
// cancellation, read-only order/orderbook/match listings, and a WebSocket
// event feed. Matching itself is never triggered from here; the cycle
// scheduler is the pipeline's only driver.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"swapd/internal/order"
	"swapd/internal/sign"
	"swapd/internal/store"
)

const EventOrderCreated = "order-created"
const EventOrderCancelled = "order-cancelled"

type Server struct {
	store       *store.Store
	verifier    *sign.Verifier
	hub         *Hub
	log         *zap.Logger
	upgrader    websocket.Upgrader
	corsOrigins []string
}

func NewServer(st *store.Store, verifier *sign.Verifier, hub *Hub, log *zap.Logger) *Server {
	s := &Server{
		store:    st,
		verifier: verifier,
		hub:      hub,
		log:      log,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.checkOrigin(r.Header.Get("Origin"))
		},
	}
	return s
}

// SetCORSOrigins restricts browser origins. Empty = allow all (dev mode).
func (s *Server) SetCORSOrigins(origins []string) {
	s.corsOrigins = origins
}

func (s *Server) checkOrigin(origin string) bool {
	if len(s.corsOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	allowedOrigins := s.corsOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", s.submitOrder)
		r.Get("/orders", s.listOrders)
		r.Get("/orders/{id}", s.getOrder)
		r.Delete("/orders/{id}", s.cancelOrder)
		r.Get("/orderbook", s.getOrderbook)
		r.Get("/matches", s.listMatches)
	})

	r.Get("/ws", s.handleWebSocket)

	return r
}

func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req order.Submission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	o, err := req.Parse(time.Now())
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Authenticity: the typed-data signature must recover to the maker.
	if !s.verifier.Verify(o, o.Signature) {
		httpError(w, http.StatusBadRequest, "signature does not match maker")
		return
	}

	used, err := s.store.NonceUsed(o.Maker, o.Nonce)
	if err != nil {
		s.internalError(w, "check nonce", err)
		return
	}
	if used {
		httpError(w, http.StatusConflict, "nonce already used")
		return
	}

	if err := s.store.InsertOrder(o); err != nil {
		if errors.Is(err, store.ErrDuplicateNonce) {
			httpError(w, http.StatusConflict, "nonce already used")
			return
		}
		s.internalError(w, "insert order", err)
		return
	}

	s.hub.Notify(EventOrderCreated, o)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(o)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOrder(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "order not found")
			return
		}
		s.internalError(w, "load order", err)
		return
	}
	writeJSON(w, o)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orders, err := s.store.Orders(store.OrderFilter{
		Maker:   q.Get("maker"),
		PairKey: q.Get("pair"),
		Status:  q.Get("status"),
		Limit:   intQuery(q.Get("limit")),
	})
	if err != nil {
		s.internalError(w, "list orders", err)
		return
	}
	if orders == nil {
		orders = []*order.Order{}
	}
	writeJSON(w, orders)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req order.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.OrderID = chi.URLParam(r, "id")

	_, maker, sig, err := req.Parse()
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	o, err := s.store.GetOrder(req.OrderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "order not found")
			return
		}
		s.internalError(w, "load order", err)
		return
	}

	// Only the recorded maker may cancel, proven by a signature over the
	// cancel intent rather than the original order.
	if !s.verifier.VerifyCancel(o, maker, sig) {
		httpError(w, http.StatusForbidden, "cancel not authorized by maker")
		return
	}

	if err := s.store.CancelOrder(o.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			httpError(w, http.StatusConflict, "order is no longer cancellable")
			return
		}
		s.internalError(w, "cancel order", err)
		return
	}

	s.hub.Notify(EventOrderCancelled, map[string]string{"order_id": o.ID})
	writeJSON(w, map[string]string{"status": "cancelled"})
}

// LevelSnapshot aggregates open liquidity at one price.
type LevelSnapshot struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// BookSnapshot is the aggregated orderbook for one pair: bids descending,
// asks ascending, quantities in base units.
type BookSnapshot struct {
	Pair string          `json:"pair"`
	Bids []LevelSnapshot `json:"bids"`
	Asks []LevelSnapshot `json:"asks"`
}

func (s *Server) getOrderbook(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	if pair == "" {
		httpError(w, http.StatusBadRequest, "pair query parameter required")
		return
	}

	open, err := s.store.OpenOrdersForPair(pair, time.Now())
	if err != nil {
		s.internalError(w, "load open orders", err)
		return
	}
	writeJSON(w, buildSnapshot(pair, open))
}

func (s *Server) listMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := s.store.RecentMatches(intQuery(r.URL.Query().Get("limit")))
	if err != nil {
		s.internalError(w, "list matches", err)
		return
	}
	if matches == nil {
		matches = []*order.Match{}
	}
	writeJSON(w, matches)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()

	// Seed new subscribers with recent trades so they do not start blind.
	if matches, err := s.store.RecentMatches(50); err == nil {
		if data, err := json.Marshal(map[string]interface{}{
			"type": "snapshot",
			"data": map[string]interface{}{"matches": matches},
		}); err == nil {
			select {
			case client.send <- data:
			default:
			}
		}
	}
}

// Shutdown stops the websocket hub.
func (s *Server) Shutdown() {
	s.hub.Stop()
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.log.Error(what, zap.Error(err))
	httpError(w, http.StatusInternalServerError, "internal error")
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func intQuery(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
