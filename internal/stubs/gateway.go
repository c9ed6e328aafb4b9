package stubs

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"

	"github.com/Rajchodisetti/session-trader/internal/decision"
	"github.com/Rajchodisetti/session-trader/internal/observ"
	"github.com/Rajchodisetti/session-trader/internal/portfolio"
)

// Gateway stands in for the signal producer, broker and order component on a
// developer machine. It speaks the same wire as the http collaborator kinds:
// the snapshot comes from a file, positions and fills go through a paper book.
type Gateway struct {
	snapshotPath string
	book         *portfolio.Manager
	token        string
}

func NewGateway(snapshotPath string, book *portfolio.Manager, token string) *Gateway {
	return &Gateway{snapshotPath: snapshotPath, book: book, token: token}
}

func (g *Gateway) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(g.auth)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/v1/snapshot", g.snapshot).Methods(http.MethodGet)
	r.HandleFunc("/v1/positions", g.positions).Methods(http.MethodGet)
	r.HandleFunc("/v1/quotes", g.quotes).Methods(http.MethodGet)
	r.HandleFunc("/v1/plans", g.plans).Methods(http.MethodPost)
	return r
}

func (g *Gateway) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.token != "" && r.URL.Path != "/health" && r.Header.Get("Authorization") != "Bearer "+g.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) snapshot(w http.ResponseWriter, _ *http.Request) {
	data, err := os.ReadFile(g.snapshotPath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (g *Gateway) positions(w http.ResponseWriter, r *http.Request) {
	pos, err := g.book.Positions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if pos == nil {
		pos = []decision.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": pos})
}

func (g *Gateway) quotes(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	for _, s := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, s)
		}
	}
	q, err := g.book.Quotes(r.Context(), symbols)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotes": q})
}

func (g *Gateway) plans(w http.ResponseWriter, r *http.Request) {
	var plan decision.ExecutionPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		http.Error(w, "bad plan: "+err.Error(), http.StatusBadRequest)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && key != plan.ID {
		http.Error(w, "idempotency key does not match plan id", http.StatusBadRequest)
		return
	}
	for _, id := range g.book.Snapshot().Applied {
		if id == plan.ID {
			writeJSON(w, http.StatusConflict, map[string]string{"plan_id": plan.ID, "status": "duplicate"})
			return
		}
	}
	if err := g.book.Submit(r.Context(), plan); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	observ.Log("stub_plan_received", map[string]any{"plan_id": plan.ID, "session": plan.Session, "orders": len(plan.Orders())})
	writeJSON(w, http.StatusAccepted, map[string]string{"plan_id": plan.ID, "status": "accepted"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
