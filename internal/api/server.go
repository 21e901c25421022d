// Package api exposes the engine over HTTP: position entry, transfers,
// settlement, read-only status queries and admin controls.
//
// All monetary values use shopspring/decimal and travel as JSON strings.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/dual-engine/internal/events"
	"github.com/atmx/dual-engine/internal/manager"
	"github.com/atmx/dual-engine/internal/metrics"
	"github.com/atmx/dual-engine/internal/model"
	"github.com/atmx/dual-engine/internal/risk"
	"github.com/atmx/dual-engine/internal/settlement"
	"github.com/atmx/dual-engine/internal/store"
	"github.com/atmx/dual-engine/internal/vault"
)

// Deps are the components the HTTP surface drives.
type Deps struct {
	Manager    *manager.Manager
	Engine     *settlement.Engine
	Guard      *risk.Guard
	Store      store.Store
	Vault      *vault.Vault
	Hub        *events.Hub // optional; nil disables /api/v1/ws
	AdminToken string      // empty disables /admin
	Logger     *slog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	manager    *manager.Manager
	engine     *settlement.Engine
	guard      *risk.Guard
	store      store.Store
	vault      *vault.Vault
	hub        *events.Hub
	adminToken string
	logger     *slog.Logger
}

// New creates a server.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{
		manager:    d.Manager,
		engine:     d.Engine,
		guard:      d.Guard,
		store:      d.Store,
		vault:      d.Vault,
		hub:        d.Hub,
		adminToken: d.AdminToken,
		logger:     d.Logger,
	}
}

// Routes builds the chi router with middleware and every endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"dual-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for engine events.
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		// Long-running requests get a deadline; the WebSocket above does not.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/expiry-bounds", s.ExpiryBounds)

			// Entry.
			r.Post("/positions/collateral", s.Enter(model.PathCollateral))
			r.Post("/positions/borrow", s.Enter(model.PathBorrow))
			r.Post("/positions/underlying", s.Enter(model.PathUnderlying))
			r.Post("/positions/batch", s.BatchEnter)

			// Records.
			r.Get("/positions/{positionID}", s.GetPosition)
			// No signer identifies "from", so moving balances is operator-only.
			r.With(s.requireAdmin).Post("/positions/{positionID}/transfer", s.Transfer)
			r.Get("/users/{user}/positions", s.ListUserPositions)
			r.Get("/users/{user}/rewards", s.GetRewards)

			// Settlement.
			r.Post("/settle", s.Settle)
			r.Post("/settle/batch", s.BatchSettle)
			r.Get("/positions/{positionID}/settlement", s.GetSettlementInfo)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/risk", s.GetRiskState)
		r.Put("/risk/params", s.SetRiskParams)
		r.Post("/pause", s.SetGlobalPause)
		r.Post("/markets/{market}/pause", s.SetMarketPause)
		r.Put("/markets/{market}/utilization-cap", s.SetUtilizationCap)
		r.Post("/whitelist", s.SetWhitelisted)
		r.Get("/vault/{market}", s.GetVaultLedger)
		r.Get("/fees/{market}", s.GetFees)
	})

	return r
}

// requireAdmin accepts "Authorization: Bearer <token>" or "X-API-Key: <token>".
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, "admin interface disabled", http.StatusUnauthorized)
			return
		}
		token := r.Header.Get("X-API-Key")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErr maps an engine error onto a status and writes it. Unclassified
// errors are logged and reported without detail.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeJSON(w, status, map[string]string{
		"error":  err.Error(),
		"reason": model.Reason(err),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAdmissionRejected),
		errors.Is(err, model.ErrAlreadySettled),
		errors.Is(err, model.ErrNotYetExpired),
		errors.Is(err, model.ErrWindowClosed),
		errors.Is(err, model.ErrZeroBalance),
		errors.Is(err, model.ErrReentrant):
		return http.StatusConflict
	case errors.Is(err, model.ErrCapacityShortfall),
		errors.Is(err, model.ErrOracleFailure),
		errors.Is(err, model.ErrSwapFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// --- Path parameters ---

func addressParam(r *http.Request, name string) (common.Address, bool) {
	v := chi.URLParam(r, name)
	if !common.IsHexAddress(v) {
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func hashParam(r *http.Request, name string) (common.Hash, bool) {
	b, err := hexutil.Decode(chi.URLParam(r, name))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}
