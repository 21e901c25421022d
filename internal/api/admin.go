package api

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/risk"
)

// PauseRequest is the JSON body for the pause endpoints.
type PauseRequest struct {
	Paused bool `json:"paused"`
}

// WhitelistRequest is the JSON body for POST /admin/whitelist.
type WhitelistRequest struct {
	User        common.Address `json:"user"`
	Whitelisted bool           `json:"whitelisted"`
}

// CapRequest is the JSON body for PUT /admin/markets/{market}/utilization-cap.
type CapRequest struct {
	Cap decimal.Decimal `json:"cap"`
}

// GetRiskState handles GET /admin/risk
func (s *Server) GetRiskState(w http.ResponseWriter, r *http.Request) {
	st := s.guard.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"params":        st.Params(),
		"global_paused": st.GlobalPaused(),
	})
}

// SetRiskParams handles PUT /admin/risk/params
func (s *Server) SetRiskParams(w http.ResponseWriter, r *http.Request) {
	var p risk.Params
	if !decodeBody(w, r, &p) {
		return
	}
	if err := s.guard.SetParams(r.Context(), p); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SetGlobalPause handles POST /admin/pause
func (s *Server) SetGlobalPause(w http.ResponseWriter, r *http.Request) {
	var body PauseRequest
	if !decodeBody(w, r, &body) {
		return
	}
	s.guard.SetGlobalPause(r.Context(), body.Paused)
	writeJSON(w, http.StatusOK, body)
}

// SetMarketPause handles POST /admin/markets/{market}/pause
func (s *Server) SetMarketPause(w http.ResponseWriter, r *http.Request) {
	market, ok := addressParam(r, "market")
	if !ok {
		writeError(w, "invalid market address", http.StatusBadRequest)
		return
	}
	var body PauseRequest
	if !decodeBody(w, r, &body) {
		return
	}
	s.guard.SetMarketPause(r.Context(), market, body.Paused)
	writeJSON(w, http.StatusOK, map[string]any{"market": market, "paused": body.Paused})
}

// SetUtilizationCap handles PUT /admin/markets/{market}/utilization-cap
func (s *Server) SetUtilizationCap(w http.ResponseWriter, r *http.Request) {
	market, ok := addressParam(r, "market")
	if !ok {
		writeError(w, "invalid market address", http.StatusBadRequest)
		return
	}
	var body CapRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.guard.SetUtilizationCap(r.Context(), market, body.Cap); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market": market, "cap": body.Cap})
}

// SetWhitelisted handles POST /admin/whitelist
func (s *Server) SetWhitelisted(w http.ResponseWriter, r *http.Request) {
	var body WhitelistRequest
	if !decodeBody(w, r, &body) {
		return
	}
	s.guard.SetWhitelisted(r.Context(), body.User, body.Whitelisted)
	writeJSON(w, http.StatusOK, body)
}

// GetVaultLedger handles GET /admin/vault/{market}
// Returns the booked supplied units next to the units actually held.
func (s *Server) GetVaultLedger(w http.ResponseWriter, r *http.Request) {
	market, ok := addressParam(r, "market")
	if !ok {
		writeError(w, "invalid market address", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ledger, err := s.vault.Ledger(ctx, market)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	held, err := s.vault.Held(ctx, market)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market":   market,
		"supplied": ledger.Supplied,
		"held":     held,
	})
}

// GetFees handles GET /admin/fees/{market}
func (s *Server) GetFees(w http.ResponseWriter, r *http.Request) {
	market, ok := addressParam(r, "market")
	if !ok {
		writeError(w, "invalid market address", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market":   market,
		"fees_usd": s.manager.FeesCollected(market),
	})
}
