package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/manager"
	"github.com/atmx/dual-engine/internal/model"
)

// --- Request/Response types ---

// EntryRequest is the JSON body for POST /positions/{path}.
type EntryRequest struct {
	User         common.Address  `json:"user"`
	InputMarket  common.Address  `json:"input_market"`
	OutputMarket common.Address  `json:"output_market"`
	Amount       decimal.Decimal `json:"amount"`    // deposit units, or underlying on the underlying path
	Direction    string          `json:"direction"` // "CALL" or "PUT"
	Strike       decimal.Decimal `json:"strike"`
	Expiry       time.Time       `json:"expiry"`
}

func (e EntryRequest) toManager() (manager.EntryRequest, error) {
	dir, err := model.ParseDirection(e.Direction)
	if err != nil {
		return manager.EntryRequest{}, err
	}
	return manager.EntryRequest{
		User:         e.User,
		InputMarket:  e.InputMarket,
		OutputMarket: e.OutputMarket,
		Amount:       e.Amount,
		Direction:    dir,
		Strike:       e.Strike,
		Expiry:       e.Expiry,
	}, nil
}

// EntryResponse is returned from a successful entry.
type EntryResponse struct {
	PositionID common.Hash     `json:"position_id"`
	Position   *model.Position `json:"position,omitempty"`
}

// BatchEntryRequest is the JSON body for POST /positions/batch. Every
// array must have the same length.
type BatchEntryRequest struct {
	Path          model.EntryPath   `json:"path"`
	Users         []common.Address  `json:"users"`
	InputMarkets  []common.Address  `json:"input_markets"`
	OutputMarkets []common.Address  `json:"output_markets"`
	Amounts       []decimal.Decimal `json:"amounts"`
	Directions    []string          `json:"directions"`
	Strikes       []decimal.Decimal `json:"strikes"`
	Expiries      []time.Time       `json:"expiries"`
}

func (b BatchEntryRequest) toManager() (manager.BatchRequest, error) {
	dirs := make([]model.Direction, len(b.Directions))
	for i, d := range b.Directions {
		dir, err := model.ParseDirection(d)
		if err != nil {
			return manager.BatchRequest{}, fmt.Errorf("batch item %d: %w", i, err)
		}
		dirs[i] = dir
	}
	return manager.BatchRequest{
		Path:          b.Path,
		Users:         b.Users,
		InputMarkets:  b.InputMarkets,
		OutputMarkets: b.OutputMarkets,
		Amounts:       b.Amounts,
		Directions:    dirs,
		Strikes:       b.Strikes,
		Expiries:      b.Expiries,
	}, nil
}

// TransferRequest is the JSON body for POST /positions/{id}/transfer.
type TransferRequest struct {
	From   common.Address  `json:"from"`
	To     common.Address  `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// PositionDetail is a position with its current holders and settlement
// history.
type PositionDetail struct {
	*model.Position
	Holders     map[common.Address]decimal.Decimal `json:"holders"`
	Settlements []model.Settlement                 `json:"settlements"`
}

// --- HTTP Handlers ---

// ExpiryBounds handles GET /api/v1/expiry-bounds
func (s *Server) ExpiryBounds(w http.ResponseWriter, r *http.Request) {
	earliest, latest := s.manager.ExpiryBounds()
	writeJSON(w, http.StatusOK, map[string]time.Time{
		"earliest": earliest.UTC(),
		"latest":   latest.UTC(),
	})
}

// Enter returns the handler for POST /api/v1/positions/{path}.
func (s *Server) Enter(path model.EntryPath) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body EntryRequest
		if !decodeBody(w, r, &body) {
			return
		}
		req, err := body.toManager()
		if err != nil {
			s.writeErr(w, r, err)
			return
		}

		ctx := r.Context()
		id, err := s.manager.Enter(ctx, path, req)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}

		resp := EntryResponse{PositionID: id}
		if p, err := s.store.GetPosition(ctx, id); err == nil {
			resp.Position = p
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

// BatchEnter handles POST /api/v1/positions/batch
// Opens every position or none.
func (s *Server) BatchEnter(w http.ResponseWriter, r *http.Request) {
	var body BatchEntryRequest
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := body.toManager()
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	ids, err := s.manager.BatchEnter(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string][]common.Hash{"position_ids": ids})
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Server) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := hashParam(r, "positionID")
	if !ok {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	p, err := s.store.GetPosition(ctx, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	holders, err := s.store.Holders(ctx, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	history, err := s.store.ListSettlements(ctx, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if history == nil {
		history = []model.Settlement{}
	}

	writeJSON(w, http.StatusOK, PositionDetail{Position: p, Holders: holders, Settlements: history})
}

// Transfer handles POST /api/v1/positions/{positionID}/transfer. It sits
// behind the admin token.
func (s *Server) Transfer(w http.ResponseWriter, r *http.Request) {
	id, ok := hashParam(r, "positionID")
	if !ok {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}
	var body TransferRequest
	if !decodeBody(w, r, &body) {
		return
	}

	ctx := r.Context()
	if err := s.manager.Transfer(ctx, id, body.From, body.To, body.Amount); err != nil {
		s.writeErr(w, r, err)
		return
	}

	from, _ := s.store.BalanceOf(ctx, id, body.From)
	to, _ := s.store.BalanceOf(ctx, id, body.To)
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"from_balance": from,
		"to_balance":   to,
	})
}

// ListUserPositions handles GET /api/v1/users/{user}/positions
// Returns positions created for the user, optionally filtered by
// ?settled=true|false.
func (s *Server) ListUserPositions(w http.ResponseWriter, r *http.Request) {
	user, ok := addressParam(r, "user")
	if !ok {
		writeError(w, "invalid user address", http.StatusBadRequest)
		return
	}

	positions, err := s.store.ListPositionsByOwner(r.Context(), user)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	if f := r.URL.Query().Get("settled"); f == "true" || f == "false" {
		want := f == "true"
		filtered := positions[:0]
		for _, p := range positions {
			if p.Settled == want {
				filtered = append(filtered, p)
			}
		}
		positions = filtered
	}
	if positions == nil {
		positions = []model.Position{}
	}

	writeJSON(w, http.StatusOK, positions)
}

// GetRewards handles GET /api/v1/users/{user}/rewards
func (s *Server) GetRewards(w http.ResponseWriter, r *http.Request) {
	user, ok := addressParam(r, "user")
	if !ok {
		writeError(w, "invalid user address", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    user,
		"rewards": s.manager.Rewards(user),
	})
}
