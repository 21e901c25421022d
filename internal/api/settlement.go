package api

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/dual-engine/internal/model"
)

// SettleRequest is the JSON body for POST /settle.
type SettleRequest struct {
	PositionID common.Hash    `json:"position_id"`
	Holder     common.Address `json:"holder"`
}

// BatchSettleRequest is the JSON body for POST /settle/batch.
type BatchSettleRequest struct {
	PositionIDs []common.Hash    `json:"position_ids"`
	Holders     []common.Address `json:"holders"`
}

// BatchSettleItem reports one batch item. Error is empty on success.
type BatchSettleItem struct {
	PositionID common.Hash       `json:"position_id"`
	Holder     common.Address    `json:"holder"`
	Settlement *model.Settlement `json:"settlement,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Settle handles POST /api/v1/settle
func (s *Server) Settle(w http.ResponseWriter, r *http.Request) {
	var body SettleRequest
	if !decodeBody(w, r, &body) {
		return
	}

	st, err := s.engine.Settle(r.Context(), body.PositionID, body.Holder)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// BatchSettle handles POST /api/v1/settle/batch
// Failing items are reported individually and never fail the request.
func (s *Server) BatchSettle(w http.ResponseWriter, r *http.Request) {
	var body BatchSettleRequest
	if !decodeBody(w, r, &body) {
		return
	}

	results, err := s.engine.BatchSettle(r.Context(), body.PositionIDs, body.Holders)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	items := make([]BatchSettleItem, len(results))
	settled := 0
	for i, res := range results {
		items[i] = BatchSettleItem{
			PositionID: res.PositionID,
			Holder:     res.Holder,
			Settlement: res.Settlement,
		}
		if res.OK() {
			settled++
		} else {
			items[i].Error = model.Reason(res.Err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"settled": settled,
		"failed":  len(results) - settled,
		"items":   items,
	})
}

// GetSettlementInfo handles GET /api/v1/positions/{positionID}/settlement
func (s *Server) GetSettlementInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := hashParam(r, "positionID")
	if !ok {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}

	info, err := s.engine.SettlementInfo(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
