package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/api"
	"github.com/atmx/dual-engine/internal/enginetest"
	"github.com/atmx/dual-engine/internal/model"
	"github.com/atmx/dual-engine/internal/settlement"
)

const adminToken = "s3cret"

// newTestEnv wires the HTTP surface over a fresh harness.
func newTestEnv(t *testing.T, token string) (*enginetest.Harness, http.Handler) {
	t.Helper()
	h := enginetest.New(t)
	srv := api.New(api.Deps{
		Manager:    h.Manager,
		Engine:     h.Engine,
		Guard:      h.Guard,
		Store:      h.Store,
		Vault:      h.Vault,
		AdminToken: token,
		Logger:     h.Logger,
	})
	return h, srv.Routes()
}

func do(t *testing.T, router http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func entryBody(h *enginetest.Harness, user common.Address, direction string) api.EntryRequest {
	return api.EntryRequest{
		User:         user,
		InputMarket:  enginetest.CUSDC,
		OutputMarket: enginetest.CWETH,
		Amount:       enginetest.D("100"),
		Direction:    direction,
		Strike:       enginetest.D("2"),
		Expiry:       h.Clock.Now().Add(time.Hour),
	}
}

// enter opens a collateral position for user through the API.
func enter(t *testing.T, h *enginetest.Harness, router http.Handler, user common.Address) common.Hash {
	t.Helper()
	h.FundDeposit(user, enginetest.CUSDC, enginetest.D("100"))
	w := do(t, router, "POST", "/api/v1/positions/collateral", entryBody(h, user, "call"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.EntryResponse
	decode(t, w, &resp)
	return resp.PositionID
}

func TestHealth(t *testing.T) {
	_, router := newTestEnv(t, "")
	w := do(t, router, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestEnter_Created(t *testing.T) {
	h, router := newTestEnv(t, "")
	h.FundDeposit(enginetest.Alice, enginetest.CUSDC, enginetest.D("100"))

	w := do(t, router, "POST", "/api/v1/positions/collateral", entryBody(h, enginetest.Alice, "CALL"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.EntryResponse
	decode(t, w, &resp)
	if resp.Position == nil {
		t.Fatal("expected position in response")
	}
	if resp.Position.ID != resp.PositionID {
		t.Errorf("expected position id %s, got %s", resp.PositionID.Hex(), resp.Position.ID.Hex())
	}
	enginetest.ExpectDecimal(t, "notional", enginetest.D("100"), resp.Position.Notional)
	if resp.Position.Direction != model.Call {
		t.Errorf("expected CALL, got %s", resp.Position.Direction)
	}
}

func TestEnter_BadRequests(t *testing.T) {
	h, router := newTestEnv(t, "")
	h.FundDeposit(enginetest.Alice, enginetest.CUSDC, enginetest.D("100"))

	w := do(t, router, "POST", "/api/v1/positions/collateral", entryBody(h, enginetest.Alice, "SIDEWAYS"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 on bad direction, got %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/api/v1/positions/collateral", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 on malformed body, got %d", rec.Code)
	}

	body := entryBody(h, enginetest.Alice, "PUT")
	body.Strike = decimal.Zero
	if w := do(t, router, "POST", "/api/v1/positions/underlying", body); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 on zero strike, got %d", w.Code)
	}
}

func TestEnter_RejectedIsConflict(t *testing.T) {
	h, router := newTestEnv(t, "")
	h.Guard.SetGlobalPause(h.Ctx, true)
	h.FundDeposit(enginetest.Alice, enginetest.CUSDC, enginetest.D("100"))

	w := do(t, router, "POST", "/api/v1/positions/collateral", entryBody(h, enginetest.Alice, "CALL"))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["reason"] != "protocol is paused" {
		t.Errorf("expected pause reason, got %q", resp["reason"])
	}
}

func TestGetPosition(t *testing.T) {
	h, router := newTestEnv(t, "")
	id := enter(t, h, router, enginetest.Alice)

	w := do(t, router, "GET", "/api/v1/positions/"+id.Hex(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var detail struct {
		ID      common.Hash                        `json:"id"`
		Holders map[common.Address]decimal.Decimal `json:"holders"`
	}
	decode(t, w, &detail)
	if detail.ID != id {
		t.Errorf("expected id %s, got %s", id.Hex(), detail.ID.Hex())
	}
	enginetest.ExpectDecimal(t, "holder", enginetest.D("100"), detail.Holders[enginetest.Alice])

	if w := do(t, router, "GET", "/api/v1/positions/"+common.HexToHash("0x01").Hex(), nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/positions/0x1234", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 on short id, got %d", w.Code)
	}
}

func TestTransferAndListing(t *testing.T) {
	h, router := newTestEnv(t, adminToken)
	id := enter(t, h, router, enginetest.Alice)
	path := "/api/v1/positions/" + id.Hex() + "/transfer"
	body := api.TransferRequest{
		From:   enginetest.Alice,
		To:     enginetest.Bob,
		Amount: enginetest.D("25"),
	}

	if w := do(t, router, "POST", path, body); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := do(t, router, "POST", path, body, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", w.Code)
	}
	bal, _ := h.Store.BalanceOf(h.Ctx, id, enginetest.Bob)
	enginetest.ExpectDecimal(t, "bob before authorized transfer", decimal.Zero, bal)

	w := do(t, router, "POST", path, body, "X-API-Key", adminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var bals map[string]decimal.Decimal
	decode(t, w, &bals)
	enginetest.ExpectDecimal(t, "from", enginetest.D("75"), bals["from_balance"])
	enginetest.ExpectDecimal(t, "to", enginetest.D("25"), bals["to_balance"])

	w = do(t, router, "GET", "/api/v1/users/"+enginetest.Alice.Hex()+"/positions?settled=false", nil)
	var ps []model.Position
	decode(t, w, &ps)
	if len(ps) != 1 {
		t.Errorf("expected 1 open position, got %d", len(ps))
	}
	w = do(t, router, "GET", "/api/v1/users/"+enginetest.Alice.Hex()+"/positions?settled=true", nil)
	decode(t, w, &ps)
	if len(ps) != 0 {
		t.Errorf("expected no settled positions, got %d", len(ps))
	}

	w = do(t, router, "GET", "/api/v1/users/"+enginetest.Alice.Hex()+"/rewards", nil)
	var rw struct {
		Rewards decimal.Decimal `json:"rewards"`
	}
	decode(t, w, &rw)
	enginetest.ExpectDecimal(t, "rewards", enginetest.D("1"), rw.Rewards)
}

func TestSettleFlow(t *testing.T) {
	h, router := newTestEnv(t, "")
	id := enter(t, h, router, enginetest.Alice)
	body := api.SettleRequest{PositionID: id, Holder: enginetest.Alice}

	if w := do(t, router, "POST", "/api/v1/settle", body); w.Code != http.StatusConflict {
		t.Errorf("expected 409 before expiry, got %d", w.Code)
	}

	h.Clock.Advance(time.Hour)
	w := do(t, router, "POST", "/api/v1/settle", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var st model.Settlement
	decode(t, w, &st)
	if st.Won {
		t.Error("expected CALL below strike to lose")
	}
	enginetest.ExpectDecimal(t, "delivered", enginetest.D("100"), st.Delivered)

	if w := do(t, router, "POST", "/api/v1/settle", body); w.Code != http.StatusConflict {
		t.Errorf("expected 409 when already settled, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/positions/"+id.Hex()+"/settlement", nil)
	var info settlement.Info
	decode(t, w, &info)
	if !info.Settled || !info.PriceCached {
		t.Errorf("expected settled with cached price, got %+v", info)
	}
}

func TestBatchSettle(t *testing.T) {
	h, router := newTestEnv(t, "")
	id := enter(t, h, router, enginetest.Alice)
	h.Clock.Advance(time.Hour)

	w := do(t, router, "POST", "/api/v1/settle/batch", api.BatchSettleRequest{
		PositionIDs: []common.Hash{common.HexToHash("0x02"), id},
		Holders:     []common.Address{enginetest.Alice, enginetest.Alice},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Settled int                   `json:"settled"`
		Failed  int                   `json:"failed"`
		Items   []api.BatchSettleItem `json:"items"`
	}
	decode(t, w, &resp)
	if resp.Settled != 1 || resp.Failed != 1 {
		t.Errorf("expected 1 settled and 1 failed, got %d and %d", resp.Settled, resp.Failed)
	}
	if resp.Items[0].Error == "" || resp.Items[1].Error != "" {
		t.Errorf("expected only the unknown item to fail, got %+v", resp.Items)
	}

	w = do(t, router, "POST", "/api/v1/settle/batch", api.BatchSettleRequest{
		PositionIDs: []common.Hash{id},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 on length mismatch, got %d", w.Code)
	}
}

func TestBatchEnter(t *testing.T) {
	h, router := newTestEnv(t, "")
	h.FundDeposit(enginetest.Alice, enginetest.CUSDC, enginetest.D("10"))
	h.FundDeposit(enginetest.Bob, enginetest.CUSDC, enginetest.D("20"))
	exp := h.Clock.Now().Add(time.Hour)

	w := do(t, router, "POST", "/api/v1/positions/batch", api.BatchEntryRequest{
		Path:          model.PathCollateral,
		Users:         []common.Address{enginetest.Alice, enginetest.Bob},
		InputMarkets:  []common.Address{enginetest.CUSDC, enginetest.CUSDC},
		OutputMarkets: []common.Address{enginetest.CWETH, enginetest.CWETH},
		Amounts:       []decimal.Decimal{enginetest.D("10"), enginetest.D("20")},
		Directions:    []string{"CALL", "PUT"},
		Strikes:       []decimal.Decimal{enginetest.D("1"), enginetest.D("1500")},
		Expiries:      []time.Time{exp, exp},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string][]common.Hash
	decode(t, w, &resp)
	if len(resp["position_ids"]) != 2 {
		t.Errorf("expected 2 ids, got %v", resp["position_ids"])
	}
}

func TestAdmin_Auth(t *testing.T) {
	_, disabled := newTestEnv(t, "")
	if w := do(t, disabled, "GET", "/admin/risk", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with admin disabled, got %d", w.Code)
	}

	_, router := newTestEnv(t, adminToken)
	if w := do(t, router, "GET", "/admin/risk", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/admin/risk", nil, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/admin/risk", nil, "Authorization", "Bearer "+adminToken); w.Code != http.StatusOK {
		t.Errorf("expected 200 with bearer token, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/admin/risk", nil, "X-API-Key", adminToken); w.Code != http.StatusOK {
		t.Errorf("expected 200 with api key, got %d", w.Code)
	}
}

func TestAdmin_Controls(t *testing.T) {
	h, router := newTestEnv(t, adminToken)
	auth := []string{"X-API-Key", adminToken}

	w := do(t, router, "POST", "/admin/pause", api.PauseRequest{Paused: true}, auth...)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !h.State.GlobalPaused() {
		t.Error("expected protocol paused")
	}

	w = do(t, router, "PUT", "/admin/risk/params", map[string]string{
		"min_health_factor":       "0",
		"max_position_size_ratio": "0.5",
	}, auth...)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 on invalid params, got %d", w.Code)
	}

	w = do(t, router, "PUT", "/admin/markets/"+enginetest.CUSDC.Hex()+"/utilization-cap", api.CapRequest{Cap: enginetest.D("5000")}, auth...)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	enginetest.ExpectDecimal(t, "cap", enginetest.D("5000"), h.State.UtilizationCap(enginetest.CUSDC))

	w = do(t, router, "POST", "/admin/whitelist", api.WhitelistRequest{User: enginetest.Bob, Whitelisted: true}, auth...)
	if w.Code != http.StatusOK || !h.State.Whitelisted(enginetest.Bob) {
		t.Errorf("expected bob whitelisted, got %d", w.Code)
	}

	w = do(t, router, "GET", "/admin/vault/"+enginetest.CUSDC.Hex(), nil, auth...)
	var ledger map[string]any
	decode(t, w, &ledger)
	if ledger["supplied"] != "0" || ledger["held"] != "0" {
		t.Errorf("expected empty vault ledger, got %v", ledger)
	}
}
