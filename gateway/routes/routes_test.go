package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"lendpool/config"
	"lendpool/core"
	"lendpool/crypto"
	"lendpool/gateway/middleware"
	"lendpool/services/indexer"
)

var (
	operator = crypto.BytesToAddress([]byte{0x0f})
	alice    = crypto.BytesToAddress([]byte{0xa1})
	bob      = crypto.BytesToAddress([]byte{0xb0})
)

const unit = 1_000_000

type harness struct {
	t       *testing.T
	node    *core.Node
	index   *indexer.Indexer
	handler http.Handler
	authCfg middleware.AuthConfig
}

func newHarness(t *testing.T, withAuth bool) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	cfg.Genesis = []config.Allocation{
		{Address: alice.String(), Asset: "EGLD", Amount: "1000000000000"},
		{Address: alice.String(), Asset: "USDC", Amount: "1000000000000"},
	}
	node, err := core.NewNode(ctx, cfg, operator)
	require.NoError(t, err)

	db, err := indexer.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	ix, err := indexer.New(db)
	require.NoError(t, err)
	ch, unsubscribe := node.Subscribe(256)
	t.Cleanup(unsubscribe)
	go func() { _ = ix.Run(ctx, ch) }()

	h := &harness{t: t, node: node, index: ix}
	h.authCfg = middleware.AuthConfig{Enabled: withAuth, Secret: []byte("gateway-secret"), Issuer: "lendpool"}
	handler, err := New(Config{
		Backend:       node,
		Indexer:       ix,
		ExportDir:     t.TempDir(),
		Authenticator: middleware.NewAuthenticator(h.authCfg, nil),
	})
	require.NoError(t, err)
	h.handler = handler
	return h
}

func (h *harness) token(subject crypto.Address, scopes ...string) string {
	token, err := middleware.IssueToken(h.authCfg, subject, scopes, time.Hour, time.Now())
	require.NoError(h.t, err)
	return token
}

func (h *harness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	h.handler.ServeHTTP(res, req)
	return res
}

func decode[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out), res.Body.String())
	return out
}

func (h *harness) deposit(from crypto.Address, asset string, amount int64) receiptView {
	h.t.Helper()
	res := h.do(http.MethodPost, "/v1/deposit", "", depositRequest{From: from.String(), Asset: asset, Amount: fmt.Sprint(amount)})
	require.Equal(h.t, http.StatusOK, res.Code, res.Body.String())
	return decode[receiptView](h.t, res)
}

func TestHealthAndRoutes(t *testing.T) {
	h := newHarness(t, false)
	res := h.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, res.Code)

	res = h.do(http.MethodGet, "/v1/routes", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	routes := decode[[]routeView](t, res)
	require.Len(t, routes, 2)

	res = h.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
}

func TestDepositBorrowRepayOverHTTP(t *testing.T) {
	h := newHarness(t, false)
	h.deposit(alice, "EGLD", 1000*unit)
	collateral := h.deposit(alice, "USDC", 1000*unit)
	require.Equal(t, "LUSDC", collateral.Token)

	res := h.do(http.MethodPost, "/v1/borrow", "", borrowRequest{
		From:             alice.String(),
		CollateralAsset:  "USDC",
		CollateralNonce:  collateral.Nonce,
		CollateralAmount: collateral.Amount,
		DebtAsset:        "EGLD",
		Amount:           fmt.Sprint(400 * unit),
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	flow := decode[flowView](t, res)
	require.Equal(t, "completed", flow.Stage)
	require.Equal(t, uint64(1), flow.PositionID)

	res = h.do(http.MethodGet, fmt.Sprintf("/v1/pools/EGLD/positions/%d", flow.PositionID), "", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	position := decode[positionView](t, res)
	require.Equal(t, fmt.Sprint(400*unit), position.Size)
	require.Equal(t, "USDC", position.CollateralAsset)

	res = h.do(http.MethodGet, "/v1/pools/EGLD", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	pool := decode[poolView](t, res)
	require.Equal(t, fmt.Sprint(600*unit), pool.Reserve)
	require.Equal(t, "0.4", pool.Utilisation)

	res = h.do(http.MethodPost, "/v1/debt/lock", "", withdrawRequest{
		From: alice.String(), Asset: "EGLD", Nonce: position.ReceiptNonce, Amount: fmt.Sprint(400 * unit),
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = h.do(http.MethodPost, "/v1/repay", "", repayRequest{
		From: alice.String(), Asset: "EGLD", PositionID: flow.PositionID, Amount: position.Size,
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, "completed", decode[flowView](t, res).Stage)

	res = h.do(http.MethodGet, "/v1/pools/EGLD/positions", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Empty(t, decode[[]positionView](t, res))
}

func TestLegFailureIsReportedWithFlow(t *testing.T) {
	h := newHarness(t, false)
	h.deposit(alice, "EGLD", 500*unit)
	collateral := h.deposit(alice, "USDC", 1000*unit)

	res := h.do(http.MethodPost, "/v1/borrow", "", borrowRequest{
		From:             alice.String(),
		CollateralAsset:  "USDC",
		CollateralNonce:  collateral.Nonce,
		CollateralAmount: collateral.Amount,
		DebtAsset:        "EGLD",
		Amount:           fmt.Sprint(700 * unit),
	})
	require.Equal(t, http.StatusConflict, res.Code, res.Body.String())
	body := decode[errorBody](t, res)
	require.Equal(t, "insufficient_reserve", body.Code)
	require.NotNil(t, body.Flow)
	require.Equal(t, "leg2_failed", body.Flow.Stage)

	require.Eventually(t, func() bool {
		res := h.do(http.MethodGet, "/v1/recoveries", "", nil)
		return res.Code == http.StatusOK && len(decode[[]recoveryView](t, res)) == 1
	}, 2*time.Second, 20*time.Millisecond)

	res = h.do(http.MethodPost, fmt.Sprintf("/v1/flows/%d/release", body.Flow.ID), "", releaseRequest{From: alice.String()})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, "recovered", decode[flowView](t, res).Stage)

	res = h.do(http.MethodPost, fmt.Sprintf("/v1/flows/%d/release", body.Flow.ID), "", releaseRequest{From: alice.String()})
	require.Equal(t, http.StatusConflict, res.Code)
	require.Equal(t, "flow_not_recoverable", decode[errorBody](t, res).Code)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, false)

	res := h.do(http.MethodPost, "/v1/deposit", "", depositRequest{From: alice.String(), Asset: "DOGE", Amount: "5"})
	require.Equal(t, http.StatusNotFound, res.Code)
	require.Equal(t, "asset_not_supported", decode[errorBody](t, res).Code)

	res = h.do(http.MethodPost, "/v1/deposit", "", depositRequest{From: alice.String(), Asset: "EGLD", Amount: "0"})
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, "invalid_amount", decode[errorBody](t, res).Code)

	res = h.do(http.MethodPost, "/v1/deposit", "", depositRequest{From: alice.String(), Asset: "EGLD", Amount: "ten"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(http.MethodGet, "/v1/flows/77", "", nil)
	require.Equal(t, http.StatusNotFound, res.Code)

	res = h.do(http.MethodPost, "/v1/deposit", "", map[string]string{"asset": "EGLD", "amount": "1", "extra": "x"})
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestAuthBindsCallerAndGuardsAdmin(t *testing.T) {
	h := newHarness(t, true)

	res := h.do(http.MethodPost, "/v1/deposit", "", depositRequest{Asset: "EGLD", Amount: "10"})
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res = h.do(http.MethodPost, "/v1/deposit", h.token(alice), depositRequest{Asset: "EGLD", Amount: "10"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = h.do(http.MethodPost, "/v1/deposit", h.token(alice), depositRequest{From: bob.String(), Asset: "EGLD", Amount: "10"})
	require.Equal(t, http.StatusForbidden, res.Code)

	pause := pauseRequest{Key: "lending:EGLD", Paused: true}
	res = h.do(http.MethodPost, "/v1/admin/pauses", h.token(alice), pause)
	require.Equal(t, http.StatusForbidden, res.Code)

	res = h.do(http.MethodPost, "/v1/admin/pauses", h.token(alice, middleware.ScopeAdmin), pause)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, []string{"lending:EGLD"}, h.node.Paused())

	res = h.do(http.MethodPost, "/v1/deposit", h.token(alice), depositRequest{Asset: "EGLD", Amount: "10"})
	require.Equal(t, http.StatusServiceUnavailable, res.Code)
	require.Equal(t, "module_paused", decode[errorBody](t, res).Code)

	res = h.do(http.MethodPost, "/v1/admin/health-threshold", h.token(alice, middleware.ScopeAdmin), thresholdRequest{Asset: "USDC", Value: "1.5"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	res = h.do(http.MethodGet, "/v1/pools/USDC", "", nil)
	require.Equal(t, "1.5", decode[poolView](t, res).Params.HealthFactorThreshold)
}

func TestEventsListingAndExport(t *testing.T) {
	h := newHarness(t, false)
	h.deposit(alice, "EGLD", 10)
	h.deposit(alice, "USDC", 20)

	require.Eventually(t, func() bool {
		res := h.do(http.MethodGet, "/v1/events?type=lending.deposit", "", nil)
		return res.Code == http.StatusOK && len(decode[[]eventView](t, res)) == 2
	}, 2*time.Second, 20*time.Millisecond)

	res := h.do(http.MethodGet, "/v1/events?asset=USDC", "", nil)
	events := decode[[]eventView](t, res)
	require.NotEmpty(t, events)
	require.Equal(t, "20", events[len(events)-1].Attributes["amount"])

	res = h.do(http.MethodPost, "/v1/admin/export", "", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
}

func TestEventStreamPushesCommittedEvents(t *testing.T) {
	h := newHarness(t, false)
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	h.deposit(alice, "EGLD", 3)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var view eventView
	require.NoError(t, json.Unmarshal(data, &view))
	require.Equal(t, "lending.deposit", view.Type)
	require.Equal(t, "EGLD", view.Attributes["asset"])
	require.Equal(t, "3", view.Attributes["amount"])
}
