package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/server/handler"
	"github.com/alanyoungcy/vaultshift/internal/server/ws"
	"github.com/alanyoungcy/vaultshift/internal/service"
)

var owner = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMigrations struct {
	quoteErr error
	execErr  error
	execRec  domain.MigrationRecord
	records  map[string]domain.MigrationRecord
	lastSM   service.SignedMigration
}

func (f *fakeMigrations) Quote(_ context.Context, req domain.MigrationRequest) (domain.MigrationPlan, error) {
	if f.quoteErr != nil {
		return domain.MigrationPlan{}, f.quoteErr
	}
	return domain.MigrationPlan{
		Request:             req,
		Source:              domain.Position{ID: req.PositionID, Owner: owner, Collateral: uint256.NewInt(100), Debt: uint256.NewInt(50)},
		Fee:                 uint256.NewInt(3),
		DepositedCollateral: uint256.NewInt(97),
		WithinSlippage:      true,
	}, nil
}

func (f *fakeMigrations) ExecuteSigned(_ context.Context, sm service.SignedMigration) (domain.MigrationRecord, error) {
	f.lastSM = sm
	return f.execRec, f.execErr
}

func (f *fakeMigrations) Recent(_ context.Context, opts domain.ListOpts) ([]domain.MigrationRecord, error) {
	var out []domain.MigrationRecord
	for _, r := range f.records {
		out = append(out, r)
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (f *fakeMigrations) Record(_ context.Context, id string) (domain.MigrationRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return domain.MigrationRecord{}, fmt.Errorf("fake: %w", domain.ErrNotFound)
	}
	return rec, nil
}

type fakePositions struct{}

func (fakePositions) Position(_ context.Context, id domain.PositionID) (service.PositionView, error) {
	if id != 7 {
		return service.PositionView{}, domain.NewLedgerError("vat", "urns", errors.New("no such vault"))
	}
	return service.PositionView{
		Source:      domain.Position{ID: 7, Owner: owner, Collateral: uint256.NewInt(100), Debt: uint256.NewInt(50)},
		Destination: domain.Position{Owner: owner, Collateral: new(uint256.Int), Debt: new(uint256.Int)},
	}, nil
}

func (fakePositions) History(context.Context, domain.PositionID, domain.ListOpts) ([]domain.MigrationRecord, error) {
	return nil, nil
}

type fakeReceipts struct{}

func (fakeReceipts) LoadReceipt(_ context.Context, position domain.PositionID, id string) (domain.MigrationReceipt, error) {
	return domain.MigrationReceipt{ID: id, PositionID: position, DepositedCollateral: uint256.NewInt(97)}, nil
}

func (fakeReceipts) ListReceipts(_ context.Context, position domain.PositionID) ([]domain.BlobInfo, error) {
	return []domain.BlobInfo{{Path: fmt.Sprintf("receipts/%d/a.json", position), Size: 10}}, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

func newTestServer(t *testing.T, cfg Config, migrations *fakeMigrations, limiter domain.RateLimiter, hub *ws.Hub) *httptest.Server {
	t.Helper()
	logger := discardLogger()
	handlers := Handlers{
		Health: handler.NewHealthHandler(map[string]handler.HealthCheck{
			"postgres": func(context.Context) error { return nil },
		}, logger),
		Status: &handler.StatusHandler{
			Mode:    "server",
			ChainID: 1,
			Engine:  "0xe1",
			State:   func() domain.MigrationState { return domain.StateIdle },
		},
		Positions:  handler.NewPositionHandler(fakePositions{}, fakeReceipts{}, logger),
		Migrations: handler.NewMigrationHandler(migrations, fakeReceipts{}, logger),
	}
	srv := httptest.NewServer(NewServer(cfg, handlers, hub, limiter, logger).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func validBody() map[string]any {
	return map[string]any{
		"position_id":       7,
		"max_slippage_bps":  50,
		"destination_owner": owner.Hex(),
		"collateral_owner":  owner.Hex(),
	}
}

func TestHealthAndStatus(t *testing.T) {
	srv := newTestServer(t, Config{APIKey: "secret"}, &fakeMigrations{}, nil, nil)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/status", nil, map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", body["state"])
}

func TestGetPosition(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeMigrations{}, nil, nil)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/positions/7", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	src := body["source"].(map[string]any)
	assert.Equal(t, "100", src["collateral"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/positions/8", nil, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "LedgerCallFailed", body["kind"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/positions/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/positions/7/receipts", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["receipts"], 1)
}

func TestQuote(t *testing.T) {
	m := &fakeMigrations{}
	srv := newTestServer(t, Config{}, m, nil, nil)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/migrations/quote", validBody(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "97", body["deposited_collateral"])
	assert.Equal(t, true, body["within_slippage"])

	bad := validBody()
	bad["destination_owner"] = "nope"
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/migrations/quote", bad, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidInput", body["kind"])

	unknown := validBody()
	unknown["extra"] = 1
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/migrations/quote", unknown, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	m.quoteErr = fmt.Errorf("wrapped: %w", domain.ErrSlippageExceeded)
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/migrations/quote", validBody(), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "SlippageExceeded", body["kind"])
}

func TestExecute(t *testing.T) {
	rec := domain.MigrationRecord{
		ID:         "mig-1",
		PositionID: 7,
		Caller:     owner,
		Status:     domain.MigrationSucceeded,
		Receipt:    &domain.MigrationReceipt{ID: "mig-1", PositionID: 7},
	}
	m := &fakeMigrations{execRec: rec}
	srv := newTestServer(t, Config{}, m, nil, nil)

	sig := make([]byte, 65)
	sig[64] = 27
	body := validBody()
	body["nonce"] = 5
	body["signature"] = hexutil.Encode(sig)

	resp, out := doJSON(t, http.MethodPost, srv.URL+"/api/migrations", body, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "mig-1", out["migration"].(map[string]any)["id"])
	assert.Equal(t, uint64(5), m.lastSM.Nonce)
	assert.Equal(t, sig, m.lastSM.Signature)

	// Engine failure: the recorded attempt comes back with the error kind.
	m.execRec = domain.MigrationRecord{ID: "mig-2", PositionID: 7, Status: domain.MigrationFailed, ErrorKind: domain.KindReentrancyDetected}
	m.execErr = domain.ErrReentrancyDetected
	resp, out = doJSON(t, http.MethodPost, srv.URL+"/api/migrations", body, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ReentrancyDetected", out["kind"])
	assert.Equal(t, "mig-2", out["migration"].(map[string]any)["id"])

	// Rejected before the engine: no record.
	m.execRec = domain.MigrationRecord{}
	m.execErr = fmt.Errorf("svc: %w", domain.ErrUnauthorized)
	resp, out = doJSON(t, http.MethodPost, srv.URL+"/api/migrations", body, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Nil(t, out["migration"])

	body["signature"] = "1234"
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/migrations", body, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body["signature"] = hexutil.Encode(sig)
	body["max_borrowing_fee"] = "0.02"
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/migrations", body, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListAndGetMigrations(t *testing.T) {
	m := &fakeMigrations{records: map[string]domain.MigrationRecord{
		"ok":   {ID: "ok", PositionID: 7, Status: domain.MigrationSucceeded},
		"fail": {ID: "fail", PositionID: 7, Status: domain.MigrationFailed, ErrorKind: domain.KindSlippageExceeded},
	}}
	srv := newTestServer(t, Config{}, m, nil, nil)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/migrations?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["migrations"], 2)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/migrations/fail", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SlippageExceeded", body["migration"].(map[string]any)["error_kind"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/migrations/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/migrations/ok/receipt", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "97", body["deposited_collateral"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/migrations/fail/receipt", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimitAndCORS(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: 1, RateWindow: time.Second, CORSOrigins: []string{"https://app.example"}}, &fakeMigrations{}, denyAll{}, nil)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/status", nil, map[string]string{"Origin": "https://app.example"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = doJSON(t, http.MethodOptions, srv.URL+"/api/migrations", nil, map[string]string{"Origin": "https://evil.example"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketRelaysMigrationEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := service.NewMemoryBus(10)
	hub := ws.NewHub(bus, discardLogger(), ws.Config{Mode: "server", Engine: "0xe1"})
	go func() { _ = hub.Run(ctx) }()

	srv := newTestServer(t, Config{}, &fakeMigrations{}, nil, hub)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, first, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(first), `"engine_status"`)

	// The hub subscribes asynchronously; publish until the event arrives.
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = bus.Publish(ctx, service.MigrationsChannel, []byte(`{"type":"migration_completed"}`))
			}
		}
	}()

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"migration_completed"}`, string(msg))
}

func TestRunStopsWithContext(t *testing.T) {
	srv := NewServer(Config{Port: 0}, Handlers{}, nil, nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, time.Second) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
