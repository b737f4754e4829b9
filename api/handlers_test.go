package api_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/api"
	"github.com/warp/points-engine/importer"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/points/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const operatorID = "op-1"

type testEnv struct {
	router http.Handler
	svc    *points.Service
}

func newEnv(t *testing.T, syncer api.Syncer, scenarios bool) *testEnv {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })
	svc := points.NewService(mem)
	h := api.NewHandler(svc, syncer)
	return &testEnv{
		router: api.NewRouter(h, api.RouterConfig{EnableScenarios: scenarios}),
		svc:    svc,
	}
}

type caller struct {
	id   string
	role string
}

var operator = caller{id: operatorID, role: "operator"}

func (e *testEnv) do(t *testing.T, c *caller, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if c != nil {
		req.Header.Set(api.HeaderParticipantID, c.id)
		if c.role != "" {
			req.Header.Set(api.HeaderParticipantRole, c.role)
		}
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) createParticipant(t *testing.T, name string, initial int64) caller {
	t.Helper()
	rec := e.do(t, &operator, http.MethodPost, "/api/admin/participants", api.CreateParticipantRequest{
		Name:          name,
		Email:         strings.ToLower(name) + "@example.com",
		InitialPoints: initial,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return caller{id: decode[api.ParticipantDTO](t, rec).ID}
}

func (e *testEnv) createReward(t *testing.T, title string, cost int64, stock *int64) string {
	t.Helper()
	rec := e.do(t, &operator, http.MethodPost, "/api/admin/rewards", api.CreateRewardRequest{
		Title:    title,
		Category: "merch",
		Cost:     cost,
		Stock:    stock,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.RewardDTO](t, rec).ID
}

func (e *testEnv) balance(t *testing.T, c caller) int64 {
	t.Helper()
	rec := e.do(t, &c, http.MethodGet, "/api/me/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[api.BalanceDTO](t, rec).Balance
}

func int64Ptr(n int64) *int64 { return &n }

// =============================================================================
// REDEMPTION FLOW
// =============================================================================

func TestRedemptionFlow(t *testing.T) {
	// GIVEN: A participant with 100 points and a 60-point mug, one in stock
	// WHEN: The participant redeems, tries again, and the operator rejects
	// THEN: 201 then 422; balance 40 then back to 100; a second reject is 409

	env := newEnv(t, nil, false)
	alice := env.createParticipant(t, "Alice", 100)
	mugID := env.createReward(t, "Mug", 60, int64Ptr(1))

	catalog := decode[[]api.RewardDTO](t, env.do(t, nil, http.MethodGet, "/api/rewards", nil))
	require.Len(t, catalog, 1)
	assert.Equal(t, int64(1), *catalog[0].Stock)

	rec := env.do(t, &alice, http.MethodPost, "/api/me/redemptions", api.CreateRedemptionRequest{RewardID: mugID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[api.CreateRedemptionResponse](t, rec)
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, int64(40), env.balance(t, alice))

	rec = env.do(t, &alice, http.MethodPost, "/api/me/redemptions", api.CreateRedemptionRequest{RewardID: mugID})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	path := "/api/admin/redemptions/" + created.RequestID + "/transition"
	rec = env.do(t, &operator, http.MethodPost, path, api.TransitionRequest{Status: "rejected", Notes: "Out of mugs"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[api.RedemptionDTO](t, rec)
	assert.Equal(t, "rejected", updated.Status)
	assert.Equal(t, "Out of mugs", updated.Notes)
	assert.Equal(t, int64(100), env.balance(t, alice))

	rec = env.do(t, &operator, http.MethodPost, path, api.TransitionRequest{Status: "rejected"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, int64(100), env.balance(t, alice), "no double refund")

	history := decode[[]api.LedgerEntryDTO](t, env.do(t, &alice, http.MethodGet, "/api/me/history", nil))
	require.Len(t, history, 3)
	assert.Equal(t, "refund", history[0].Source)
	assert.Equal(t, created.RequestID, history[0].ReferenceID)

	mine := decode[[]api.RedemptionDTO](t, env.do(t, &alice, http.MethodGet, "/api/me/redemptions", nil))
	require.Len(t, mine, 1)
	assert.Equal(t, "Mug", mine[0].RewardTitle)
}

func TestRedemption_OutOfStockAndInactive(t *testing.T) {
	env := newEnv(t, nil, false)
	alice := env.createParticipant(t, "Alice", 500)
	bob := env.createParticipant(t, "Bob", 500)
	hoodieID := env.createReward(t, "Hoodie", 100, int64Ptr(1))

	rec := env.do(t, &alice, http.MethodPost, "/api/me/redemptions", api.CreateRedemptionRequest{RewardID: hoodieID})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, &bob, http.MethodPost, "/api/me/redemptions", api.CreateRedemptionRequest{RewardID: hoodieID})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[api.ErrorResponse](t, rec).Details, "out of stock")

	rec = env.do(t, &operator, http.MethodPost, "/api/admin/participants/"+bob.id+"/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "inactive", decode[api.ParticipantDTO](t, rec).Status)

	stickersID := env.createReward(t, "Stickers", 10, nil)
	rec = env.do(t, &bob, http.MethodPost, "/api/me/redemptions", api.CreateRedemptionRequest{RewardID: stickersID})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, &bob, http.MethodPost, "/api/me/redemptions", api.CreateRedemptionRequest{RewardID: "nope"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "inactive participant is checked first")

	rec = env.do(t, &alice, http.MethodPost, "/api/me/redemptions", api.CreateRedemptionRequest{RewardID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// AUTH
// =============================================================================

func TestAuth(t *testing.T) {
	env := newEnv(t, nil, false)
	alice := env.createParticipant(t, "Alice", 10)

	tests := []struct {
		name   string
		caller *caller
		path   string
		want   int
	}{
		{"no identity on me", nil, "/api/me/balance", http.StatusUnauthorized},
		{"no identity on admin", nil, "/api/admin/participants", http.StatusUnauthorized},
		{"unknown role", &caller{id: alice.id, role: "superuser"}, "/api/me/balance", http.StatusUnauthorized},
		{"participant on admin", &alice, "/api/admin/participants", http.StatusForbidden},
		{"participant on me", &alice, "/api/me/balance", http.StatusOK},
		{"operator on admin", &operator, "/api/admin/participants", http.StatusOK},
		{"unknown participant on me", &caller{id: "ghost"}, "/api/me/balance", http.StatusNotFound},
		{"catalog is public", nil, "/api/rewards", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.caller, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

func TestAdmin_ParticipantsAndAdjustments(t *testing.T) {
	env := newEnv(t, nil, false)
	alice := env.createParticipant(t, "Alice", 100)

	rec := env.do(t, &operator, http.MethodPost, "/api/admin/participants", api.CreateParticipantRequest{
		Name: "Alice Again", Email: "ALICE@example.com",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, &operator, http.MethodPost, "/api/admin/adjustments", api.AdjustmentRequest{
		ParticipantID: alice.id, Delta: -30, Reason: "Correction", Source: "adjustment",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(-30), decode[api.LedgerEntryDTO](t, rec).Delta)

	rec = env.do(t, &operator, http.MethodPost, "/api/admin/adjustments", api.AdjustmentRequest{
		ParticipantID: alice.id, Delta: -500, Reason: "Too much",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, &operator, http.MethodPost, "/api/admin/adjustments", api.AdjustmentRequest{
		ParticipantID: alice.id, Delta: 10, Reason: "Refund by hand", Source: "refund",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, &operator, http.MethodGet, "/api/admin/participants/"+alice.id+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(70), decode[api.BalanceDTO](t, rec).Balance)

	summaries := decode[[]api.ParticipantSummaryDTO](t, env.do(t, &operator, http.MethodGet, "/api/admin/participants", nil))
	require.Len(t, summaries, 1)
	assert.Equal(t, int64(70), summaries[0].Balance)
	assert.Equal(t, "alice@example.com", summaries[0].Email)

	rec = env.do(t, &operator, http.MethodGet, "/api/admin/participants/ghost/history", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_Rewards(t *testing.T) {
	env := newEnv(t, nil, false)
	mugID := env.createReward(t, "Mug", 60, int64Ptr(5))

	rec := env.do(t, &operator, http.MethodPut, "/api/admin/rewards/"+mugID, map[string]any{
		"is_active":       false,
		"unlimited_stock": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[api.RewardDTO](t, rec)
	assert.False(t, updated.IsActive)
	assert.Nil(t, updated.Stock)

	assert.Empty(t, decode[[]api.RewardDTO](t, env.do(t, nil, http.MethodGet, "/api/rewards", nil)))
	assert.Len(t, decode[[]api.RewardDTO](t, env.do(t, &operator, http.MethodGet, "/api/admin/rewards", nil)), 1)

	rec = env.do(t, &operator, http.MethodPost, "/api/admin/rewards", api.CreateRewardRequest{Title: "Free", Cost: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, &operator, http.MethodPut, "/api/admin/rewards/missing", map[string]any{"title": "X"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, &operator, http.MethodPost, "/api/admin/rewards", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_ListRedemptionsFilter(t *testing.T) {
	env := newEnv(t, nil, false)
	alice := env.createParticipant(t, "Alice", 100)
	bob := env.createParticipant(t, "Bob", 100)
	stickersID := env.createReward(t, "Stickers", 10, nil)

	for _, c := range []caller{alice, alice, bob} {
		rec := env.do(t, &c, http.MethodPost, "/api/me/redemptions", api.CreateRedemptionRequest{RewardID: stickersID})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	all := decode[[]api.RedemptionDTO](t, env.do(t, &operator, http.MethodGet, "/api/admin/redemptions", nil))
	require.Len(t, all, 3)
	assert.Equal(t, "Bob", all[0].ParticipantName, "newest first")

	rec := env.do(t, &operator, http.MethodPost, "/api/admin/redemptions/"+all[0].ID+"/transition",
		api.TransitionRequest{Status: "approved"})
	require.Equal(t, http.StatusOK, rec.Code)

	pending := decode[[]api.RedemptionDTO](t, env.do(t, &operator, http.MethodGet,
		"/api/admin/redemptions?status=pending&participant_id="+alice.id, nil))
	assert.Len(t, pending, 2)

	rec = env.do(t, &operator, http.MethodGet, "/api/admin/redemptions?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, &operator, http.MethodPost, "/api/admin/redemptions/"+all[0].ID+"/transition",
		api.TransitionRequest{Status: "cancelled"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// CSV
// =============================================================================

func TestImportCSV_Multipart(t *testing.T) {
	env := newEnv(t, nil, false)
	alice := env.createParticipant(t, "Alice", 0)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "points.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("email,delta,reason\nalice@example.com,40,Workshop\nghost@example.com,5,Nope\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/admin/import-csv", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(api.HeaderParticipantID, operatorID)
	req.Header.Set(api.HeaderParticipantRole, "operator")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.CSVImportResponse](t, rec)
	assert.Equal(t, 1, resp.Imported)
	assert.Len(t, resp.Errors, 1)
	assert.Equal(t, int64(40), env.balance(t, alice))
}

func TestImportCSV_RawBodyAndExport(t *testing.T) {
	env := newEnv(t, nil, false)
	env.createParticipant(t, "Alice", 10)

	rec := env.do(t, &operator, http.MethodPost, "/api/admin/import-csv", "email,delta,reason\nalice@example.com,5,Bonus\n")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[api.CSVImportResponse](t, rec).Imported)

	rec = env.do(t, &operator, http.MethodGet, "/api/admin/export-ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "ledger-export-")

	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, importer.ExportHeader, rows[0])
	assert.Equal(t, "Bonus", rows[1][4])
}

// brokenDirectoryStore fails participant listing, which the export needs.
type brokenDirectoryStore struct {
	*store.Memory
}

func (s brokenDirectoryStore) ListParticipants(ctx context.Context) ([]points.Participant, error) {
	return nil, errors.New("connection reset")
}

func TestExportLedger_FailureIsJSONError(t *testing.T) {
	// GIVEN: A store that cannot list participants
	// WHEN: An operator downloads the ledger export
	// THEN: A clean 500 JSON error, with no CSV headers or partial rows

	mem := store.NewMemory()
	svc := points.NewService(brokenDirectoryStore{mem})
	_, err := svc.Participants.Provision(context.Background(), points.ProvisionInput{
		Name: "Alice", Email: "alice@example.com", InitialPoints: 10,
	})
	require.NoError(t, err)
	router := api.NewRouter(api.NewHandler(svc, nil), api.RouterConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/admin/export-ledger", nil)
	req.Header.Set(api.HeaderParticipantID, operatorID)
	req.Header.Set(api.HeaderParticipantRole, "operator")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Content-Disposition"))
	resp := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, "Failed to export ledger", resp.Error)
	assert.Contains(t, resp.Details, "connection reset")
}

// =============================================================================
// SYNC
// =============================================================================

type fakeSyncer struct {
	kinds []points.SyncKind
	err   error
	runs  []points.SyncRun
}

func (f *fakeSyncer) Run(ctx context.Context, kind points.SyncKind) (*importer.Report, error) {
	f.kinds = append(f.kinds, kind)
	if f.err != nil {
		return nil, f.err
	}
	return &importer.Report{RunID: "run-1", Kind: kind, Fetched: 3, Synced: 2, Skipped: 1}, nil
}

func (f *fakeSyncer) Runs(ctx context.Context, limit int) ([]points.SyncRun, error) {
	return f.runs, nil
}

func TestSync(t *testing.T) {
	syncer := &fakeSyncer{runs: []points.SyncRun{{ID: "run-1", Kind: points.SyncFull, Status: points.SyncSuccess}}}
	env := newEnv(t, syncer, false)

	rec := env.do(t, &operator, http.MethodPost, "/api/admin/sync", map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[api.SyncReportDTO](t, rec)
	assert.Equal(t, "full", report.Kind, "defaults to full")
	assert.Equal(t, 2, report.Synced)

	rec = env.do(t, &operator, http.MethodPost, "/api/admin/sync", api.SyncRequest{Kind: "ledger"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []points.SyncKind{points.SyncFull, points.SyncLedger}, syncer.kinds)

	runs := decode[[]api.SyncRunDTO](t, env.do(t, &operator, http.MethodGet, "/api/admin/sync/runs", nil))
	require.Len(t, runs, 1)
	assert.Equal(t, "success", runs[0].Status)

	syncer.err = importer.ErrSyncInProgress
	rec = env.do(t, &operator, http.MethodPost, "/api/admin/sync", api.SyncRequest{Kind: "full"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSync_NotConfigured(t *testing.T) {
	env := newEnv(t, nil, false)

	rec := env.do(t, &operator, http.MethodPost, "/api/admin/sync", api.SyncRequest{Kind: "full"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	runs := decode[[]api.SyncRunDTO](t, env.do(t, &operator, http.MethodGet, "/api/admin/sync/runs", nil))
	assert.Empty(t, runs)
}
