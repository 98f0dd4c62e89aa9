package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/ingredient-fusion/internal/fusion"
	"github.com/sells-group/ingredient-fusion/internal/ingredient"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	st, err := ingredient.NewSQLite(filepath.Join(t.TempDir(), "fusion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewRouter(fusion.New(st, fusion.DefaultConfig()), Options{
		CORSOrigins:       []string{"*"},
		ConflictThreshold: 0.6,
	})
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func resolveNew(t *testing.T, h http.Handler, req fusion.ResolveRequest) fusion.ResolveResult {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/v1/resolve", req)
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, rr.Code, rr.Body.String())
	return decodeBody[fusion.ResolveResult](t, rr)
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t)
	rr := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "ok", decodeBody[map[string]string](t, rr)["status"])
}

func TestResolve(t *testing.T) {
	h := newTestRouter(t)
	req := fusion.ResolveRequest{SourceSystem: "pinzhi", ExternalID: "12345", Name: "草鱼片", Category: "seafood"}

	rr := do(t, h, http.MethodPost, "/v1/resolve", req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	first := decodeBody[fusion.ResolveResult](t, rr)
	assert.True(t, first.IsNew)
	assert.Equal(t, ingredient.MethodNew, first.Method)

	rr = do(t, h, http.MethodPost, "/v1/resolve", req)
	require.Equal(t, http.StatusOK, rr.Code)
	again := decodeBody[fusion.ResolveResult](t, rr)
	assert.False(t, again.IsNew)
	assert.Equal(t, first.CanonicalID, again.CanonicalID)
	assert.Equal(t, ingredient.MethodExactID, again.Method)
}

func TestResolve_BadRequests(t *testing.T) {
	h := newTestRouter(t)
	tests := []struct {
		name string
		body any
	}{
		{"empty name", fusion.ResolveRequest{SourceSystem: "pinzhi", ExternalID: "1", Name: "  "}},
		{"bad source", fusion.ResolveRequest{SourceSystem: "pin zhi!", ExternalID: "1", Name: "葱"}},
		{"malformed json", `{"source_system":`},
		{"unknown field", `{"source_system":"pinzhi","external_id":"1","name":"葱","colour":"green"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/v1/resolve", tc.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.NotEmpty(t, decodeBody[map[string]string](t, rr)["error"])
		})
	}
}

func TestResolveBatch(t *testing.T) {
	h := newTestRouter(t)
	body := map[string]any{"items": []fusion.ResolveRequest{
		{SourceSystem: "pinzhi", ExternalID: "1", Name: "葱"},
		{SourceSystem: "pinzhi", ExternalID: "", Name: "姜"},
		{SourceSystem: "meituan", ExternalID: "m1", Name: "葱"},
	}}

	rr := do(t, h, http.MethodPost, "/v1/resolve/batch", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decodeBody[batchResponse](t, rr)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 3)
	assert.NotEmpty(t, resp.Results[1].Error)
	assert.Equal(t, resp.Results[0].Result.CanonicalID, resp.Results[2].Result.CanonicalID)
}

func TestGetAndList(t *testing.T) {
	h := newTestRouter(t)
	a := resolveNew(t, h, fusion.ResolveRequest{SourceSystem: "pinzhi", ExternalID: "1", Name: "葱", Category: "veg"})
	resolveNew(t, h, fusion.ResolveRequest{SourceSystem: "pinzhi", ExternalID: "2", Name: "牛腩", Category: "meat"})

	rr := do(t, h, http.MethodGet, "/v1/ingredients/"+a.CanonicalID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rec := decodeBody[ingredient.CanonicalIngredient](t, rr)
	assert.Equal(t, "葱", rec.CanonicalName)
	assert.Equal(t, "1", rec.ExternalIDs["pinzhi"])

	rr = do(t, h, http.MethodGet, "/v1/ingredients/ING-GEN-000000", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/ingredients?category=veg", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decodeBody[fusion.Page](t, rr)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, fusion.DefaultPageSize, page.PageSize)

	rr = do(t, h, http.MethodGet, "/v1/ingredients?page_size=1&page=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page = decodeBody[fusion.Page](t, rr)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Items, 1)

	rr = do(t, h, http.MethodGet, "/v1/ingredients?page_size=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, h, http.MethodGet, "/v1/ingredients?page_size=501", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestConflictWorkflow(t *testing.T) {
	h := newTestRouter(t)
	a := resolveNew(t, h, fusion.ResolveRequest{SourceSystem: "pinzhi", ExternalID: "1", Name: "草鱼片", Cost: ptr(3500), SubmittedBy: "alice"})
	b := resolveNew(t, h, fusion.ResolveRequest{SourceSystem: "meituan", ExternalID: "m1", Name: "草鱼片", Cost: ptr(7000)})
	require.Equal(t, a.CanonicalID, b.CanonicalID)

	rr := do(t, h, http.MethodGet, "/v1/conflicts", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var conflicts struct {
		Items     []ingredient.CanonicalIngredient `json:"items"`
		Threshold float64                          `json:"threshold"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &conflicts))
	assert.InDelta(t, 0.6, conflicts.Threshold, 1e-9)
	require.Len(t, conflicts.Items, 1)
	assert.True(t, conflicts.Items[0].ConflictFlag)

	rr = do(t, h, http.MethodGet, "/v1/conflicts?threshold=2", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, h, http.MethodGet, "/v1/conflicts?threshold=x", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/ingredients/"+a.CanonicalID+"/resolve-conflict", resolveConflictRequest{Operator: "ops", Note: "checked invoice"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.False(t, decodeBody[ingredient.CanonicalIngredient](t, rr).ConflictFlag)

	rr = do(t, h, http.MethodGet, "/v1/conflicts?threshold=0", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &conflicts))
	assert.Empty(t, conflicts.Items)
}

func TestUpdateCost(t *testing.T) {
	h := newTestRouter(t)
	a := resolveNew(t, h, fusion.ResolveRequest{SourceSystem: "pinzhi", ExternalID: "1", Name: "牛腩"})

	rr := do(t, h, http.MethodPut, "/v1/ingredients/"+a.CanonicalID+"/costs/supplier_invoice", map[string]any{"cost": 42.5})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rec := decodeBody[ingredient.CanonicalIngredient](t, rr)
	require.Contains(t, rec.SourceCosts, "supplier_invoice")
	require.NotNil(t, rec.CanonicalCost)
	assert.InDelta(t, 42.5, *rec.CanonicalCost, 1e-9)

	rr = do(t, h, http.MethodPut, "/v1/ingredients/"+a.CanonicalID+"/costs/supplier_invoice", map[string]any{"cost": -1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPut, "/v1/ingredients/ING-GEN-000000/costs/pinzhi", map[string]any{"cost": 1})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRename(t *testing.T) {
	h := newTestRouter(t)
	a := resolveNew(t, h, fusion.ResolveRequest{SourceSystem: "pinzhi", ExternalID: "1", Name: "草鱼片", SubmittedBy: "alice"})

	rr := do(t, h, http.MethodPost, "/v1/ingredients/"+a.CanonicalID+"/rename", renameRequest{Name: "鲜草鱼片", Operator: "bob"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/ingredients/"+a.CanonicalID+"/rename", renameRequest{Name: "鲜草鱼片", Operator: "alice"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "鲜草鱼片", decodeBody[ingredient.CanonicalIngredient](t, rr).CanonicalName)
}

func TestMergeAndAudit(t *testing.T) {
	h := newTestRouter(t)
	a := resolveNew(t, h, fusion.ResolveRequest{SourceSystem: "pinzhi", ExternalID: "1", Name: "葱", Category: "veg"})
	b := resolveNew(t, h, fusion.ResolveRequest{SourceSystem: "meituan", ExternalID: "m1", Name: "青葱", Category: "veg"})
	require.NotEqual(t, a.CanonicalID, b.CanonicalID)

	rr := do(t, h, http.MethodPost, "/v1/merge", mergeRequest{KeepID: a.CanonicalID, MergeID: b.CanonicalID, Operator: ""})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/merge", mergeRequest{KeepID: a.CanonicalID, MergeID: b.CanonicalID, Reason: "same", Operator: "ops"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	kept := decodeBody[ingredient.CanonicalIngredient](t, rr)
	assert.Contains(t, kept.MergeOf, b.CanonicalID)
	assert.Equal(t, "m1", kept.ExternalIDs["meituan"])

	rr = do(t, h, http.MethodGet, "/v1/ingredients/"+b.CanonicalID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/merge", mergeRequest{KeepID: a.CanonicalID, MergeID: b.CanonicalID, Operator: "ops"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/audit?canonical_id="+a.CanonicalID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var audit struct {
		Items []ingredient.AuditEntry `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &audit))
	require.NotEmpty(t, audit.Items)
	assert.Equal(t, ingredient.ActionMerge, audit.Items[0].Action)

	rr = do(t, h, http.MethodGet, "/v1/audit?source_system=meituan&limit=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &audit))
	assert.Len(t, audit.Items, 1)

	rr = do(t, h, http.MethodGet, "/v1/audit?limit=ten", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestRouter(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/resolve", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

type failingService struct {
	Service
	err error
}

func (s failingService) GetMapping(context.Context, string) (*ingredient.CanonicalIngredient, error) {
	return nil, s.err
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{eris.Wrap(ingredient.ErrInvalidInput, "x"), http.StatusBadRequest},
		{eris.Wrap(ingredient.ErrNotFound, "x"), http.StatusNotFound},
		{eris.Wrap(ingredient.ErrForbidden, "x"), http.StatusForbidden},
		{eris.Wrap(ingredient.ErrIdentityConflict, "x"), http.StatusConflict},
		{eris.Wrap(ingredient.ErrUnavailable, "x"), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{eris.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, StatusCode(tc.err), tc.err.Error())
	}
}

func TestUnavailableStore(t *testing.T) {
	h := NewRouter(failingService{err: eris.Wrap(ingredient.ErrUnavailable, "pool closed")}, Options{})
	rr := do(t, h, http.MethodGet, "/v1/ingredients/ING-GEN-000000", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "unavailable")
}

func ptr(v float64) *float64 { return &v }
