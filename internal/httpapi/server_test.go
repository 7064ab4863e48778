package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensekeeper/internal/httpapi"
	"licensekeeper/internal/manage"
	"licensekeeper/internal/metrics"
	"licensekeeper/internal/owner"
	"licensekeeper/internal/store"
	"licensekeeper/internal/verify"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	aliceToken = "alice-secret"
	bobToken   = "bob-secret"
)

type fixture struct {
	handler http.Handler
	store   store.Store
	clock   *quartz.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.OpenBBolt(filepath.Join(t.TempDir(), "api.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	dir, err := owner.NewStaticDirectory([]owner.Owner{
		{ID: 1, Name: "alice", TokenSHA256: owner.HashToken(aliceToken)},
		{ID: 2, Name: "bob", TokenSHA256: owner.HashToken(bobToken)},
	})
	require.NoError(t, err)

	clock := quartz.NewMock(t)
	clock.Set(epoch)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	logger := zerolog.Nop()

	api := httpapi.New(
		verify.New(st, clock, logger, m),
		manage.New(st, clock, logger, manage.WithMetrics(m), manage.WithMaxLimit(50)),
		dir,
		logger,
		httpapi.WithGatherer(reg),
		httpapi.WithRequestTimeout(5*time.Second),
	)
	return &fixture{handler: api.Handler(), store: st, clock: clock}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type detail struct {
	Detail string `json:"detail"`
	Errors []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (f *fixture) createLicense(t *testing.T, token string, body map[string]any) store.License {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/licenses", token, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[store.License](t, rec)
}

func TestHealthAndRoot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Welcome")
}

func TestVerifyEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	lic := f.createLicense(t, aliceToken, map[string]any{
		"expires_at":  epoch.Add(time.Hour),
		"allowed_ips": "1.2.3.4, 5.6.7.8",
	})

	rec := f.do(t, http.MethodPost, "/licenses/verify", "", map[string]any{
		"license_key": lic.Key, "machine_id": "m1", "ip_address": "5.6.7.8",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ok struct {
		Valid     bool      `json:"valid"`
		ExpiresAt time.Time `json:"expires_at"`
		Message   string    `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ok))
	assert.True(t, ok.Valid)
	assert.Equal(t, "License is valid", ok.Message)
	assert.True(t, ok.ExpiresAt.Equal(epoch.Add(time.Hour)))

	rec = f.do(t, http.MethodPost, "/licenses/verify", "", map[string]any{
		"license_key": lic.Key, "machine_id": "m1", "ip_address": "9.9.9.9",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "IP address not allowed for this license", decode[detail](t, rec).Detail)

	rec = f.do(t, http.MethodPost, "/licenses/verify", "", map[string]any{
		"license_key": "LK-UNKNOWN", "machine_id": "m1",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Invalid or inactive license", decode[detail](t, rec).Detail)

	f.clock.Set(epoch.Add(time.Hour))
	rec = f.do(t, http.MethodPost, "/licenses/verify", "", map[string]any{
		"license_key": lic.Key, "machine_id": "m1",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "License has expired", decode[detail](t, rec).Detail)
}

func TestVerifyValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/licenses/verify", "", map[string]any{"license_key": "LK-X"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[detail](t, rec)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "machine_id", body.Errors[0].Field)
	assert.Equal(t, "field required", body.Errors[0].Message)

	rec = f.do(t, http.MethodPost, "/licenses/verify", "", "{not json")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/licenses/verify", "", map[string]any{"license_key": "  ", "machine_id": "m"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "license_key", decode[detail](t, rec).Errors[0].Field)
}

func TestOwnerAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, token := range []string{"", "wrong"} {
		rec := f.do(t, http.MethodGet, "/licenses", token, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Not authenticated", decode[detail](t, rec).Detail)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	}

	req := httptest.NewRequest(http.MethodGet, "/licenses", nil)
	req.Header.Set("Authorization", "Basic "+aliceToken)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLicenseLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		lic := f.createLicense(t, aliceToken, map[string]any{"expires_at": epoch.Add(24 * time.Hour)})
		assert.Equal(t, int64(1), lic.OwnerID)
		assert.True(t, lic.IsActive)
		assert.Nil(t, lic.AllowedIPs)
		ids = append(ids, lic.ID)
	}
	f.createLicense(t, bobToken, map[string]any{"expires_at": epoch.Add(24 * time.Hour)})

	rec := f.do(t, http.MethodGet, "/licenses?skip=1&limit=1", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[[]store.License](t, rec)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].ID)
	assert.NotEmpty(t, page[0].Key)

	rec = f.do(t, http.MethodGet, "/licenses?limit=-1", aliceToken, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = f.do(t, http.MethodGet, "/licenses?skip=abc", aliceToken, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Bob cannot see or touch Alice's license.
	path := "/licenses/" + jsonID(ids[0])
	rec = f.do(t, http.MethodGet, path, bobToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPatch, path, bobToken, map[string]any{"is_active": false})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPatch, path, aliceToken, map[string]any{"is_active": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[store.License](t, rec).IsActive)

	rec = f.do(t, http.MethodPatch, path, aliceToken, map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodGet, "/licenses/nope", aliceToken, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestListActivationsEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	lic := f.createLicense(t, aliceToken, map[string]any{"expires_at": epoch.Add(time.Hour)})
	for _, m := range []string{"m1", "m2", "m1"} {
		rec := f.do(t, http.MethodPost, "/licenses/verify", "", map[string]any{"license_key": lic.Key, "machine_id": m})
		require.Equal(t, http.StatusOK, rec.Code)
		f.clock.Advance(time.Second)
	}

	rec := f.do(t, http.MethodGet, "/licenses/"+jsonID(lic.ID)+"/activations", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	acts := decode[[]store.Activation](t, rec)
	require.Len(t, acts, 2)
	assert.Equal(t, "m1", acts[0].MachineID)
	assert.True(t, acts[0].LastCheckIn.After(acts[0].ActivatedAt))
}

func TestCreateLicenseValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/licenses", aliceToken, map[string]any{"allowed_ips": "1.1.1.1"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "expires_at", decode[detail](t, rec).Errors[0].Field)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.do(t, http.MethodPost, "/licenses/verify", "", map[string]any{"license_key": "LK-NONE", "machine_id": "m"})
	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `licensekeeper_verifications_total{outcome="not_found"} 1`)
}

func jsonID(id int64) string {
	raw, _ := json.Marshal(id)
	return string(raw)
}
