package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"libraai/internal/audit"
	"libraai/internal/catalog"
	"libraai/internal/circulation"
	"libraai/internal/membership"
	"libraai/internal/reconcile"
	"libraai/internal/storage/memory"
)

const testSecret = "test-secret"

type testEnv struct {
	handler http.Handler
	store   *memory.Store
	member  membership.Member
	book    catalog.Book
}

func newTestEnv(t *testing.T, perSecond float64, burst int) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	store := memory.NewStore()
	member := membership.Member{ID: uuid.New(), Email: "reader@example.com", IsActive: true, FineBalance: decimal.Zero}
	book := catalog.Book{ID: uuid.New(), Title: "Dune", TotalCopies: 1, AvailableCopies: 1}
	store.AddMember(member)
	store.AddBook(book)

	svc := circulation.NewService(circulation.Stores{Loans: store, Reservations: store, Books: store, Members: store}, logger)
	ledger := circulation.NewLedger(store, store, logger)
	auditor := audit.NewAuditor(logger)
	auditor.Register(audit.InvariantChecks(store, circulation.DefaultPolicy().MaxFinePerBook)...)

	h := NewRouter(Deps{
		Circulation: circulation.NewHandler(svc, ledger, logger),
		Reconciler:  reconcile.NewReconciler(store, logger),
		Auditor:     auditor,
		Auth:        NewAuthenticator(testSecret, logger),
		Limiter:     NewRateLimiter(perSecond, burst),
		Logger:      logger,
	})
	return &testEnv{handler: h, store: store, member: member, book: book}
}

func token(t *testing.T, secret string, method jwt.SigningMethod, sub string, admin bool) string {
	t.Helper()
	claims := Claims{
		IsAdmin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) do(method, path, bearer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthNeedsNoToken(t *testing.T) {
	e := newTestEnv(t, 10, 10)
	rec := e.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthReportsStorageFailure(t *testing.T) {
	logger := zap.NewNop()
	h := NewRouter(Deps{
		Auth:        NewAuthenticator(testSecret, logger),
		Limiter:     NewRateLimiter(1, 1),
		Health:      downPinger{},
		Logger:      logger,
		Circulation: circulation.NewHandler(nil, nil, logger),
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthentication(t *testing.T) {
	e := newTestEnv(t, 100, 100)
	valid := token(t, testSecret, jwt.SigningMethodHS256, e.member.ID.String(), false)

	cases := []struct {
		name   string
		bearer string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "not-a-token", http.StatusUnauthorized},
		{"wrong secret", token(t, "other", jwt.SigningMethodHS256, e.member.ID.String(), false), http.StatusUnauthorized},
		{"wrong algorithm", token(t, testSecret, jwt.SigningMethodHS512, e.member.ID.String(), false), http.StatusUnauthorized},
		{"subject not a uuid", token(t, testSecret, jwt.SigningMethodHS256, "alice", false), http.StatusUnauthorized},
		{"valid", valid, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := e.do(http.MethodGet, "/borrowings", tc.bearer, "")
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestBorrowThroughRouter(t *testing.T) {
	e := newTestEnv(t, 100, 100)
	bearer := token(t, testSecret, jwt.SigningMethodHS256, e.member.ID.String(), false)

	rec := e.do(http.MethodPost, "/borrowings", bearer, `{"book_id":"`+e.book.ID.String()+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do(http.MethodGet, "/fines/balance", bearer, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), e.member.ID.String())
}

func TestRateLimitPerMember(t *testing.T) {
	e := newTestEnv(t, 0.001, 2)
	first := token(t, testSecret, jwt.SigningMethodHS256, e.member.ID.String(), false)
	second := token(t, testSecret, jwt.SigningMethodHS256, uuid.NewString(), false)

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/borrowings", first, "").Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/borrowings", first, "").Code)
	limited := e.do(http.MethodGet, "/borrowings", first, "")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/borrowings", second, "").Code, "buckets are per member")
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	l := NewRateLimiter(1, 1)
	now := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	idle := uuid.New()
	require.True(t, l.Allow(idle))
	now = now.Add(limiterIdleTTL + time.Second)
	require.True(t, l.Allow(uuid.New()))

	l.mu.Lock()
	_, kept := l.visitors[idle]
	l.mu.Unlock()
	assert.False(t, kept)
}

func TestAdminRoutes(t *testing.T) {
	e := newTestEnv(t, 100, 100)
	member := token(t, testSecret, jwt.SigningMethodHS256, e.member.ID.String(), false)
	admin := token(t, testSecret, jwt.SigningMethodHS256, uuid.NewString(), true)

	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPost, "/admin/reconciliation/run", member, "").Code)

	rec := e.do(http.MethodGet, "/admin/audit/last", admin, "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "no audit yet")

	rec = e.do(http.MethodPost, "/admin/reconciliation/run", admin, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result reconcile.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Zero(t, result.UpdatedCount)

	rec = e.do(http.MethodPost, "/admin/audit/run", admin, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report audit.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Healthy())

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/admin/audit/last", admin, "").Code)
}

type busyReconciler struct{}

func (busyReconciler) Run(context.Context) (*reconcile.Result, error) {
	return nil, reconcile.ErrAlreadyRunning
}

func TestManualReconciliationWhileRunning(t *testing.T) {
	logger := zap.NewNop()
	h := NewRouter(Deps{
		Circulation: circulation.NewHandler(nil, nil, logger),
		Reconciler:  busyReconciler{},
		Auditor:     audit.NewAuditor(logger),
		Auth:        NewAuthenticator(testSecret, logger),
		Limiter:     NewRateLimiter(10, 10),
		Logger:      logger,
	})
	req := httptest.NewRequest(http.MethodPost, "/admin/reconciliation/run", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, testSecret, jwt.SigningMethodHS256, uuid.NewString(), true))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
