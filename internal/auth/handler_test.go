package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsfeed-backend/internal/clientip"
)

type httpEnv struct {
	*testEnv
	handler *Handler
	server  http.Handler
}

// newHTTPEnv serves the auth routes behind a resolver that trusts the
// httptest peer address, so tests pick the caller ip via X-Forwarded-For.
func newHTTPEnv(t *testing.T) *httpEnv {
	t.Helper()
	return newHTTPEnvWithProxies(t, "192.0.2.0/24")
}

func newHTTPEnvWithProxies(t *testing.T, trustedProxies ...string) *httpEnv {
	t.Helper()
	env := newTestEnv(t)
	handler := NewHandler(env.service, nil, CookieConfig{Secure: true})
	handler.now = env.clock.Now

	limiter := NewLoginRateLimiter(1000, time.Minute)
	mux := http.NewServeMux()
	RegisterRoutes(mux, handler, limiter)

	resolver, err := clientip.NewResolver(trustedProxies)
	require.NoError(t, err)
	return &httpEnv{testEnv: env, handler: handler, server: clientip.Middleware(resolver, mux)}
}

type requestOption func(*http.Request)

func withCookie(value string) requestOption {
	return func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: value})
	}
}

func withBearer(token string) requestOption {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

func fromIP(ip string) requestOption {
	return func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", ip)
	}
}

func (e *httpEnv) do(method, path string, body any, opts ...requestOption) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		encoded, _ := json.Marshal(b)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Firefox")
	for _, opt := range opts {
		opt(req)
	}

	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func refreshCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == RefreshCookieName {
			return c
		}
	}
	t.Fatalf("response has no %s cookie", RefreshCookieName)
	return nil
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

var registerBody = map[string]string{
	"email":     readerEmail,
	"username":  "reader",
	"password":  readerPassword,
	"birthdate": "1990-04-02",
}

var loginBody = map[string]string{"email": readerEmail, "password": readerPassword}

func TestHandlerRegister(t *testing.T) {
	env := newHTTPEnv(t)

	rec := env.do(http.MethodPost, "/auth/register", registerBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	cookie := refreshCookie(t, rec)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, "/auth", cookie.Path)
	assert.NotEmpty(t, cookie.Value)

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, readerEmail, body["user"]["email"])
	assert.NotEmpty(t, body["tokens"]["access_token"])
	assert.NotContains(t, body["tokens"], "refresh_token")

	rec = env.do(http.MethodPost, "/auth/register", registerBody)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeEmailInUse, decodeError(t, rec).Code)

	rec = env.do(http.MethodPost, "/auth/register", `{"email":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidRequest, decodeError(t, rec).Code)

	rec = env.do(http.MethodPost, "/auth/register", map[string]string{
		"email": "new@example.com", "username": "newbie", "password": readerPassword,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeBirthdateRequired, decodeError(t, rec).Code)
}

func TestHandlerLoginFailuresAndBlock(t *testing.T) {
	env := newHTTPEnv(t)
	env.do(http.MethodPost, "/auth/register", registerBody)

	rec := env.do(http.MethodPost, "/auth/login", map[string]string{"email": "ghost@example.com", "password": readerPassword})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeUserNotFound, decodeError(t, rec).Code)

	wrong := map[string]string{"email": readerEmail, "password": wrongPassword}
	for i := 0; i < 4; i++ {
		rec = env.do(http.MethodPost, "/auth/login", wrong)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, CodeInvalidPassword, decodeError(t, rec).Code)
	}

	rec = env.do(http.MethodPost, "/auth/login", wrong)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeIPBlocked, decodeError(t, rec).Code)
	assert.Equal(t, "600", rec.Header().Get("Retry-After"))

	rec = env.do(http.MethodPost, "/auth/login", loginBody)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = env.do(http.MethodPost, "/auth/login", loginBody, fromIP("198.51.100.2"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerRefreshRotatesCookie(t *testing.T) {
	env := newHTTPEnv(t)
	registered := refreshCookie(t, env.do(http.MethodPost, "/auth/register", registerBody))

	rec := env.do(http.MethodPost, "/auth/refresh", nil, withCookie(registered.Value))
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := refreshCookie(t, rec)
	assert.NotEqual(t, registered.Value, rotated.Value)

	rec = env.do(http.MethodPost, "/auth/refresh", nil, withCookie(registered.Value))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeRefreshTokenInvalid, decodeError(t, rec).Code)
	assert.Equal(t, -1, refreshCookie(t, rec).MaxAge)

	rec = env.do(http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": rotated.Value})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/auth/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeRefreshTokenMissing, decodeError(t, rec).Code)
}

func TestHandlerLogout(t *testing.T) {
	env := newHTTPEnv(t)
	registered := refreshCookie(t, env.do(http.MethodPost, "/auth/register", registerBody))

	rec := env.do(http.MethodPost, "/auth/logout", nil, withCookie(registered.Value))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, -1, refreshCookie(t, rec).MaxAge)

	rec = env.do(http.MethodPost, "/auth/refresh", nil, withCookie(registered.Value))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerChangePassword(t *testing.T) {
	env := newHTTPEnv(t)
	registered := refreshCookie(t, env.do(http.MethodPost, "/auth/register", registerBody))

	rec := env.do(http.MethodPost, "/auth/password", map[string]string{
		"email": readerEmail, "old_password": readerPassword, "new_password": readerPassword,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodePasswordUnchanged, decodeError(t, rec).Code)

	rec = env.do(http.MethodPost, "/auth/password", map[string]string{
		"email": readerEmail, "old_password": readerPassword, "new_password": "a-brand-new-secret",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	refreshCookie(t, rec)

	rec = env.do(http.MethodPost, "/auth/refresh", nil, withCookie(registered.Value))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func accessToken(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var tokens struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
	require.NotEmpty(t, tokens.AccessToken)
	return tokens.AccessToken
}

func TestHandlerSessions(t *testing.T) {
	env := newHTTPEnv(t)
	registered := refreshCookie(t, env.do(http.MethodPost, "/auth/register", registerBody))
	access := accessToken(t, env.do(http.MethodPost, "/auth/login", loginBody, fromIP("198.51.100.2")))

	rec := env.do(http.MethodGet, "/auth/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/auth/sessions", nil, withBearer(access), withCookie(registered.Value))
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Sessions, 2)
	current := 0
	for _, s := range listed.Sessions {
		if s.Current {
			current++
		}
	}
	assert.Equal(t, 1, current)

	rec = env.do(http.MethodDelete, "/auth/sessions", map[string]string{"ip": "198.51.100.2", "user_agent": "Firefox"}, withBearer(access))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(http.MethodDelete, "/auth/sessions", map[string]string{"ip": "198.51.100.2", "user_agent": "Firefox"}, withBearer(access))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeSessionNotFound, decodeError(t, rec).Code)
}

func TestHandlerMeAndLogoutEverywhere(t *testing.T) {
	env := newHTTPEnv(t)
	env.do(http.MethodPost, "/auth/register", registerBody)
	access := accessToken(t, env.do(http.MethodPost, "/auth/login", loginBody))

	rec := env.do(http.MethodGet, "/auth/me", nil, withBearer(access))
	require.Equal(t, http.StatusOK, rec.Code)
	var me UserSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, readerEmail, me.Email)

	rec = env.do(http.MethodPost, "/auth/logout-all", nil, withBearer(access))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"revoked_sessions":2`)

	rec = env.do(http.MethodGet, "/auth/me", nil, withBearer(access))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeAccessTokenInvalid, decodeError(t, rec).Code)

	rec = env.do(http.MethodGet, "/auth/me", nil, func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerAdminUnblock(t *testing.T) {
	env := newHTTPEnv(t)
	ctx := context.Background()
	env.do(http.MethodPost, "/auth/register", registerBody)
	require.NoError(t, env.service.EnsureAdmin(ctx, "admin@example.com", "admin", "admin-password"))

	userAccess := accessToken(t, env.do(http.MethodPost, "/auth/login", loginBody))
	adminAccess := accessToken(t, env.do(http.MethodPost, "/auth/login",
		map[string]string{"email": "admin@example.com", "password": "admin-password"}))

	require.NoError(t, env.store.ReplaceIPBlock(ctx, IPBlock{IP: "203.0.113.9", BlockedUntil: env.clock.Now().Add(time.Hour)}))

	rec := env.do(http.MethodDelete, "/admin/ip-blocks/203.0.113.9", nil, withBearer(userAccess))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeForbidden, decodeError(t, rec).Code)

	rec = env.do(http.MethodDelete, "/admin/ip-blocks/203.0.113.9", nil, withBearer(adminAccess))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	blocked, _, err := env.tracker.IsBlocked(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.False(t, blocked)
}

type brokenUserStore struct {
	*memoryStore
}

func (brokenUserStore) GetUserByEmail(context.Context, string) (*User, error) {
	return nil, errors.New("connection refused")
}

func TestHandlerInternalErrorIsOpaque(t *testing.T) {
	env := newHTTPEnv(t)
	env.service.users = brokenUserStore{env.store}

	rec := env.do(http.MethodPost, "/auth/login", loginBody)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decodeError(t, rec).Error)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestLoginRateLimiter(t *testing.T) {
	limiter := NewLoginRateLimiter(2, time.Minute)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	calls := 0
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader("{}"))
		req.RemoteAddr = ip + ":5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("203.0.113.7").Code)
	assert.Equal(t, http.StatusOK, send("203.0.113.7").Code)

	rec := send("203.0.113.7")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"code":14`)

	assert.Equal(t, http.StatusOK, send("198.51.100.2").Code)

	now = now.Add(30 * time.Second)
	assert.Equal(t, http.StatusOK, send("203.0.113.7").Code)
	assert.Equal(t, 4, calls)
}

func TestStatusFor(t *testing.T) {
	cases := map[*Error]int{
		invalidRequest("x"):    http.StatusBadRequest,
		ErrEmailInUse:          http.StatusConflict,
		ErrUsernameInUse:       http.StatusConflict,
		ErrBirthdateRequired:   http.StatusBadRequest,
		ErrUserNotFound:        http.StatusNotFound,
		ErrInvalidPassword:     http.StatusUnauthorized,
		ErrIPBlocked:           http.StatusTooManyRequests,
		ErrRefreshTokenMissing: http.StatusUnauthorized,
		ErrRefreshTokenInvalid: http.StatusUnauthorized,
		ErrSessionNotFound:     http.StatusNotFound,
		ErrAccessTokenInvalid:  http.StatusUnauthorized,
		ErrForbidden:           http.StatusForbidden,
		ErrPasswordUnchanged:   http.StatusBadRequest,
		ErrTooManyRequests:     http.StatusTooManyRequests,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Message)
	}
}

func TestHandlerForwardedForFromUntrustedPeerIsIgnored(t *testing.T) {
	env := newHTTPEnvWithProxies(t)
	env.do(http.MethodPost, "/auth/register", registerBody)

	wrong := map[string]string{"email": readerEmail, "password": wrongPassword}
	for i := 0; i < 4; i++ {
		rec := env.do(http.MethodPost, "/auth/login", wrong, fromIP(fmt.Sprintf("198.51.100.%d", i+10)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := env.do(http.MethodPost, "/auth/login", wrong, fromIP("198.51.100.99"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeIPBlocked, decodeError(t, rec).Code)

	blocked, _, err := env.tracker.IsBlocked(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, _, err = env.tracker.IsBlocked(context.Background(), "198.51.100.99")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestHandlerForwardedForFromTrustedProxyIsUsed(t *testing.T) {
	env := newHTTPEnv(t)
	env.do(http.MethodPost, "/auth/register", registerBody)

	wrong := map[string]string{"email": readerEmail, "password": wrongPassword}
	for i := 0; i < 5; i++ {
		env.do(http.MethodPost, "/auth/login", wrong, fromIP("203.0.113.40"))
	}

	rec := env.do(http.MethodPost, "/auth/login", loginBody, fromIP("203.0.113.40"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = env.do(http.MethodPost, "/auth/login", loginBody, func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "203.0.113.40, 198.51.100.2")
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}
