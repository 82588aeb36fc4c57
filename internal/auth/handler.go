package auth

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"newsfeed-backend/internal/clientip"
	"newsfeed-backend/internal/observability"
)

const (
	maxJSONBodyBytes  = 1 << 20
	RefreshCookieName = "refresh_token"
	deviceLabelHeader = "X-Device-Label"
)

type CookieConfig struct {
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

type Handler struct {
	service *Service
	logger  *observability.Logger
	cookie  CookieConfig
	now     func() time.Time
}

func NewHandler(service *Service, logger *observability.Logger, cookie CookieConfig) *Handler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if cookie.Path == "" {
		cookie.Path = "/auth"
	}
	if cookie.SameSite == 0 {
		cookie.SameSite = http.SameSiteStrictMode
	}
	return &Handler{service: service, logger: logger, cookie: cookie, now: time.Now}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  Code   `json:"code,omitempty"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body RegisterInput
	if !decodeJSON(w, r, &body, false) {
		return
	}

	result, err := h.service.Register(r.Context(), body, requestClient(r, ""))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.setRefreshCookie(w, result.Tokens)
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body LoginInput
	if !decodeJSON(w, r, &body, false) {
		return
	}

	tokens, err := h.service.Login(r.Context(), body, requestClient(r, cookieToken(r)))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.setRefreshCookie(w, tokens)
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw, ok := presentedRefreshToken(w, r)
	if !ok {
		return
	}

	tokens, err := h.service.Refresh(r.Context(), raw, requestClient(r, raw))
	if err != nil {
		if errors.Is(err, ErrRefreshTokenInvalid) {
			h.clearRefreshCookie(w)
		}
		h.respondError(w, r, err)
		return
	}

	h.setRefreshCookie(w, tokens)
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	raw, ok := presentedRefreshToken(w, r)
	if !ok {
		return
	}

	if err := h.service.Logout(r.Context(), raw, requestClient(r, raw)); err != nil {
		h.respondError(w, r, err)
		return
	}

	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var body ChangePasswordInput
	if !decodeJSON(w, r, &body, false) {
		return
	}

	tokens, err := h.service.ChangePassword(r.Context(), body, requestClient(r, cookieToken(r)))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.setRefreshCookie(w, tokens)
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrAccessTokenInvalid)
		return
	}

	sessions, err := h.service.ListActiveSessions(r.Context(), principal.UserID, requestClient(r, cookieToken(r)))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrAccessTokenInvalid)
		return
	}

	var body RevokeSessionInput
	if !decodeJSON(w, r, &body, false) {
		return
	}

	if err := h.service.RevokeSession(r.Context(), principal.UserID, body, requestClient(r, "")); err != nil {
		h.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) LogoutEverywhere(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrAccessTokenInvalid)
		return
	}

	revoked, err := h.service.LogoutEverywhere(r.Context(), principal.UserID, requestClient(r, ""))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"revoked_sessions": revoked})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrAccessTokenInvalid)
		return
	}
	writeJSON(w, http.StatusOK, principal.User.Summary())
}

func (h *Handler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if err := h.service.Unblock(r.Context(), ip); err != nil {
		h.respondError(w, r, err)
		return
	}

	if principal, ok := PrincipalFromContext(r.Context()); ok {
		h.logger.Info("ip_unblocked_by_admin", map[string]any{"ip": ip, "admin_id": principal.UserID})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	authErr, ok := AsError(err)
	if !ok {
		sentry.CaptureException(err)
		h.logger.Error("auth_request_failed", map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err,
		})
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}

	if authErr.Kind == KindRateLimited && !authErr.Until.IsZero() {
		retryAfter := int(math.Ceil(authErr.Until.Sub(h.now()).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	writeError(w, statusFor(authErr), authErr)
}

func statusFor(err *Error) int {
	switch err.Code {
	case CodeEmailInUse, CodeUsernameInUse:
		return http.StatusConflict
	case CodeUserNotFound, CodeSessionNotFound:
		return http.StatusNotFound
	case CodeIPBlocked:
		return http.StatusTooManyRequests
	case CodeForbidden:
		return http.StatusForbidden
	}

	switch err.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, tokens Tokens) {
	if tokens.RefreshToken == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    tokens.RefreshToken,
		Path:     h.cookie.Path,
		Domain:   h.cookie.Domain,
		Expires:  tokens.RefreshExpiresAt,
		MaxAge:   int(tokens.RefreshExpiresAt.Sub(h.now()).Seconds()),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: h.cookie.SameSite,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     h.cookie.Path,
		Domain:   h.cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: h.cookie.SameSite,
	})
}

func cookieToken(r *http.Request) string {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

// presentedRefreshToken reads the refresh cookie, falling back to a JSON
// body with a refresh_token field. An empty body is allowed.
func presentedRefreshToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	if raw := cookieToken(r); raw != "" {
		return raw, true
	}

	var body refreshRequest
	if !decodeJSON(w, r, &body, true) {
		return "", false
	}
	return strings.TrimSpace(body.RefreshToken), true
}

func requestClient(r *http.Request, refreshToken string) ClientInfo {
	return ClientInfo{
		IP:           clientip.FromRequest(r),
		UserAgent:    r.UserAgent(),
		DeviceLabel:  strings.TrimSpace(r.Header.Get(deviceLabelHeader)),
		RefreshToken: refreshToken,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, invalidRequest("invalid json body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err *Error) {
	writeJSON(w, status, errorBody{Error: err.Message, Code: err.Code})
}
