package auth

import "net/http"

func RegisterRoutes(mux *http.ServeMux, h *Handler, limiter *LoginRateLimiter) {
	bearer := func(fn http.HandlerFunc) http.Handler {
		return Middleware(h.service, fn)
	}

	mux.HandleFunc("POST /auth/register", h.Register)
	mux.Handle("POST /auth/login", limiter.Middleware(http.HandlerFunc(h.Login)))
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.HandleFunc("POST /auth/logout", h.Logout)
	mux.HandleFunc("POST /auth/password", h.ChangePassword)

	mux.Handle("GET /auth/sessions", bearer(h.ListSessions))
	mux.Handle("DELETE /auth/sessions", bearer(h.RevokeSession))
	mux.Handle("POST /auth/logout-all", bearer(h.LogoutEverywhere))
	mux.Handle("GET /auth/me", bearer(h.Me))

	mux.Handle("DELETE /admin/ip-blocks/{ip}", Middleware(h.service, RequireAdmin(http.HandlerFunc(h.UnblockIP))))
}
