package auth

import (
	"context"
	"net/http"
	"strings"
)

type principalKey struct{}

// Principal is the identity behind a verified access token.
type Principal struct {
	UserID string
	Role   Role
	User   *User
	Claims *AccessClaims
}

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(Principal)
	return principal, ok
}

// Middleware verifies the bearer access token and re-reads the account so
// tokens minted before a version bump stop working immediately.
func Middleware(service *Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			writeError(w, http.StatusUnauthorized, &Error{Kind: KindAuthentication, Code: CodeAccessTokenInvalid, Message: "missing authorization token"})
			return
		}

		scheme, tokenStr, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			writeError(w, http.StatusUnauthorized, &Error{Kind: KindAuthentication, Code: CodeAccessTokenInvalid, Message: "invalid authorization format"})
			return
		}

		claims, err := service.ParseAccessToken(strings.TrimSpace(tokenStr))
		if err != nil {
			writeError(w, http.StatusUnauthorized, ErrAccessTokenInvalid)
			return
		}

		user, err := service.CurrentUser(r.Context(), claims)
		if err != nil {
			if authErr, ok := AsError(err); ok {
				writeError(w, http.StatusUnauthorized, authErr)
				return
			}
			service.logger.Error("auth_principal_lookup_failed", map[string]any{"error": err, "path": r.URL.Path})
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			return
		}

		ctx := WithPrincipal(r.Context(), Principal{
			UserID: user.ID,
			Role:   user.Role,
			User:   user,
			Claims: claims,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole must run inside Middleware.
func RequireRole(next http.Handler, roles ...Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, ErrAccessTokenInvalid)
			return
		}
		for _, role := range roles {
			if principal.Role == role {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusForbidden, ErrForbidden)
	})
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, ErrAccessTokenInvalid)
			return
		}
		if !principal.Role.IsAdmin() {
			writeError(w, http.StatusForbidden, ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
