package byoc

import (
	"net/http"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
	"github.com/butlerdotdev/butler-registry/internal/httpserver"
	"github.com/butlerdotdev/butler-registry/internal/reqctx"
	"github.com/butlerdotdev/butler-registry/internal/store"
)

// RegistryAuth authenticates every request on the main API surface against a
// breg_ bearer token, stashing the owning team and token kind on the request
// context. Mount it on the "/v1" router; the "/byoc" router authenticates
// per-run instead, via Bridge.Authenticate.
func RegistryAuth(s *store.PostgresStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				token = r.Header.Get("X-Registry-Token")
			}
			kind, ok := KindOf(token)
			if !ok || kind != reqctx.TokenKindRegistry {
				httpserver.RespondError(w, r, apierror.Unauthorized("missing or malformed registry token"))
				return
			}
			record, err := s.GetRegistryTokenByHash(r.Context(), HashToken(token))
			if err != nil {
				httpserver.RespondError(w, r, apierror.Unauthorized("invalid or revoked registry token"))
				return
			}
			ctx := reqctx.WithTeam(r.Context(), record.Team)
			ctx = reqctx.WithTokenKind(ctx, reqctx.TokenKindRegistry)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
