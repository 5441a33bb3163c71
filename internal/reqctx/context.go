// Package reqctx carries request-scoped values — the acting team and the
// authenticated token's kind — that handlers and domain packages need
// without threading them through every function signature.
package reqctx

import "context"

type ctxKey string

const (
	teamKey      ctxKey = "team"
	tokenKindKey ctxKey = "token_kind"
)

// TokenKind identifies which of the two mutually exclusive token schemes
// authenticated the current request.
type TokenKind string

const (
	TokenKindRegistry TokenKind = "registry" // breg_ prefixed
	TokenKindCallback TokenKind = "callback" // brce_ prefixed
)

// WithTeam returns a context carrying the acting team.
func WithTeam(ctx context.Context, team string) context.Context {
	return context.WithValue(ctx, teamKey, team)
}

// Team returns the acting team stashed by WithTeam, or "" if none.
func Team(ctx context.Context) string {
	team, _ := ctx.Value(teamKey).(string)
	return team
}

// WithTokenKind returns a context carrying which token scheme authenticated
// the request.
func WithTokenKind(ctx context.Context, kind TokenKind) context.Context {
	return context.WithValue(ctx, tokenKindKey, kind)
}

// TokenKindFrom returns the token kind stashed by WithTokenKind, or "" if none.
func TokenKindFrom(ctx context.Context) TokenKind {
	kind, _ := ctx.Value(tokenKindKey).(TokenKind)
	return kind
}
