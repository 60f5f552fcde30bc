package remote

import (
	"context"
	"log/slog"

	"golang.org/x/oauth2"
)

// TokenSessionProvider adapts an oauth2.TokenSource to both the engine's
// sync.SessionProvider and this package's TokenSource. One token source
// answers the orchestrator's session check and authenticates every
// request, so the two can never disagree.
type TokenSessionProvider struct {
	source oauth2.TokenSource
	logger *slog.Logger
}

// NewTokenSessionProvider wraps source. Pass an oauth2.ReuseTokenSource
// so silent refresh happens at most once per expiry.
func NewTokenSessionProvider(source oauth2.TokenSource, logger *slog.Logger) *TokenSessionProvider {
	if logger == nil {
		logger = slog.Default()
	}

	return &TokenSessionProvider{source: source, logger: logger}
}

// IsValid reports whether a usable token is available, refreshing
// silently if the source supports it. It never blocks on user
// interaction.
func (p *TokenSessionProvider) IsValid(ctx context.Context) bool {
	tok, err := p.source.Token()
	if err != nil {
		p.logger.Warn("session check failed", slog.String("error", err.Error()))
		return false
	}

	return tok.Valid()
}

// Token returns the current bearer token for request authentication.
func (p *TokenSessionProvider) Token() (string, error) {
	tok, err := p.source.Token()
	if err != nil {
		return "", err
	}

	return tok.AccessToken, nil
}
