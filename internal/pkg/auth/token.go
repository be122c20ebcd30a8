package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/qs3c/reportflow/config"
	"github.com/qs3c/reportflow/internal/pkg/jwt"
)

// ErrNoToken 拿不到令牌
var ErrNoToken = errors.New("no auth token available")

// TokenSupplier 每次请求前调用，返回新令牌。令牌会在长时间分析中过期，调用方不得缓存。
type TokenSupplier func(ctx context.Context) (string, error)

// Static 固定令牌（测试或手动粘贴的 token）
func Static(token string) TokenSupplier {
	return func(ctx context.Context) (string, error) {
		if token == "" {
			return "", ErrNoToken
		}
		return token, nil
	}
}

// FromOAuth2 从身份提供方的 TokenSource 取令牌，过期时由 TokenSource 自行刷新
func FromOAuth2(src oauth2.TokenSource) TokenSupplier {
	return func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		tok, err := src.Token()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoToken, err)
		}
		if tok.AccessToken == "" {
			return "", ErrNoToken
		}
		return tok.AccessToken, nil
	}
}

// ClientCredentials 机器对机器的令牌
func ClientCredentials(ctx context.Context, clientID, clientSecret, tokenURL string, scopes []string) TokenSupplier {
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return FromOAuth2(cc.TokenSource(ctx))
}

// JWTSigner 开发模式：用共享密钥为每次请求签一个短期令牌
func JWTSigner(userID int64, secret string, ttl time.Duration) TokenSupplier {
	return func(ctx context.Context) (string, error) {
		token, err := jwt.GenerateTokenTTL(userID, secret, ttl)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoToken, err)
		}
		return token, nil
	}
}

// NewFromConfig 按配置选择令牌来源
func NewFromConfig(ctx context.Context, cfg *config.AuthConfig) (TokenSupplier, error) {
	switch cfg.Mode {
	case "", "static":
		return Static(cfg.Token), nil
	case "jwt":
		ttl := cfg.TokenTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		return JWTSigner(cfg.UserID, cfg.Secret, ttl), nil
	case "oauth2":
		if cfg.TokenURL == "" {
			return nil, fmt.Errorf("auth.token_url is required for oauth2 mode")
		}
		return ClientCredentials(ctx, cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, cfg.Scopes), nil
	}
	return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
}
