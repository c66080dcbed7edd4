package idp

import (
	"fmt"

	"github.com/dgellow/qrlogin/internal/config"
)

// NewProvider creates a Provider based on the ProviderConfig.
func NewProvider(cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Kind {
	case config.ProviderKindWeChat, "":
		return NewWeChatProvider(WeChatConfig{
			AppID:            cfg.AppID,
			AppSecret:        string(cfg.AppSecret),
			RedirectURI:      cfg.RedirectURI,
			Scopes:           cfg.Scopes,
			AuthorizationURL: cfg.AuthorizationURL,
			TokenURL:         cfg.TokenURL,
			UserInfoURL:      cfg.UserInfoURL,
		}), nil

	case config.ProviderKindOAuth2:
		return NewOAuth2Provider(OAuth2Config{
			AuthorizationURL: cfg.AuthorizationURL,
			TokenURL:         cfg.TokenURL,
			UserInfoURL:      cfg.UserInfoURL,
			ClientID:         cfg.AppID,
			ClientSecret:     string(cfg.AppSecret),
			RedirectURI:      cfg.RedirectURI,
			Scopes:           cfg.Scopes,
		})

	default:
		return nil, fmt.Errorf("unknown provider kind: %s", cfg.Kind)
	}
}
