package calendar

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTimeout はプロバイダー呼び出しのタイムアウト既定値。
const DefaultTimeout = 10 * time.Second

// httpClient はタイムアウト付きのHTTPクライアントを保持する。
// プロバイダー呼び出しは自動リトライしない。
type httpClient struct {
	base *http.Client
}

func newHTTPClient(c *http.Client, timeout time.Duration) *httpClient {
	if c == nil {
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c = &http.Client{Timeout: timeout}
	}
	return &httpClient{base: c}
}

// oauthContext はoauth2パッケージにHTTPクライアントを渡すためのcontextを返す。
func (c *httpClient) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.base)
}

// bearer はアクセストークンを付与するHTTPクライアントを返す。
func (c *httpClient) bearer(accessToken string) *http.Client {
	base := c.base.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Timeout: c.base.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   base,
		},
	}
}
