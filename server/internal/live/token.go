package live

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// tokenResponse 是令牌服务签发临时令牌后返回的凭证
// 注意：这个令牌只能在短时间内用于建立实时会话连接，
// 不能替代长期 API Key，长期密钥永远不离开服务端
type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// TokenClient 封装令牌服务的"签发临时令牌"能力
// 设计目的：把长期密钥的使用限制在服务端，客户端只拿到短期凭证
type TokenClient struct {
	HTTPClient *http.Client
	APIKey     string
	BaseURL    string

	// 缓存：令牌在过期前可复用
	cached    string
	expiresAt time.Time
}

// Token 返回一个可用的临时令牌，未过期的缓存令牌直接复用
func (c *TokenClient) Token(ctx context.Context) (string, error) {
	// 留 30s 余量，避免拿到马上过期的令牌
	if c.cached != "" && time.Now().Add(30*time.Second).Before(c.expiresAt) {
		return c.cached, nil
	}

	if c.APIKey == "" {
		return "", errors.New("token api key is empty")
	}
	if c.BaseURL == "" {
		return "", errors.New("token base url is empty")
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	body, err := json.Marshal(map[string]string{"scope": "tutor-session"})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := c.BaseURL + "/v1/tokens"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// 读取少量错误信息便于调试，不把整段 body 透传给上层
		limited, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("token service: status=%d body=%s", resp.StatusCode, string(limited))
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("token service returned empty token")
	}

	c.cached = out.Token
	if out.ExpiresAt > 0 {
		c.expiresAt = time.Unix(out.ExpiresAt, 0)
	} else {
		c.expiresAt = time.Now().Add(time.Minute)
	}
	return out.Token, nil
}
