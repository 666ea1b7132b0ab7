package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultTimeout はプロバイダAPIのHTTPタイムアウト。
	defaultTimeout = 10 * time.Second
	// maxResponseSize はレスポンスボディの最大サイズ。
	maxResponseSize = 1 << 20 // 1MB
)

// SMSClient はSMSレンタルプロバイダAPIのクライアント。
// プロバイダ側のレート制限に合わせて全リクエストをrate.Limiterで
// ペーシングする。ブレーカーによる遮断とは独立した送信側の自制で、
// プロバイダへのバースト送信を防ぐ。
type SMSClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	name       string
	baseURL    string // テスト用にエンドポイントを差し替え可能
	apiKey     string
}

// SMSClientConfig はSMSClientの設定。
type SMSClientConfig struct {
	Name        string
	BaseURL     string
	APIKey      string
	APIInterval time.Duration // リクエスト間の最小間隔
}

// NewSMSClient はSMSClientの新しいインスタンスを生成する。
func NewSMSClient(cfg SMSClientConfig, logger *slog.Logger) *SMSClient {
	interval := cfg.APIInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &SMSClient{
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		logger:     logger,
		name:       cfg.Name,
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
	}
}

// Name はプロバイダファミリー名を返す。
func (c *SMSClient) Name() string {
	return c.name
}

// acquireResponse は番号取得APIのレスポンス。
type acquireResponse struct {
	SessionID   string `json:"session_id"`
	PhoneNumber string `json:"phone_number"`
	ExpiresIn   int    `json:"expires_in"` // 秒
	Error       string `json:"error,omitempty"`
}

// AcquireNumber は指定サービス向けの番号を1つ取得する。
func (c *SMSClient) AcquireNumber(ctx context.Context, serviceType string) (*Number, error) {
	body, status, err := c.call(ctx, http.MethodPost, "/api/numbers", url.Values{
		"service": {serviceType},
	})
	if err != nil {
		return nil, err
	}

	if status == http.StatusConflict {
		return nil, ErrNoNumbersAvailable
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, fmt.Errorf("プロバイダAPIがステータス %d を返しました", status)
	}

	var result acquireResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	if result.SessionID == "" || result.PhoneNumber == "" {
		return nil, fmt.Errorf("プロバイダレスポンスが不完全です: %s", result.Error)
	}

	c.logger.Info("番号を取得しました",
		slog.String("provider", c.name),
		slog.String("session_id", result.SessionID),
		slog.String("service", serviceType),
	)
	return &Number{
		SessionID:   result.SessionID,
		PhoneNumber: result.PhoneNumber,
		ExpiresAt:   time.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}, nil
}

// otpResponse はOTP取得APIのレスポンス。
type otpResponse struct {
	Status string `json:"status"` // "waiting" | "received"
	Code   string `json:"code,omitempty"`
}

// GetOTP はセッションに届いたOTPを返す。未着の場合はErrOTPNotReadyを返す。
func (c *SMSClient) GetOTP(ctx context.Context, sessionID string) (string, error) {
	body, status, err := c.call(ctx, http.MethodGet, "/api/numbers/"+url.PathEscape(sessionID)+"/otp", nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("プロバイダAPIがステータス %d を返しました", status)
	}

	var result otpResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	if result.Status != "received" || result.Code == "" {
		return "", ErrOTPNotReady
	}
	return result.Code, nil
}

// CancelNumber はセッションをキャンセルし番号を返却する。
func (c *SMSClient) CancelNumber(ctx context.Context, sessionID string) error {
	_, status, err := c.call(ctx, http.MethodPost, "/api/numbers/"+url.PathEscape(sessionID)+"/cancel", nil)
	if err != nil {
		return err
	}
	// 404はセッション既終了とみなし冪等に成功扱いとする
	if status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("プロバイダAPIがステータス %d を返しました", status)
	}
	return nil
}

// call はペーシングを適用してプロバイダAPIを呼び出す。
func (c *SMSClient) call(ctx context.Context, method, path string, form url.Values) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("レート制限の待機が中断されました: %w", err)
	}

	reqURL := c.baseURL + path
	if method == http.MethodGet && len(form) > 0 {
		reqURL += "?" + form.Encode()
		form = nil
	}

	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("プロバイダAPIの呼び出しに失敗しました",
			slog.String("provider", c.name),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil, 0, fmt.Errorf("プロバイダAPIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	return body, resp.StatusCode, nil
}

// compile-time interface check
var _ Client = (*SMSClient)(nil)
