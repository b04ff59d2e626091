// Package promo предоставляет клиент внешнего сервиса расчёта промокодов.
package promo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом расчёта промокодов.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// Discount описывает рассчитанную скидку по промокоду.
// Размер скидки — непрозрачное для вызывающего положительное целое число,
// не превышающее промежуточной суммы заказа.
type Discount struct {
	Code           string `json:"code"`
	DiscountAmount int64  `json:"discount_amount"`
}

// NewClient создаёт HTTP-клиент для обращения к сервису промокодов по указанному адресу.
func NewClient(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 100 * time.Millisecond
	c.HTTPClient.Timeout = 5 * time.Second
	c.Logger = nil

	// Повторяются только транспортные ошибки: ответы сервиса, включая 429,
	// возвращаются вызывающему как есть.
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err != nil {
			return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		}
		return false, nil
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: c,
	}
}

// Evaluate запрашивает размер скидки для промокода и промежуточной суммы заказа.
// Возвращает nil без ошибки при ответе 204 (неизвестный код) и задержку
// повтора при ответе 429.
func (c *Client) Evaluate(ctx context.Context, code string, subtotal int64) (*Discount, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("promo evaluator not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	reqURL := fmt.Sprintf("%s/api/promo/%s?subtotal=%d", base, url.PathEscape(code), subtotal)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Discount
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}
