// Package notifier предоставляет клиент для внешнего сервиса уведомлений.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/fieldscore/scoring-engine/internal/model"
)

const (
	eventPointsAwarded = "points_awarded"
	eventBadgeEarned   = "badge_earned"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом уведомлений.
// Доставка событий — наилучшие усилия: ошибки возвращаются вызывающему,
// который их логирует и проглатывает.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

type envelope struct {
	TenantID int64       `json:"tenant_id"`
	Type     string      `json:"type"`
	Payload  interface{} `json:"payload"`
}

// NewClient создаёт HTTP-клиент для отправки событий по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// PublishPointsAwarded отправляет событие о начислении баллов.
func (c *Client) PublishPointsAwarded(ctx context.Context, tenantID int64, ev model.PointsAwardedEvent) error {
	return c.publish(ctx, tenantID, eventPointsAwarded, ev)
}

// PublishBadgeEarned отправляет событие о полученном значке.
func (c *Client) PublishBadgeEarned(ctx context.Context, tenantID int64, ev model.BadgeEarnedEvent) error {
	return c.publish(ctx, tenantID, eventBadgeEarned, ev)
}

func (c *Client) publish(ctx context.Context, tenantID int64, eventType string, payload interface{}) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("notifier client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(envelope{TenantID: tenantID, Type: eventType, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	url := fmt.Sprintf("%s/api/events/%s", base, eventType)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
