// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package email

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/unlistd/unlistd/setup/config"
)

// DeliveryState is the provider's verdict on one outbound message.
type DeliveryState string

const (
	DeliverySent       DeliveryState = "sent"
	DeliveryDelivered  DeliveryState = "delivered"
	DeliveryBounced    DeliveryState = "bounced"
	DeliverySuppressed DeliveryState = "suppressed"
)

// Dead reports whether the state means the recipient address is unusable for
// further automated mail.
func (s DeliveryState) Dead() bool {
	return s == DeliveryBounced || s == DeliverySuppressed
}

// DeliveryStatus is one entry from the provider's delivery-status feed.
type DeliveryStatus struct {
	Recipient string
	State     DeliveryState
	UpdatedAt time.Time
}

// ProviderClient queries the email delivery provider's status API,
// rate-limited to respect the provider's API quota.
type ProviderClient struct {
	cfg     *config.Provider
	client  *http.Client
	limiter *rate.Limiter
}

func NewProviderClient(cfg *config.Provider) *ProviderClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	return &ProviderClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// DeliveryStatuses returns the delivery statuses of messages updated since
// the given time. It blocks until the rate limiter permits the query or the
// context is cancelled.
func (c *ProviderClient) DeliveryStatuses(ctx context.Context, since time.Time) ([]DeliveryStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/v1/messages?since=%s",
		c.cfg.BaseURL, url.QueryEscape(since.UTC().Format(time.RFC3339)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("delivery status request failed: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("delivery status request returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return parseDeliveryStatuses(body), nil
}

func parseDeliveryStatuses(body []byte) []DeliveryStatus {
	var statuses []DeliveryStatus
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		status := DeliveryStatus{
			Recipient: msg.Get("recipient").String(),
			State:     DeliveryState(msg.Get("status").String()),
		}
		if ts := msg.Get("updated_at").String(); ts != "" {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				status.UpdatedAt = parsed.UTC()
			}
		}
		if status.Recipient != "" && status.State != "" {
			statuses = append(statuses, status)
		}
		return true
	})
	return statuses
}
