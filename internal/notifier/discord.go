package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/italolelis/listing_images/internal/downloader"
	"github.com/italolelis/listing_images/internal/logctx"
)

// maxFailureLines caps the per-slot lines of one alert.
const maxFailureLines = 5

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return errors.New("webhook URL is not set")
	}

	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// FormatProductFailure renders a request-level failure as an alert message.
func FormatProductFailure(f downloader.ProductFailure) string {
	var b strings.Builder

	fmt.Fprintf(&b, "❌ Images failed for product %s: %v", f.ProductID, f.Err)

	for i, slot := range f.Failures {
		if i == maxFailureLines {
			fmt.Fprintf(&b, "\n… and %d more", len(f.Failures)-maxFailureLines)

			break
		}

		fmt.Fprintf(&b, "\n- %s (%s): %s", slot.Slot, slot.Reason, slot.URL)
	}

	return b.String()
}

// Forward sends an alert for every failure received on events until the
// channel is closed. A nil notifier only logs.
func Forward(ctx context.Context, events <-chan downloader.ProductFailure, notif Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	for event := range events {
		logger.Error("product images failed", "product_id", event.ProductID, "err", event.Err)

		if notif == nil {
			continue
		}

		if err := notif.Notify(ctx, FormatProductFailure(event)); err != nil {
			logger.Error("failed to send notification", "product_id", event.ProductID, "err", err)
		}
	}
}
