package notification

import (
	"context"
	"log"
	"time"
)

// WebhookNotifier POSTs each alert as a JSON document to a fixed URL.
type WebhookNotifier struct {
	url string
	poster
	now func() time.Time
}

// webhookPayload is the document receivers see. Empty optional keys are
// omitted.
type webhookPayload struct {
	Level   AlertLevel        `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Symbol  string            `json:"symbol,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	TS      string            `json:"ts"`
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, poster: newPoster("webhook"), now: time.Now}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	err := w.post(ctx, w.url, webhookPayload{
		Level:   alert.Level,
		Title:   alert.Title,
		Message: alert.Message,
		Symbol:  alert.Symbol,
		TraceID: alert.TraceID,
		Fields:  alert.Fields,
		TS:      w.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	log.Printf("[webhook] delivered %s alert %q", alert.Level, alert.Title)
	return nil
}
