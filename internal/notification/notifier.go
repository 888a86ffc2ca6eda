// Package notification delivers operator alerts (order rejections, retry
// exhaustion, reconciliation halts) to external channels.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel        `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Symbol  string            `json:"symbol,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Body renders Message followed by Fields in key order.
func (a Alert) Body() string {
	if len(a.Fields) == 0 {
		return a.Message
	}
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(a.Message)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, a.Fields[k])
	}
	return b.String()
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts. It is always part of the fan-out so alerts are
// visible even when no external channel is configured.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, strings.ReplaceAll(alert.Body(), "\n", "; "))
	return nil
}

// Multi fans an alert out to several notifiers. Every notifier is tried;
// failures are joined into one error.
type Multi struct {
	notifiers []Notifier
	minLevel  AlertLevel
}

// NewMulti builds a fan-out. Nil notifiers are skipped.
func NewMulti(notifiers ...Notifier) *Multi {
	m := &Multi{minLevel: AlertInfo}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// SetMinLevel drops alerts below level.
func (m *Multi) SetMinLevel(level AlertLevel) { m.minLevel = level }

// Len returns the number of attached notifiers.
func (m *Multi) Len() int { return len(m.notifiers) }

func (m *Multi) Send(ctx context.Context, alert Alert) error {
	if rank(alert.Level) < rank(m.minLevel) {
		return nil
	}
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func rank(l AlertLevel) int {
	switch l {
	case AlertWarning:
		return 1
	case AlertCritical:
		return 2
	default:
		return 0
	}
}
