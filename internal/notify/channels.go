package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/schuttebj/ryvr-sub001/internal/logging"
	"github.com/schuttebj/ryvr-sub001/internal/models"
)

// LogChannel writes events to the engine log. Always on in the daemon so
// every transition is observable even with no external channels configured.
type LogChannel struct{}

func (LogChannel) Name() string { return "log" }

func (LogChannel) Notify(_ context.Context, ev models.LifecycleEvent) error {
	logging.Log(fmt.Sprintf("task %s: %s -> %s", ev.TaskID, ev.OldStatus, ev.NewStatus), slog.LevelInfo)
	return nil
}

// WebhookChannel posts events as JSON to a configured endpoint.
type WebhookChannel struct {
	URL    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel for the given endpoint.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		URL:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Notify(ctx context.Context, ev models.LifecycleEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// KafkaChannel publishes events to a Kafka topic for downstream consumers
// (email senders, in-app feeds).
type KafkaChannel struct {
	writer  *kgo.Writer
	timeout time.Duration
}

// NewKafkaChannel creates a Kafka channel over the given brokers and topic.
func NewKafkaChannel(brokersCSV, topic string) *KafkaChannel {
	w := &kgo.Writer{
		Addr:         kgo.TCP(splitCSV(brokersCSV)...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
	return &KafkaChannel{writer: w, timeout: 3 * time.Second}
}

func (k *KafkaChannel) Name() string { return "kafka" }

func (k *KafkaChannel) Notify(ctx context.Context, ev models.LifecycleEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	// Small timeout so a down broker cannot stall the transition path.
	cctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	return k.writer.WriteMessages(cctx, kgo.Message{
		// Keying by task ID keeps per-task ordering for consumers.
		Key:   []byte(ev.TaskID),
		Value: b,
		Time:  time.Now(),
	})
}

// Close flushes and closes the Kafka writer.
func (k *KafkaChannel) Close() error { return k.writer.Close() }

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
