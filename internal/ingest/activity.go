package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/searchforge/ingestmgr/internal/ingest/connector"
	"github.com/searchforge/ingestmgr/pkg/kafka"
	"github.com/searchforge/ingestmgr/pkg/metrics"
	"github.com/searchforge/ingestmgr/pkg/resilience"
)

// ActivityEvent is the JSON payload published for one activity record.
type ActivityEvent struct {
	Start             int64  `json:"start,omitempty"`
	Kind              string `json:"kind"`
	DataSize          int64  `json:"data_size,omitempty"`
	EntityURI         string `json:"entity_uri,omitempty"`
	ResultCode        string `json:"result_code,omitempty"`
	ResultDescription string `json:"result_description,omitempty"`
	RecordedAt        int64  `json:"recorded_at"`
}

// KafkaActivityLog publishes activity records to a Kafka topic. Publishing is
// best-effort: a record that is not published is logged locally as dropped,
// and a circuit breaker keeps a down broker from stalling ingestion.
type KafkaActivityLog struct {
	producer *kafka.Producer
	breaker  *resilience.CircuitBreaker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	timeout  time.Duration
}

var _ connector.HistoryActivity = (*KafkaActivityLog)(nil)

// NewKafkaActivityLog creates an activity log over the given producer.
// m may be nil.
func NewKafkaActivityLog(producer *kafka.Producer, m *metrics.Metrics) *KafkaActivityLog {
	return &KafkaActivityLog{
		producer: producer,
		breaker:  resilience.NewCircuitBreaker("activity-log", resilience.CircuitBreakerConfig{}),
		metrics:  m,
		logger:   slog.Default().With("component", "activity-log"),
		timeout:  5 * time.Second,
	}
}

func (l *KafkaActivityLog) RecordActivity(start time.Time, kind string, dataSize int64, entityURI, resultCode, resultDescription string) error {
	event := ActivityEvent{
		Kind:              kind,
		DataSize:          dataSize,
		EntityURI:         entityURI,
		ResultCode:        resultCode,
		ResultDescription: resultDescription,
		RecordedAt:        time.Now().UnixMilli(),
	}
	if !start.IsZero() {
		event.Start = start.UnixMilli()
	}

	err := l.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		return l.producer.Publish(ctx, kafka.Event{Key: kind, Value: event})
	})
	status := "published"
	if err != nil {
		status = "dropped"
		l.logger.Warn("activity event not published",
			"kind", kind,
			"entity_uri", entityURI,
			"error", err,
		)
	}
	if l.metrics != nil {
		l.metrics.ActivityEventsTotal.WithLabelValues(status).Inc()
	}
	return nil
}

// SlogActivityLog writes activity records to the structured log. Useful for
// deployments without a broker and for tests.
type SlogActivityLog struct {
	logger *slog.Logger
}

var _ connector.HistoryActivity = (*SlogActivityLog)(nil)

// NewSlogActivityLog creates a log-backed activity sink.
func NewSlogActivityLog() *SlogActivityLog {
	return &SlogActivityLog{logger: slog.Default().With("component", "activity-log")}
}

func (l *SlogActivityLog) RecordActivity(start time.Time, kind string, dataSize int64, entityURI, resultCode, resultDescription string) error {
	attrs := []any{
		"kind", kind,
		"entity_uri", entityURI,
		"result_code", resultCode,
	}
	if dataSize >= 0 {
		attrs = append(attrs, "data_size", dataSize)
	}
	if !start.IsZero() {
		attrs = append(attrs, "start", start.UnixMilli())
	}
	if resultDescription != "" {
		attrs = append(attrs, "result_description", resultDescription)
	}
	l.logger.Info("activity", attrs...)
	return nil
}
