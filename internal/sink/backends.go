package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rankitpro/security-core/internal/client"
	"github.com/rankitpro/security-core/internal/event"
)

// KafkaSink publishes events to the export topic, keyed by source address so
// downstream policy consumers see each source's events in order.
type KafkaSink struct {
	producer *client.KafkaProducer
}

func NewKafkaSink(producer *client.KafkaProducer) *KafkaSink {
	return &KafkaSink{producer: producer}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, ev event.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.producer.ProduceMessage(ctx, []byte(ev.SourceAddress), value)
}

// ClickHouseSink inserts events into the analytic retention table.
type ClickHouseSink struct {
	client *client.ClickHouseClient
}

func NewClickHouseSink(ch *client.ClickHouseClient) *ClickHouseSink {
	return &ClickHouseSink{client: ch}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, ev event.Event) error {
	query := fmt.Sprintf(
		"INSERT INTO %s (id, sequence, timestamp, type, severity, source_address, user_id, email, user_agent, details) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		s.client.Table(),
	)
	return s.client.Exec(ctx, query,
		ev.ID, ev.Sequence, ev.Timestamp, string(ev.Type), string(ev.Severity),
		ev.SourceAddress, ev.UserID, ev.Email, ev.UserAgent, ev.Details,
	)
}

// ElasticsearchSink indexes events for operator full-text search.
type ElasticsearchSink struct {
	client *client.ESClient
}

func NewElasticsearchSink(es *client.ESClient) *ElasticsearchSink {
	return &ElasticsearchSink{client: es}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, ev event.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.client.Index(ctx, ev.ID, body)
}
