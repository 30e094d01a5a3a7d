// Package sink moves recorded events into the durable backends: the Kafka
// export topic, the ClickHouse retention table, and the Elasticsearch
// archive index.
//
// The pipeline is strictly best-effort. Ingestion hands an event over
// through a buffered channel and returns immediately; a full buffer or a
// down backend costs a counted drop, never an error on the reporting path.
package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rankitpro/security-core/internal/event"
	"github.com/rankitpro/security-core/internal/util"
)

// EventSink writes one event to a backend.
type EventSink interface {
	Name() string
	Write(ctx context.Context, ev event.Event) error
}

// Pipeline fans events out to the configured sinks from a single worker.
type Pipeline struct {
	sinks  []EventSink
	logger *zap.Logger

	ch       chan event.Event
	enqueued atomic.Int64
	dropped  atomic.Int64
	sinkDrop map[string]*atomic.Int64

	wg       sync.WaitGroup
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// writeTimeout bounds each backend write so one stuck sink cannot stall the
// worker behind it indefinitely.
const writeTimeout = 5 * time.Second

func NewPipeline(bufferSize int, sinks []EventSink, logger *zap.Logger) *Pipeline {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		sinks:    sinks,
		logger:   logger,
		ch:       make(chan event.Event, bufferSize),
		sinkDrop: make(map[string]*atomic.Int64, len(sinks)),
		cancel:   cancel,
	}
	for _, s := range sinks {
		p.sinkDrop[s.Name()] = &atomic.Int64{}
	}
	p.wg.Add(1)
	go p.run(ctx)
	return p
}

// Enqueue hands an event to the pipeline without blocking. Returns false
// when the buffer is full and the event was dropped.
func (p *Pipeline) Enqueue(ev event.Event) bool {
	select {
	case p.ch <- ev:
		p.enqueued.Add(1)
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Dropped is the total number of events lost to a full buffer or a failed
// backend write. Surfaced to operators as the events_dropped metric.
func (p *Pipeline) Dropped() int64 {
	total := p.dropped.Load()
	for _, counter := range p.sinkDrop {
		total += counter.Load()
	}
	return total
}

// DroppedBySink breaks drops down per backend.
func (p *Pipeline) DroppedBySink() map[string]int64 {
	out := make(map[string]int64, len(p.sinkDrop)+1)
	out["buffer"] = p.dropped.Load()
	for name, counter := range p.sinkDrop {
		out[name] = counter.Load()
	}
	return out
}

// Close drains nothing: pending events still in the buffer are dropped,
// consistent with best-effort persistence.
func (p *Pipeline) Close() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.ch:
			p.write(ctx, ev)
		}
	}
}

func (p *Pipeline) write(ctx context.Context, ev event.Event) {
	for _, s := range p.sinks {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := s.Write(writeCtx, ev)
		cancel()
		if err != nil {
			p.sinkDrop[s.Name()].Add(1)
			p.logger.Warn("event sink write failed",
				util.String("sink", s.Name()),
				util.String("event_id", ev.ID),
				util.ErrorField(err),
			)
		}
	}
}
