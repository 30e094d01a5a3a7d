// Package factory manages the lifecycle of the core's components and
// external clients.
package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rankitpro/security-core/internal/blocklist"
	"github.com/rankitpro/security-core/internal/client"
	"github.com/rankitpro/security-core/internal/config"
	"github.com/rankitpro/security-core/internal/event"
	"github.com/rankitpro/security-core/internal/handler"
	"github.com/rankitpro/security-core/internal/hub"
	"github.com/rankitpro/security-core/internal/pentest"
	"github.com/rankitpro/security-core/internal/service"
	"github.com/rankitpro/security-core/internal/sessiontest"
	"github.com/rankitpro/security-core/internal/sink"
	"github.com/rankitpro/security-core/internal/util"
)

// Factory owns every component and client of the monitoring core.
type Factory struct {
	config *config.Config

	// External clients, all optional: a disabled or unreachable backend
	// degrades that sink, never the core.
	redisClient      *client.RedisClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient
	esClient         *client.ESClient

	// Core components.
	store        *event.Store
	broadcastHub *hub.Hub
	blocklistMgr *blocklist.Manager
	pipeline     *sink.Pipeline
	sessionProbe sessiontest.Probe

	securityService *service.SecurityService
	pentestSuite    *pentest.Suite
	sessionSuite    *sessiontest.Suite

	closeOnce sync.Once
}

// NewFactory loads configuration and initializes all components.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{config: cfg}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	f.initializeCore()

	util.Info("Factory initialized",
		util.String("environment", cfg.Environment),
		util.Bool("redis", f.redisClient != nil),
		util.Bool("kafka", f.kafkaProducer != nil),
		util.Bool("clickhouse", f.clickhouseClient != nil),
		util.Bool("elasticsearch", f.esClient != nil),
	)
	return f, nil
}

// initializeClients brings up the enabled external clients. In production a
// failing enabled client is fatal; in development the core runs degraded.
func (f *Factory) initializeClients() error {
	var initErrors []error

	if f.config.Redis.Enabled {
		if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
		}
	}

	if f.config.Kafka.Enabled {
		if p, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = p
		}
	}

	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
		}
	}

	if f.config.Elastic.Enabled {
		if c, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("client initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("client initialization warning", util.ErrorField(err))
		}
	}
	return nil
}

func (f *Factory) initializeCore() {
	sec := f.config.Security

	f.store = event.NewStore(sec.MetricsWindow, sec.FailureWindow, sec.MaxEvents, util.Get())
	f.broadcastHub = hub.New(sec.SubscriberQueue, util.Get())

	var blockStore blocklist.PersistentStore
	if f.redisClient != nil {
		blockStore = blocklist.NewRedisStore(f.redisClient)
	}
	f.blocklistMgr = blocklist.NewManager(sec.BlocklistTTL, sec.SweepInterval, blockStore, util.Get())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	f.blocklistMgr.Restore(ctx)
	cancel()

	var sinks []sink.EventSink
	if f.kafkaProducer != nil {
		sinks = append(sinks, sink.NewKafkaSink(f.kafkaProducer))
	}
	if f.clickhouseClient != nil {
		sinks = append(sinks, sink.NewClickHouseSink(f.clickhouseClient))
	}
	if f.esClient != nil {
		sinks = append(sinks, sink.NewElasticsearchSink(f.esClient))
	}
	if len(sinks) > 0 {
		f.pipeline = sink.NewPipeline(sec.MaxEvents, sinks, util.Get())
	}

	f.sessionProbe = sessiontest.NewHTTPProbe(
		sec.TargetBaseURL,
		sec.SessionIdleTimeout,
		sec.SessionMaxConcurrent,
		sec.TestTimeout,
	)

	policy := blocklist.NewThresholdPolicy(
		f.store,
		sec.FailureThreshold,
		sec.FailureWindow,
		sec.BlocklistTTL,
	)

	f.securityService = service.NewSecurityService(
		f.store,
		f.broadcastHub,
		f.blocklistMgr,
		policy,
		f.pipeline,
		probeSessionCounter{f.sessionProbe},
		sec.SessionRefreshInterval,
		util.Get(),
	)

	f.pentestSuite = pentest.NewSuite(sec.TargetBaseURL, sec.TestTimeout, sec.TestConcurrency, util.Get())
	f.sessionSuite = sessiontest.NewSuite(f.sessionProbe, sec.TargetBaseURL, sec.TestTimeout, sec.TestConcurrency, util.Get())
}

// probeSessionCounter adapts the session probe's metrics snapshot to the
// service's SessionCounter.
type probeSessionCounter struct {
	probe sessiontest.Probe
}

func (p probeSessionCounter) ActiveSessionCount(ctx context.Context) (int64, error) {
	m, err := p.probe.Metrics(ctx)
	if err != nil {
		return 0, err
	}
	return m.ActiveSessions, nil
}

// SecurityHandler builds the HTTP handler over the assembled components.
func (f *Factory) SecurityHandler() *handler.SecurityHandler {
	return handler.NewSecurityHandler(f.securityService, f.pentestSuite, f.sessionSuite, util.Get())
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) SecurityService() *service.SecurityService {
	return f.securityService
}

// HealthCheck probes every initialized client.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)
	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	return healthErrors
}

// Close shuts everything down in dependency order.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		f.securityService.Close()
		f.broadcastHub.Close()
		f.blocklistMgr.Close()

		if f.pipeline != nil {
			f.pipeline.Close()
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}
		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}
		if f.esClient != nil {
			f.esClient.Close()
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})
	return nil
}
