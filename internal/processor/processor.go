package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"stockpulse/internal/actions"
	"stockpulse/internal/alerts"
	"stockpulse/internal/clock"
	"stockpulse/internal/config"
	"stockpulse/internal/engine"
	"stockpulse/internal/escalation"
	"stockpulse/internal/handlers"
	"stockpulse/internal/kafka"
	"stockpulse/internal/logger"
	"stockpulse/internal/metrics"
	"stockpulse/internal/notify"
	"stockpulse/internal/rules"
	"stockpulse/internal/state"
	"stockpulse/internal/storage"
	"stockpulse/internal/thresholds"
	"stockpulse/internal/worker"
)

// Processor wires the engine to its event sources and runs it until the
// context is cancelled.
type Processor struct {
	cfg    *config.Config
	clock  clock.Clock
	nodeID string

	store      storage.Store
	rules      *rules.Store
	thresholds *thresholds.Manager
	aggregator *metrics.Aggregator
	alerts     *alerts.Manager
	scheduler  *escalation.Scheduler
	engine     *engine.Engine
	workerPool *worker.Pool
	producer   *kafka.Producer
	consumer   *kafka.Consumer
	channel    notify.Channel
	nats       *notify.NATSChannel
	dedup      state.ClaimStore
	memDedup   *state.MemoryStore
	cron       *cron.Cron
	httpServer *http.Server

	wg         sync.WaitGroup
	consumerWG sync.WaitGroup
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	nodeID, _ := os.Hostname()
	if nodeID == "" {
		nodeID = "unknown"
	}
	return &Processor{cfg: cfg, clock: clock.Real(), nodeID: nodeID}
}

// Run starts background goroutines and blocks until context cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Str("node_id", p.nodeID).Msg("processor starting")

	if err := p.init(ctx); err != nil {
		log.Error().Err(err).Msg("failed to initialize processor")
		p.close()
		return err
	}

	p.workerPool.Start()

	if p.scheduler != nil {
		if _, err := p.alerts.RestoreTimers(ctx); err != nil {
			log.Error().Err(err).Msg("failed to restore escalation timers")
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.scheduler.Run(ctx, p.alerts)
		}()
	}

	if p.consumer != nil {
		p.consumerWG.Add(1)
		go func() {
			defer p.consumerWG.Done()
			if err := p.consumer.Run(ctx, p.workerPool); err != nil {
				log.Error().Err(err).Msg("kafka consumer stopped")
			}
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", p.cfg.HTTP.Addr).Msg("starting HTTP server")
		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	p.cron.Start()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	return p.shutdown()
}

// init builds every component from config. Optional backends (Kafka, NATS,
// Redis) fall back to in-process implementations when disabled.
func (p *Processor) init(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", p.initStore},
		{"thresholds", p.initThresholds},
		{"rules", p.initRules},
		{"notify", p.initNotify},
		{"producer", p.initProducer},
		{"dedup", p.initDedup},
		{"engine", p.initEngine},
		{"consumer", p.initConsumer},
		{"http", p.initHTTPServer},
		{"cron", p.initCron},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("init %s: %w", s.name, err)
		}
	}
	return nil
}

func (p *Processor) initStore(ctx context.Context) error {
	store, err := storage.Open(ctx, p.cfg.Storage)
	if err != nil {
		return err
	}
	p.store = store
	return nil
}

func (p *Processor) initRules(ctx context.Context) error {
	rs, err := rules.New(ctx, p.store, p.clock, rules.WithAlertTypes(p.thresholds.KnownTypes()))
	if err != nil {
		return err
	}
	defaults, err := rules.Defaults()
	if err != nil {
		return err
	}
	if _, err := rs.SeedDefaults(ctx, defaults); err != nil {
		return err
	}
	p.rules = rs
	return nil
}

func (p *Processor) initThresholds(ctx context.Context) error {
	system, err := thresholds.SystemTable()
	if err != nil {
		return err
	}
	p.thresholds = thresholds.NewManager(p.store, system, p.clock)
	p.aggregator = metrics.NewAggregator(p.clock, p.cfg.Metrics.Retention, metrics.HealthThresholds{
		Window:            p.cfg.Health.Window,
		MinDeliveryRate:   p.cfg.Health.MinDeliveryRate,
		MaxEscalationRate: p.cfg.Health.MaxEscalationRate,
	})
	return nil
}

func (p *Processor) initNotify(ctx context.Context) error {
	log := logger.WithComponent("processor")
	if !p.cfg.NATS.Enabled {
		p.channel = notify.LogChannel{}
		log.Info().Msg("notifications go to the log")
		return nil
	}
	ch, err := notify.NewNATSChannel(p.cfg.NATS.URL, p.cfg.NATS.SubjectPrefix)
	if err != nil {
		return err
	}
	p.nats = ch
	p.channel = ch
	log.Info().Str("url", p.cfg.NATS.URL).Msg("nats notification channel connected")
	return nil
}

// initProducer initializes the Kafka producer
func (p *Processor) initProducer(ctx context.Context) error {
	if !p.cfg.Kafka.Enabled {
		return nil
	}
	producer, err := kafka.NewProducer(p.cfg.Kafka)
	if err != nil {
		return err
	}
	p.producer = producer

	log := logger.WithComponent("processor")
	log.Info().
		Strs("brokers", p.cfg.Kafka.Brokers).
		Str("actions_topic", p.cfg.Kafka.ActionsTopic).
		Str("alerts_topic", p.cfg.Kafka.AlertsTopic).
		Msg("kafka producer initialized")
	return nil
}

func (p *Processor) initDedup(ctx context.Context) error {
	if p.cfg.Redis.Enabled {
		rs, err := state.NewRedisStore(ctx, p.cfg.Redis)
		if err != nil {
			return err
		}
		p.dedup = rs
		return nil
	}
	p.memDedup = state.NewMemoryStore(p.clock)
	p.dedup = p.memDedup
	return nil
}

func (p *Processor) initEngine(ctx context.Context) error {
	var publisher actions.CommandPublisher = actions.LogPublisher{}
	acfg := alerts.Config{
		Repo:       p.store,
		Thresholds: p.thresholds,
		Channel:    p.channel,
		Recorder:   p.aggregator,
		Clock:      p.clock,
	}
	if p.producer != nil {
		publisher = p.producer
		acfg.Events = p.producer
	}
	if p.cfg.Escalation.Enabled {
		p.scheduler = escalation.NewScheduler(p.clock, p.cfg.Escalation.MaxIdle)
		acfg.Timers = p.scheduler
	}
	p.alerts = alerts.NewManager(acfg)

	dispatcher := actions.NewDispatcher()
	actions.RegisterBuiltins(dispatcher, publisher, p.channel)

	p.engine = engine.New(engine.Config{
		Rules:      p.rules,
		Thresholds: p.thresholds,
		Dispatcher: dispatcher,
		Alerts:     p.alerts,
		Dedup:      p.dedup,
		DedupTTL:   p.cfg.Redis.DedupTTL,
		Recorder:   p.aggregator,
		Clock:      p.clock,
	})

	p.workerPool = worker.NewPool(worker.Config{
		Processor:      p.engine,
		Workers:        p.cfg.Workers.Count,
		QueueSize:      p.cfg.Workers.QueueSize,
		ProcessTimeout: p.cfg.Workers.ProcessTimeout,
	})

	log := logger.WithComponent("processor")
	log.Info().
		Strs("action_types", dispatcher.Types()).
		Int("workers", p.cfg.Workers.Count).
		Bool("escalation", p.scheduler != nil).
		Msg("engine initialized")
	return nil
}

func (p *Processor) initConsumer(ctx context.Context) error {
	if !p.cfg.Kafka.Enabled {
		return nil
	}
	consumer, err := kafka.NewConsumer(p.cfg.Kafka, p.nodeID)
	if err != nil {
		return err
	}
	p.consumer = consumer
	return nil
}

// initHTTPServer initializes the HTTP server with handlers
func (p *Processor) initHTTPServer(ctx context.Context) error {
	router := handlers.NewRouter(handlers.Deps{
		Rules:       p.rules,
		Thresholds:  p.thresholds,
		Alerts:      p.alerts,
		Evaluator:   p.engine,
		Queue:       p.workerPool,
		Health:      p.aggregator,
		Store:       p.store,
		Stats:       func() any { return p.Stats() },
		NodeID:      p.nodeID,
		MaxBodySize: p.cfg.HTTP.MaxBodySize,
	})

	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  p.cfg.HTTP.ReadTimeout,
		WriteTimeout: p.cfg.HTTP.WriteTimeout,
		IdleTimeout:  p.cfg.HTTP.IdleTimeout,
	}
	return nil
}

// initCron schedules the housekeeping jobs.
func (p *Processor) initCron(ctx context.Context) error {
	p.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	jobs := []struct {
		name     string
		schedule string
		fn       func()
	}{
		{"stats", p.cfg.Metrics.StatsSchedule, p.reportStats},
		{"health", p.cfg.Metrics.StatsSchedule, p.reportHealth},
		{"prune", p.cfg.Metrics.PruneSchedule, p.prune},
	}
	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		if _, err := p.cron.AddFunc(j.schedule, j.fn); err != nil {
			return fmt.Errorf("schedule %s job %q: %w", j.name, j.schedule, err)
		}
	}
	return nil
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown() error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop fetching from Kafka
	p.consumerWG.Wait()

	// 3. Drain the queue; acks still need the consumer open
	done := make(chan struct{})
	go func() {
		p.workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("workers stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("worker shutdown timeout - forcing exit")
	}

	// 4. Stop housekeeping and the escalation loop
	<-p.cron.Stop().Done()
	p.wg.Wait()

	// 5. Close backends
	p.close()

	log.Info().Msg("processor stopped gracefully")
	return nil
}

type closer struct {
	name string
	fn   func() error
}

// close releases every backend that was opened. Safe after a partial init.
func (p *Processor) close() {
	log := logger.WithComponent("processor")
	var closers []closer
	if p.consumer != nil {
		closers = append(closers, closer{"kafka consumer", p.consumer.Close})
	}
	if p.producer != nil {
		closers = append(closers, closer{"kafka producer", p.producer.Close})
	}
	if p.nats != nil {
		closers = append(closers, closer{"nats", p.nats.Close})
	}
	if p.dedup != nil {
		closers = append(closers, closer{"dedup", p.dedup.Close})
	}
	if p.store != nil {
		closers = append(closers, closer{"store", p.store.Close})
	}
	for _, c := range closers {
		if err := c.fn(); err != nil {
			log.Error().Err(err).Str("backend", c.name).Msg("close error")
		}
	}
}

// Stats is the /stats document.
type Stats struct {
	Worker     worker.Stats         `json:"worker"`
	Producer   *kafka.ProducerStats `json:"producer,omitempty"`
	Consumer   *kafka.ConsumerStats `json:"consumer,omitempty"`
	Escalation *EscalationStats     `json:"escalation,omitempty"`
	Summary    metrics.Summary      `json:"summary"`
	Health     metrics.Health       `json:"health"`
	Aggregates []metrics.Aggregate  `json:"aggregates"`
}

// EscalationStats reports the escalation loop.
type EscalationStats struct {
	PendingTimers int `json:"pending_timers"`
}

// Stats collects the current figures of every component.
func (p *Processor) Stats() Stats {
	window := p.cfg.Health.Window
	s := Stats{
		Worker:  p.workerPool.Stats(),
		Summary: p.aggregator.Summary(window),
		Health:  p.aggregator.HealthStatus(),
	}
	for _, name := range []string{
		metrics.SampleEventProcessed,
		metrics.SampleProcessingTime,
		metrics.SampleDispatchSuccess,
		metrics.SampleAlertCreated,
		metrics.SampleAlertEscalated,
		metrics.SampleNotificationSent,
	} {
		s.Aggregates = append(s.Aggregates, p.aggregator.Windowed(name, window))
	}
	if p.producer != nil {
		ps := p.producer.Stats()
		s.Producer = &ps
	}
	if p.consumer != nil {
		cs := p.consumer.Stats()
		s.Consumer = &cs
	}
	if p.scheduler != nil {
		s.Escalation = &EscalationStats{PendingTimers: p.scheduler.Len()}
	}
	return s
}

// reportStats logs the current statistics
func (p *Processor) reportStats() {
	log := logger.WithComponent("processor")
	s := p.Stats()

	ev := log.Info().
		Uint64("worker_processed", s.Worker.Processed).
		Uint64("worker_failed", s.Worker.Failed).
		Int("queue_size", s.Worker.Queued).
		Int("events_processed", s.Summary.EventsProcessed).
		Int("alerts_created", s.Summary.AlertsCreated).
		Float64("ewma_processing_ms", s.Summary.EWMAProcessingMs)
	if s.Producer != nil {
		ev = ev.
			Uint64("producer_sent", s.Producer.MessagesSent).
			Uint64("producer_failed", s.Producer.MessagesFailed).
			Uint64("producer_bytes", s.Producer.BytesWritten)
	}
	if s.Consumer != nil {
		ev = ev.Uint64("consumer_received", s.Consumer.Received).Int64("consumer_lag", s.Consumer.Lag)
	}
	if s.Escalation != nil {
		ev = ev.Int("pending_timers", s.Escalation.PendingTimers)
	}
	ev.Msg("stats")
}

func (p *Processor) reportHealth() {
	h := p.aggregator.HealthStatus()
	if h.Healthy {
		return
	}
	log := logger.WithComponent("processor")
	log.Warn().
		Strs("issues", h.Issues).
		Float64("delivery_success_rate", h.Summary.DeliverySuccessRate).
		Float64("escalation_rate", h.Summary.EscalationRate).
		Msg("engine unhealthy")
}

func (p *Processor) prune() {
	pruned := p.aggregator.Prune()
	swept := 0
	if p.memDedup != nil {
		swept = p.memDedup.Sweep()
	}
	log := logger.WithComponent("processor")
	log.Debug().Int("samples_pruned", pruned).Int("dedup_swept", swept).Msg("housekeeping")
}
