package runner

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/checkpoint-pipeline/internal/alert"
	"github.com/withObsrvr/checkpoint-pipeline/internal/config"
	"github.com/withObsrvr/checkpoint-pipeline/internal/metrics"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/analytics"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/archival"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/ingestion"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/progress"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/storage"
)

type Options struct {
	ConfigFile string
	Verbose    bool
	DryRun     bool
}

// Runner builds the pipeline described by a config file and runs it.
type Runner struct {
	opts   Options
	cfg    *config.Config
	logger *logrus.Entry

	// overridable in tests
	openProgress func(ctx context.Context, cfg config.ProgressConfig) (progress.Store, error)
}

// Pipeline is a fully wired executor with its reader and the resources to
// release once it stops.
type Pipeline struct {
	Executor  *ingestion.Executor
	Reader    *ingestion.Reader
	Workflows []string

	closers []io.Closer
}

// Close releases sinks, stores and sources in reverse creation order.
func (p *Pipeline) Close() error {
	var firstErr error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.closers = nil
	return firstErr
}

func (p *Pipeline) track(v interface{}) {
	if c, ok := v.(io.Closer); ok {
		p.closers = append(p.closers, c)
	}
}

func New(opts Options) (*Runner, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(opts, cfg), nil
}

func NewWithConfig(opts Options, cfg *config.Config) *Runner {
	return &Runner{
		opts:         opts,
		cfg:          cfg,
		logger:       logrus.WithField("component", "runner"),
		openProgress: OpenProgressStore,
	}
}

// ConfigureLogging applies the log section of the config to the standard
// logrus logger.
func ConfigureLogging(cfg config.LogConfig, verbose bool) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if verbose {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
	if strings.EqualFold(cfg.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Run builds the pipeline and drives it until ctx is cancelled or a worker
// fails. With DryRun set it only builds and releases the pipeline.
func (r *Runner) Run(ctx context.Context) error {
	if err := ConfigureLogging(r.cfg.Log, r.opts.Verbose); err != nil {
		return err
	}

	p, err := r.Build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			r.logger.WithError(err).Warn("Error releasing pipeline resources")
		}
	}()

	if r.opts.DryRun {
		r.logger.WithField("workflows", p.Workflows).Info("Configuration is valid; dry run complete")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if addr := r.cfg.Metrics.ListenAddr; addr != "" {
		g.Go(func() error {
			r.logger.WithField("addr", addr).Info("Serving metrics")
			return metrics.Serve(gctx, addr)
		})
	}
	g.Go(func() error {
		// The executor owns shutdown; stopping it also stops the metrics server.
		defer cancel()
		watermarks, err := p.Executor.Run(gctx, p.Reader)
		for name, seq := range watermarks {
			r.logger.WithFields(logrus.Fields{"workflow": name, "checkpoint": seq}).Info("Final progress")
		}
		return err
	})
	return g.Wait()
}

// Build wires the reader, the progress store and every configured worker
// into an executor.
func (r *Runner) Build(ctx context.Context) (_ *Pipeline, err error) {
	p := &Pipeline{}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	alerter, err := buildAlerter(r.cfg.Alerts)
	if err != nil {
		return nil, err
	}

	source, err := r.buildSource(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("error creating source: %w", err)
	}
	p.Reader = ingestion.NewReader(source, ingestion.ReaderOptions{
		BufferSize:     r.cfg.Source.BufferSize,
		InitialBackoff: r.cfg.Source.InitialBackoff,
		MaxBackoff:     r.cfg.Source.MaxBackoff,
		AlertAfter:     r.cfg.Source.AlertAfter,
	}, alerter)

	store, err := r.openProgress(ctx, r.cfg.Progress)
	if err != nil {
		return nil, fmt.Errorf("error opening progress store: %w", err)
	}
	p.track(store)

	maxInFlight := r.cfg.Executor.MaxCheckpointsInProgress
	p.Executor = ingestion.NewExecutor(store,
		ingestion.WithMaxInFlight(maxInFlight),
		ingestion.WithAlerter(alerter),
		ingestion.WithProgressRetry(r.cfg.Executor.ProgressRetryInitial, r.cfg.Executor.ProgressRetryMax),
	)

	if r.cfg.Archival.Enabled {
		pool, err := r.buildArchival(ctx, p, maxInFlight)
		if err != nil {
			return nil, fmt.Errorf("error creating archival worker: %w", err)
		}
		if err := r.register(p, pool); err != nil {
			return nil, err
		}
	}

	packageStores := make(map[string]analytics.PackageStore)
	for _, ac := range r.cfg.Analytics {
		pool, err := r.buildAnalytics(ctx, p, ac, packageStores)
		if err != nil {
			return nil, fmt.Errorf("error creating analytics worker %s: %w", ac.Name, err)
		}
		if err := r.register(p, pool); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (r *Runner) register(p *Pipeline, pool *ingestion.WorkerPool) error {
	if err := p.Executor.Register(pool); err != nil {
		return err
	}
	p.Workflows = append(p.Workflows, pool.Name())
	r.logger.WithField("workflow", pool.Name()).Debug("Registered worker pool")
	return nil
}

func (r *Runner) buildSource(ctx context.Context, p *Pipeline) (ingestion.CheckpointSource, error) {
	sc := r.cfg.Source
	if strings.EqualFold(sc.Type, "remote") {
		store, err := storage.NewFromURL(ctx, sc.RemoteURL, sc.Options)
		if err != nil {
			return nil, err
		}
		p.track(store)
		return ingestion.NewObjectStoreSource(store), nil
	}
	source, err := ingestion.NewLocalDirSource(sc.Path)
	if err != nil {
		return nil, err
	}
	p.track(source)
	return source, nil
}

func (r *Runner) buildArchival(ctx context.Context, p *Pipeline, maxInFlight uint64) (*ingestion.WorkerPool, error) {
	ac := r.cfg.Archival
	store, err := storage.NewFromURL(ctx, ac.RemoteURL, ac.Options)
	if err != nil {
		return nil, err
	}
	p.track(store)

	wcfg := ac.Config
	wcfg.MaxCheckpointsInProgress = maxInFlight
	worker, err := archival.NewWorker(ctx, store, wcfg)
	if err != nil {
		return nil, err
	}
	p.track(worker)
	return ingestion.NewWorkerPool(ac.Name, worker, 1).WithInitialCheckpoint(ac.InitialCheckpoint), nil
}

func (r *Runner) buildAnalytics(ctx context.Context, p *Pipeline, ac config.AnalyticsConfig, packageStores map[string]analytics.PackageStore) (*ingestion.WorkerPool, error) {
	var output storage.Store
	if ac.OutputURL != "" {
		store, err := storage.NewFromURL(ctx, ac.OutputURL, ac.Options)
		if err != nil {
			return nil, err
		}
		p.track(store)
		output = store
	}
	sink, err := analytics.OpenSink(ctx, ac.Sink, output)
	if err != nil {
		return nil, err
	}
	p.track(sink)

	var packages analytics.PackageStore
	if path := ac.PackageStorePath; path != "" {
		packages = packageStores[path]
		if packages == nil {
			store, err := analytics.NewSQLitePackageStore(path)
			if err != nil {
				return nil, err
			}
			p.track(store)
			packageStores[path] = store
			packages = store
		}
	}
	cache := analytics.NewPackageCache(packages)

	var worker ingestion.Worker
	switch strings.ToLower(ac.Handler) {
	case "object":
		worker, err = analytics.NewWorker[analytics.ObjectEntry](analytics.NewObjectHandler(cache), sink, ac.WorkerConfig)
	case "event":
		worker, err = analytics.NewWorker[analytics.EventEntry](analytics.NewEventHandler(cache), sink, ac.WorkerConfig)
	case "dynamic_field":
		worker, err = analytics.NewWorker[analytics.DynamicFieldEntry](analytics.NewDynamicFieldHandler(cache), sink, ac.WorkerConfig)
	default:
		return nil, fmt.Errorf("unknown analytics handler %q", ac.Handler)
	}
	if err != nil {
		return nil, err
	}
	return ingestion.NewWorkerPool(ac.Name, worker, 1).WithInitialCheckpoint(ac.InitialCheckpoint), nil
}

// OpenProgressStore opens the progress store named by the config.
func OpenProgressStore(ctx context.Context, cfg config.ProgressConfig) (progress.Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "file":
		return progress.NewFileStore(cfg.Path)
	case "redis":
		return progress.NewRedisStore(ctx, cfg.Redis)
	case "postgres":
		return progress.NewPostgresStore(ctx, cfg.DSN, cfg.Table)
	case "memory":
		return progress.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown progress store type %q", cfg.Type)
}

func buildAlerter(cfg config.AlertsConfig) (alert.Alerter, error) {
	var alerters []alert.Alerter
	if cfg.Slack.Token != "" {
		slack, err := alert.NewSlackAlerter(cfg.Slack.Token, cfg.Slack.Channels)
		if err != nil {
			return nil, err
		}
		alerters = append(alerters, slack)
	}
	if cfg.Email.APIKey != "" {
		email, err := alert.NewEmailAlerter(cfg.Email.APIKey, cfg.Email.Host, cfg.Email.From, cfg.Email.To)
		if err != nil {
			return nil, err
		}
		alerters = append(alerters, email)
	}
	if len(alerters) == 0 {
		return alert.Nop{}, nil
	}
	return alert.NewMultiAlerter(cfg.Cooldown, alerters...), nil
}
