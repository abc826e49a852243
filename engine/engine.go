// Package engine wires the full automation stack: MongoDB stores, the
// Pulse-backed job queue, the integration dispatcher with its provider
// adapters, the scheduler, the executor pool and the reaper. Every
// replica runs the same assembly; distributed tickers make sure each
// sweep fires on exactly one of them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/pool"
	"golang.org/x/time/rate"

	"github.com/conduitflow/conduit/eventlog"
	"github.com/conduitflow/conduit/executor"
	"github.com/conduitflow/conduit/integration"
	"github.com/conduitflow/conduit/integration/cache"
	"github.com/conduitflow/conduit/integration/githubapi"
	"github.com/conduitflow/conduit/integration/gmailapi"
	"github.com/conduitflow/conduit/integration/slackapi"
	"github.com/conduitflow/conduit/integration/webhookapi"
	"github.com/conduitflow/conduit/notify"
	queuepulse "github.com/conduitflow/conduit/queue/pulse"
	"github.com/conduitflow/conduit/scheduler"
	credmongo "github.com/conduitflow/conduit/store/credentials/mongo"
	eventsmongo "github.com/conduitflow/conduit/store/events/mongo"
	processedmongo "github.com/conduitflow/conduit/store/processed/mongo"
	runsmongo "github.com/conduitflow/conduit/store/runs/mongo"
	usersmongo "github.com/conduitflow/conduit/store/users/mongo"
	workflowsmongo "github.com/conduitflow/conduit/store/workflows/mongo"
	"github.com/conduitflow/conduit/trigger"
	"github.com/conduitflow/conduit/workflow/interp"
	"github.com/conduitflow/conduit/workflow/service"
)

const (
	// poolName groups engine replicas for distributed tickers.
	poolName = "conduit"
	// reaperInterval is the cadence of retention sweeps.
	reaperInterval = 24 * time.Hour
)

// Config configures an Engine.
type Config struct {
	// Redis backs the job queue, the cancel set and the ticker pool.
	Redis *redis.Client
	// Mongo is the database holding all collections.
	Mongo *mongodriver.Database
	// OAuth maps app keys to their client registrations.
	OAuth map[string]integration.OAuthApp
	// Mail configures the notification relay. Nil disables email
	// notifications.
	Mail *notify.MailConfig

	// SweepInterval overrides the scheduler cadence. Zero means
	// scheduler.DefaultSweepInterval.
	SweepInterval time.Duration
	// Retention overrides how long log entries and dedup rows are kept.
	// Zero means eventlog.DefaultRetention.
	Retention time.Duration
	// Concurrency overrides the executor pool size.
	Concurrency int
	// PickOldestFirst makes polls enqueue the oldest unseen occurrence.
	PickOldestFirst bool
	// MarkFailedProcessed stops terminally failed occurrences from
	// firing again.
	MarkFailedProcessed bool
}

// Engine is a fully wired automation engine replica.
type Engine struct {
	// Service is the workflow management surface.
	Service *service.Service
	// Events queries the audit trail.
	Events *eventlog.Log

	queue     *queuepulse.Queue
	cancelled *queuepulse.CancelSet
	scheduler *scheduler.Scheduler
	executor  *executor.Executor
	reaper    *eventlog.Reaper
	checker   health.Checker

	redis         *redis.Client
	sweepInterval time.Duration
}

// New wires an engine from its external resources.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Mongo == nil {
		return nil, errors.New("mongo database is required")
	}

	usersStore, err := usersmongo.New(cfg.Mongo.Collection("users"))
	if err != nil {
		return nil, err
	}
	credsStore, err := credmongo.New(cfg.Mongo.Collection("credentials"))
	if err != nil {
		return nil, err
	}
	workflowsStore, err := workflowsmongo.New(cfg.Mongo.Collection("workflows"))
	if err != nil {
		return nil, err
	}
	runsStore, err := runsmongo.New(cfg.Mongo.Collection("runs"))
	if err != nil {
		return nil, err
	}
	processedStore, err := processedmongo.New(cfg.Mongo.Collection("processed_triggers"))
	if err != nil {
		return nil, err
	}
	eventsStore, err := eventsmongo.New(cfg.Mongo.Collection("log_entries"))
	if err != nil {
		return nil, err
	}

	jobQueue, err := queuepulse.NewQueue(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	cancelled, err := queuepulse.NewCancelSet(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Mail != nil {
		mailer, err := notify.NewMailer(*cfg.Mail)
		if err != nil {
			return nil, fmt.Errorf("notification mailer: %w", err)
		}
		notifier = mailer
	}

	events := eventlog.New(eventsStore)
	dispatcher := integration.New(integration.Options{
		Credentials: credsStore,
		Cache:       cache.New(),
		Events:      events,
		Notifier:    notifier,
		OAuth:       cfg.OAuth,
		Limits: map[string]rate.Limit{
			"gmail":  rate.Limit(5),
			"slack":  rate.Limit(5),
			"github": rate.Limit(5),
		},
	})
	dispatcher.Register(gmailapi.New())
	dispatcher.Register(slackapi.New())
	dispatcher.Register(githubapi.New())
	dispatcher.Register(webhookapi.New())

	detector := trigger.New(dispatcher)
	interpreter := interp.New(dispatcher, events)

	svc := service.New(service.Options{
		Workflows:  workflowsStore,
		Runs:       runsStore,
		Processed:  processedStore,
		Events:     eventsStore,
		Users:      usersStore,
		Log:        events,
		Cancelled:  cancelled,
		Detector:   detector,
		Interp:     interpreter,
		Dispatcher: dispatcher,
	})

	sched := scheduler.New(scheduler.Options{
		Workflows:       workflowsStore,
		Users:           usersStore,
		Processed:       processedStore,
		Detector:        detector,
		Queue:           jobQueue,
		Events:          events,
		PickOldestFirst: cfg.PickOldestFirst,
	})

	exec := executor.New(executor.Options{
		Queue:               jobQueue,
		Cancelled:           cancelled,
		Workflows:           workflowsStore,
		Users:               usersStore,
		Runs:                runsStore,
		Processed:           processedStore,
		Interp:              interpreter,
		Events:              events,
		Concurrency:         cfg.Concurrency,
		MarkFailedProcessed: cfg.MarkFailedProcessed,
	})

	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = scheduler.DefaultSweepInterval
	}

	return &Engine{
		Service:       svc,
		Events:        events,
		queue:         jobQueue,
		cancelled:     cancelled,
		scheduler:     sched,
		executor:      exec,
		reaper:        eventlog.NewReaper(eventsStore, processedStore, cfg.Retention),
		checker:       health.NewChecker(usersStore, credsStore, workflowsStore, runsStore, processedStore, eventsStore),
		redis:         cfg.Redis,
		sweepInterval: sweep,
	}, nil
}

// HealthHandler serves readiness for this replica: every Mongo store must
// answer a ping.
func (e *Engine) HealthHandler() http.Handler {
	return health.Handler(e.checker)
}

// Run drives the engine until the context ends: executor workers drain
// the queue while distributed tickers fire the scheduler and reaper
// sweeps on one replica at a time.
func (e *Engine) Run(ctx context.Context) error {
	node, err := pool.AddNode(ctx, poolName, e.redis)
	if err != nil {
		return fmt.Errorf("join ticker pool: %w", err)
	}
	defer func() {
		if err := node.Close(ctx); err != nil {
			log.Errorf(ctx, err, "close ticker pool node")
		}
	}()

	schedTicker, err := node.NewTicker(ctx, "scheduler", e.sweepInterval)
	if err != nil {
		return fmt.Errorf("create scheduler ticker: %w", err)
	}
	defer schedTicker.Stop()
	reapTicker, err := node.NewTicker(ctx, "reaper", reaperInterval)
	if err != nil {
		return fmt.Errorf("create reaper ticker: %w", err)
	}
	defer reapTicker.Stop()

	go e.scheduler.Run(ctx, schedTicker.C)
	go e.reaper.Run(ctx, reapTicker.C)

	log.Printf(ctx, "engine running (sweep %s, reap %s)", e.sweepInterval, reaperInterval)
	err = e.executor.Run(ctx)
	if closeErr := e.queue.Close(context.WithoutCancel(ctx)); closeErr != nil {
		log.Errorf(ctx, closeErr, "close job queue")
	}
	e.cancelled.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
