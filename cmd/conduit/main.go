// Command conduit runs a workflow automation engine replica.
//
// Replicas sharing the same Redis and MongoDB form a cluster: the job
// queue is consumed cooperatively and scheduler/reaper sweeps fire on one
// replica at a time.
//
// Configuration (flags override environment):
//
//	HTTP_ADDR            - health endpoint listen address (default ":8080")
//	REDIS_URL            - Redis address (default "localhost:6379")
//	REDIS_PASSWORD       - Redis password (optional)
//	MONGO_URL            - MongoDB connection string (default "mongodb://localhost:27017")
//	MONGO_DB             - database name (default "conduit")
//	SMTP_HOST/PORT/...   - notification relay; unset disables email
//	GOOGLE_CLIENT_ID     - OAuth client registrations per provider
//	GOOGLE_CLIENT_SECRET
//	SLACK_CLIENT_ID
//	SLACK_CLIENT_SECRET
//	GITHUB_CLIENT_ID
//	GITHUB_CLIENT_SECRET
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"

	"github.com/conduitflow/conduit/engine"
	"github.com/conduitflow/conduit/integration"
	"github.com/conduitflow/conduit/notify"
)

func main() {
	var (
		httpAddrF        = flag.String("http-addr", envOr("HTTP_ADDR", ":8080"), "Health endpoint listen address")
		redisURLF        = flag.String("redis-url", envOr("REDIS_URL", "localhost:6379"), "Redis address")
		mongoURLF        = flag.String("mongo-url", envOr("MONGO_URL", "mongodb://localhost:27017"), "MongoDB connection string")
		mongoDBF         = flag.String("mongo-db", envOr("MONGO_DB", "conduit"), "MongoDB database name")
		sweepF           = flag.Duration("sweep-interval", envDurationOr("SWEEP_INTERVAL", 30*time.Second), "Trigger poll sweep cadence")
		retentionF       = flag.Duration("retention", envDurationOr("RETENTION", 30*24*time.Hour), "Log entry and dedup row retention")
		concurrencyF     = flag.Int("concurrency", envIntOr("CONCURRENCY", 5), "Executor worker count")
		oldestFirstF     = flag.Bool("pick-oldest-first", false, "Enqueue the oldest unseen trigger occurrence instead of the newest")
		failedProcessedF = flag.Bool("mark-failed-processed", false, "Stop terminally failed trigger occurrences from firing again")
		dbgF             = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, options{
		httpAddr:            *httpAddrF,
		redisURL:            *redisURLF,
		mongoURL:            *mongoURLF,
		mongoDB:             *mongoDBF,
		sweepInterval:       *sweepF,
		retention:           *retentionF,
		concurrency:         *concurrencyF,
		pickOldestFirst:     *oldestFirstF,
		markFailedProcessed: *failedProcessedF,
	}); err != nil {
		log.Fatalf(ctx, err, "engine exited")
	}
}

type options struct {
	httpAddr            string
	redisURL            string
	mongoURL            string
	mongoDB             string
	sweepInterval       time.Duration
	retention           time.Duration
	concurrency         int
	pickOldestFirst     bool
	markFailedProcessed bool
}

func run(ctx context.Context, opts options) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.redisURL,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mongoClient, err := mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(opts.mongoURL))
	if err != nil {
		return fmt.Errorf("connect to mongodb: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.WithoutCancel(ctx)); err != nil {
			log.Errorf(ctx, err, "disconnect mongodb")
		}
	}()

	eng, err := engine.New(ctx, engine.Config{
		Redis:               rdb,
		Mongo:               mongoClient.Database(opts.mongoDB),
		OAuth:               oauthFromEnv(),
		Mail:                mailFromEnv(),
		SweepInterval:       opts.sweepInterval,
		Retention:           opts.retention,
		Concurrency:         opts.concurrency,
		PickOldestFirst:     opts.pickOldestFirst,
		MarkFailedProcessed: opts.markFailedProcessed,
	})
	if err != nil {
		return fmt.Errorf("wire engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/healthz", eng.HealthHandler())
	srv := &http.Server{Addr: opts.httpAddr, Handler: mux}
	go func() {
		log.Printf(ctx, "health endpoint listening on %s", opts.httpAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf(ctx, err, "health endpoint")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf(ctx, err, "shutdown health endpoint")
		}
	}()

	return eng.Run(ctx)
}

// oauthFromEnv collects the provider client registrations present in the
// environment. Providers without a registration cannot refresh tokens.
func oauthFromEnv() map[string]integration.OAuthApp {
	oauth := make(map[string]integration.OAuthApp)
	if id := os.Getenv("GOOGLE_CLIENT_ID"); id != "" {
		oauth["gmail"] = integration.OAuthApp{
			ClientID:     id,
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			TokenURL:     "https://oauth2.googleapis.com/token",
		}
	}
	if id := os.Getenv("SLACK_CLIENT_ID"); id != "" {
		oauth["slack"] = integration.OAuthApp{
			ClientID:     id,
			ClientSecret: os.Getenv("SLACK_CLIENT_SECRET"),
			TokenURL:     "https://slack.com/api/oauth.v2.access",
		}
	}
	if id := os.Getenv("GITHUB_CLIENT_ID"); id != "" {
		oauth["github"] = integration.OAuthApp{
			ClientID:     id,
			ClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
			TokenURL:     "https://github.com/login/oauth/access_token",
		}
	}
	return oauth
}

// mailFromEnv builds the SMTP relay config, or nil when no host is set.
func mailFromEnv() *notify.MailConfig {
	host := os.Getenv("SMTP_HOST")
	if host == "" {
		return nil
	}
	return &notify.MailConfig{
		Host:     host,
		Port:     envIntOr("SMTP_PORT", 587),
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     envOr("SMTP_FROM", "no-reply@conduitflow.dev"),
	}
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
