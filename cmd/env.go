package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nosey/viewership-pipeline/internal/archive"
	"github.com/nosey/viewership-pipeline/internal/handler"
	"github.com/nosey/viewership-pipeline/internal/lease"
	"github.com/nosey/viewership-pipeline/internal/notify"
	"github.com/nosey/viewership-pipeline/internal/pipeline"
	"github.com/nosey/viewership-pipeline/internal/stage"
	"github.com/nosey/viewership-pipeline/internal/store"
	"github.com/nosey/viewership-pipeline/internal/verify"
	"github.com/nosey/viewership-pipeline/internal/warehouse"
)

// pipelineEnv holds the process-wide handles needed by invoke and serve.
type pipelineEnv struct {
	Warehouse *warehouse.SQLStore
	Store     store.Store
	Redis     *redis.Client // nil unless leasing is enabled
	Pipeline  *pipeline.Pipeline
	Handler   *handler.Handler
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Redis != nil {
		_ = pe.Redis.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
	if pe.Warehouse != nil {
		_ = pe.Warehouse.Close()
	}
}

// initPipeline opens the warehouse and run log, builds the notifier,
// lease and archive, and wires the pipeline. Callers should defer
// env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	env := &pipelineEnv{}

	wh, err := warehouse.NewSnowflake(cfg.Snowflake)
	if err != nil {
		return nil, eris.Wrap(err, "open warehouse")
	}
	env.Warehouse = wh

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = wh.Ping(pingCtx)
	cancel()
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "ping warehouse")
	}

	st, err := initStore(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Store = st
	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	notifier, err := notify.New(ctx, cfg.Mail)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init notifier")
	}
	mailer := notify.NewMailer(notifier, cfg.Mail.CC)

	var leaser lease.Leaser
	if cfg.Lease.Enabled {
		env.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Lease.RedisAddr,
			Password: cfg.Lease.Password,
		})
		if err := env.Redis.Ping(ctx).Err(); err != nil {
			env.Close()
			return nil, eris.Wrap(err, "ping lease redis")
		}
		leaser = lease.NewRedis(env.Redis, time.Duration(cfg.Lease.TTLSecs)*time.Second)
		zap.L().Info("batch leasing enabled", zap.String("redis", cfg.Lease.RedisAddr))
	}

	var archiver archive.Archiver
	if cfg.Archive.Bucket != "" {
		s3a, err := archive.NewS3(ctx, cfg.Archive)
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "init archive")
		}
		archiver = s3a
		zap.L().Info("outcome archive enabled", zap.String("bucket", cfg.Archive.Bucket))
	}

	tables := cfg.Tables()
	runner := stage.New(wh, tables, cfg.Pipeline.StageTimeout())
	env.Pipeline = pipeline.New(cfg.Pipeline, tables, runner, verify.New(wh), mailer, st, leaser)
	env.Handler = handler.New(env.Pipeline, archiver, cfg.Server.StrictStatus)
	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "runs.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the run log for the inspection commands.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}
