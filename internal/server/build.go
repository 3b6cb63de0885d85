package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"rewrite0/internal/cache"
	"rewrite0/internal/config"
	"rewrite0/internal/httpcache"
	"rewrite0/internal/lock"
	"rewrite0/internal/metrics"
	"rewrite0/internal/rewrite"
)

// Stack is everything Build wires up for one process.
type Stack struct {
	Engine   *rewrite.Engine
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	// Caches are the backends whose counters the stats loop reports.
	Caches map[string]cache.StatsReporter
	// Store is the byte cache behind both the HTTP and the metadata cache.
	Store cache.Backend

	closers []func() error
}

// Close stops the engine and then releases the storage it used.
func (s *Stack) Close() error {
	if s.Engine != nil {
		s.Engine.Close()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Build opens the configured storage and lock backends and creates the
// engine on top of them. Extra deps override what Build would create; tests
// use it to inject a fetcher or a clock.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger, extra ...func(*rewrite.Deps)) (_ *Stack, err error) {
	st := &Stack{Caches: map[string]cache.StatsReporter{}}
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()

	st.Registry = prometheus.NewRegistry()
	st.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	st.Metrics = metrics.New(st.Registry)

	ram := cache.NewThreadSafe(cache.NewLRU(cfg.RAMMax()))
	st.Caches["ram"] = ram
	st.Metrics.RegisterCacheStats("ram", ram)

	back, err := openBackend(ctx, cfg, st, logger)
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", cfg.Storage.Backend, err)
	}
	if back == nil {
		st.Store = ram
	} else {
		st.Store = cache.NewWriteThrough(ram, back, cfg.RAMEntryMax())
	}

	var locks lock.Manager
	switch cfg.Rewrite.Lock.Backend {
	case config.LockSQLite:
		l, err := lock.OpenSQLite(ctx, cfg.Rewrite.Lock.Path, cfg.LockTTL(), logger)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, l.Close)
		locks = l
	default:
		locks = lock.NewMemory(cfg.LockTTL())
	}

	opts := cfg.RewriteOptions()
	deps := rewrite.Deps{
		HTTPCache: httpcache.New(st.Store, cfg.HTTPCache(),
			httpcache.WithMetrics(st.Metrics), httpcache.WithLogger(logger)),
		Metadata: st.Store,
		Locks:    locks,
		Fetcher:  rewrite.NewHTTPFetcher(opts.FetchTimeout),
		Mapper:   cfg.Mapper(),
		Metrics:  st.Metrics,
		Logger:   logger,
	}
	for _, fn := range extra {
		fn(&deps)
	}
	if st.Engine, err = rewrite.NewEngine(deps, opts); err != nil {
		return nil, err
	}
	logger.Info().
		Str("store", st.Store.Name()).
		Str("locks", cfg.Rewrite.Lock.Backend).
		Msg("engine ready")
	return st, nil
}

// openBackend returns the authoritative store behind the RAM cache, or nil
// when RAM is all there is.
func openBackend(ctx context.Context, cfg config.Config, st *Stack, logger zerolog.Logger) (cache.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendFile:
		f, err := cache.NewFile(cfg.FileConfig(), logger)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, f.Close)
		return f, nil

	case config.BackendLevelDB:
		d, err := cache.OpenLevelDB(cfg.Storage.LevelDB.Path, cfg.LevelDBMax(), logger)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, d.Close)
		st.Caches["leveldb"] = d
		st.Metrics.RegisterCacheStats("leveldb", d)
		return d, nil

	case config.BackendSQL:
		db, err := sql.Open(cfg.Storage.SQL.Driver, cfg.Storage.SQL.DSN)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, db.Close)
		if cfg.Storage.SQL.Driver == cache.DriverSQLite {
			db.SetMaxOpenConns(1)
		}
		return cache.NewSQL(ctx, db, cfg.Storage.SQL.Driver, logger)

	case config.BackendDynamoDB:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if r := cfg.Storage.DynamoDB.Region; r != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(r))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if ep := cfg.Storage.DynamoDB.Endpoint; ep != "" {
				o.BaseEndpoint = aws.String(ep)
			}
		})
		return cache.NewDynamoDB(client, cfg.DynamoDBConfig(), logger)
	}
	return nil, nil
}
