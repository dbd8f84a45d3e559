package app

import (
	"context"
	"errors"
	"fmt"

	gcstorage "cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscf "github.com/aws/aws-sdk-go-v2/service/cloudfront"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/trailnotes/internal/config"
	collyfetcher "github.com/JakeFAU/trailnotes/internal/fetcher/colly"
	"github.com/JakeFAU/trailnotes/internal/fetcher/headless"
	"github.com/JakeFAU/trailnotes/internal/flight"
	cfinvalidator "github.com/JakeFAU/trailnotes/internal/invalidate/cloudfront"
	meminvalidator "github.com/JakeFAU/trailnotes/internal/invalidate/memory"
	memqueue "github.com/JakeFAU/trailnotes/internal/queue/memory"
	sqsqueue "github.com/JakeFAU/trailnotes/internal/queue/sqs"
	"github.com/JakeFAU/trailnotes/internal/storage/gcs"
	"github.com/JakeFAU/trailnotes/internal/storage/local"
	memstore "github.com/JakeFAU/trailnotes/internal/storage/memory"
	"github.com/JakeFAU/trailnotes/internal/storage/postgres"
	s3store "github.com/JakeFAU/trailnotes/internal/storage/s3"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

func (a *App) initStorage(ctx context.Context) error {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case config.BackendMemory:
		a.logger.Info("Using in-memory object stores. Objects are lost on exit.")
		a.live = memstore.NewStore(a.clock)
		a.recovery = memstore.NewStore(a.clock)
	case config.BackendLocal:
		a.logger.Info("Using local object stores", zap.String("base_dir", cfg.BaseDir))
		live, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return trail.ConfigErr("local store", err)
		}
		a.live = live
		if cfg.RecoveryDir != "" {
			recovery, err := local.New(local.Config{BaseDir: cfg.RecoveryDir})
			if err != nil {
				return trail.ConfigErr("local recovery store", err)
			}
			a.recovery = recovery
		}
	case config.BackendGCS:
		a.logger.Info("Using GCS object stores", zap.String("bucket", cfg.Bucket))
		var opts []option.ClientOption
		if cfg.GCSEndpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.GCSEndpoint), option.WithoutAuthentication())
		}
		client, err := gcstorage.NewClient(ctx, opts...)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		if a.live, err = gcs.New(client, gcs.Config{Bucket: cfg.Bucket}); err != nil {
			return trail.ConfigErr("gcs store", err)
		}
		if cfg.RecoveryBucket != "" {
			if a.recovery, err = gcs.New(client, gcs.Config{Bucket: cfg.RecoveryBucket}); err != nil {
				return trail.ConfigErr("gcs recovery store", err)
			}
		}
	case config.BackendS3:
		a.logger.Info("Using S3 object stores", zap.String("bucket", cfg.Bucket))
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return err
		}
		client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
			if a.cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(a.cfg.AWS.Endpoint)
				o.UsePathStyle = true
			}
		})
		if a.live, err = s3store.New(client, s3store.Config{Bucket: cfg.Bucket}); err != nil {
			return trail.ConfigErr("s3 store", err)
		}
		if cfg.RecoveryBucket != "" {
			if a.recovery, err = s3store.New(client, s3store.Config{Bucket: cfg.RecoveryBucket}); err != nil {
				return trail.ConfigErr("s3 recovery store", err)
			}
		}
	default:
		return trail.ConfigErr("storage", fmt.Errorf("unknown storage backend %q", cfg.Backend))
	}

	store := a.live
	a.checks["storage"] = func(ctx context.Context) error {
		if _, err := store.Stat(ctx, a.cfg.Paths.MergedKey); err != nil && !errors.Is(err, trail.ErrNotFound) {
			return err
		}
		return nil
	}
	return nil
}

func (a *App) initQueue(ctx context.Context) error {
	if !a.cfg.Images.Enabled {
		return nil
	}
	cfg := a.cfg.Queue
	switch cfg.Backend {
	case config.BackendMemory:
		live, ok := a.live.(*memstore.Store)
		if !ok {
			return trail.ConfigErr("queue", errors.New("the memory queue requires the memory object store"))
		}
		q := memqueue.NewQueue(cfg.Visibility, a.clock)
		live.OnPut(q.NotifySuffixes(a.cfg.Images.Suffixes))
		a.receiver = q
	case config.BackendSQS:
		a.logger.Info("Using SQS notification queue", zap.String("url", cfg.URL))
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return err
		}
		client := awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
			if a.cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(a.cfg.AWS.Endpoint)
			}
		})
		receiver, err := sqsqueue.New(client, sqsqueue.Config{
			QueueURL:          cfg.URL,
			WaitSeconds:       cfg.WaitSeconds,
			VisibilitySeconds: int32(cfg.Visibility.Seconds()),
		})
		if err != nil {
			return err
		}
		a.receiver = receiver
	default:
		return trail.ConfigErr("queue", fmt.Errorf("unknown queue backend %q", cfg.Backend))
	}
	return nil
}

func (a *App) initInvalidator(ctx context.Context) error {
	cfg := a.cfg.Invalidator
	switch cfg.Backend {
	case config.BackendNoop:
		a.logger.Info("Using no-op invalidator. Cached copies expire on their own.")
		a.invalidator = meminvalidator.Noop{}
	case config.BackendMemory:
		a.invalidator = meminvalidator.New()
	case config.BackendCloudFront:
		a.logger.Info("Using CloudFront invalidator", zap.String("distribution", cfg.DistributionID))
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return err
		}
		inv, err := cfinvalidator.New(awscf.NewFromConfig(awsCfg), cfg.DistributionID, a.ids)
		if err != nil {
			return err
		}
		a.invalidator = inv
	default:
		return trail.ConfigErr("invalidator", fmt.Errorf("unknown invalidator backend %q", cfg.Backend))
	}
	return nil
}

// initFetcher builds the scraper's fetcher. The status probe always uses
// plain HTTP through colly.
func (a *App) initFetcher(context.Context) error {
	cfg := a.cfg.Scraper
	if !cfg.Enabled || !cfg.Headless {
		return nil
	}
	f, err := headless.NewChromedp(headless.Config{
		MaxParallel:       1,
		UserAgent:         cfg.UserAgent,
		NavigationTimeout: cfg.Timeout,
		WaitSelector:      cfg.WaitSelector,
		Evaluate:          cfg.Evaluate,
	})
	if err != nil {
		return trail.ConfigErr("headless fetcher", err)
	}
	a.onClose(func(context.Context) error {
		f.Close()
		return nil
	})
	a.fetcher = f
	return nil
}

func (a *App) httpFetcher() trail.Fetcher {
	return collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.Scraper.UserAgent,
		Timeout:   a.cfg.Scraper.Timeout,
		Limiter:   a.hostLimiter,
	})
}

func (a *App) awsConfig(ctx context.Context) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.cfg.AWS.Region))
	if err != nil {
		return aws.Config{}, trail.ConfigErr("load aws config", err)
	}
	return awsCfg, nil
}

// leasePool lazily opens the shared lease pool and creates its table.
func (a *App) leasePool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := postgres.Connect(ctx, postgres.Config{DSN: a.cfg.Lease.DSN, MaxConns: 2})
	if err != nil {
		return nil, trail.Transient("lease pool", err)
	}
	a.onClose(func(context.Context) error {
		pool.Close()
		return nil
	})
	if err := postgres.EnsureLeaseTable(ctx, pool, a.cfg.Lease.Table); err != nil {
		return nil, trail.Transient("lease table", err)
	}
	a.checks["lease"] = pool.Ping
	return pool, nil
}

// gates builds one single-flight gate per name. With the postgres lease
// backend the slot is system-wide; otherwise it covers this process only.
func (a *App) gates(ctx context.Context, names ...string) (map[string]trail.Gate, error) {
	out := make(map[string]trail.Gate, len(names))
	var pool *pgxpool.Pool
	if a.cfg.Lease.Backend == config.BackendPostgres {
		var err error
		if pool, err = a.leasePool(ctx); err != nil {
			return nil, err
		}
	}
	for _, name := range names {
		local := flight.NewLocal(name, 1)
		if pool == nil {
			out[name] = local
			continue
		}
		lease, err := flight.NewLease(pool, flight.LeaseConfig{
			Name:  name,
			Table: a.cfg.Lease.Table,
			TTL:   a.cfg.Lease.TTL,
		}, a.ids, a.clock, a.logger)
		if err != nil {
			return nil, err
		}
		out[name] = flight.Chain{local, lease}
	}
	return out, nil
}
