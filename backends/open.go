package backends

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/richardartoul/storetrace/config"
	"github.com/richardartoul/storetrace/locking"
	pkglocking "github.com/richardartoul/storetrace/pkg/locking"
	"github.com/richardartoul/storetrace/pkg/metrics"
)

// Stack is an opened store with its configured decorators.
type Stack struct {
	Backend

	// Tracker holds per-operation latencies when store.timed is set.
	Tracker *metrics.LatencyTracker
}

// Open builds the store selected by cfg, wraps it in the configured
// decorators and clears it when store.flush_on_start is set. The caller owns
// the result and must Close it.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stack, error) {
	leaf, err := openLeaf(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	stack := &Stack{Backend: leaf}
	if cfg.Store.Timed {
		stack.Tracker = metrics.NewLatencyTracker(0.01)
		stack.Backend = NewTimed(stack.Backend, stack.Tracker)
	}
	if cfg.Store.Debug {
		stack.Backend = NewDebug(stack.Backend, logger)
	}

	if cfg.Store.FlushOnStart {
		if err := stack.Clear(ctx); err != nil {
			stack.Close()
			return nil, fmt.Errorf("failed to flush %s store: %w", cfg.Store.Type, err)
		}
		logger.Info("flushed store", "type", cfg.Store.Type)
	}
	return stack, nil
}

func openLeaf(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Backend, error) {
	switch cfg.Store.Type {
	case config.StoreMemory:
		return NewMemory(), nil

	case config.StoreDisk:
		locks, err := lockGroup(cfg.Store.Disk.LockDir)
		if err != nil {
			return nil, err
		}
		return NewDisk(cfg.Store.Disk.Dir, logger, WithDiskLockGroup(locks))

	case config.StoreSQLite, config.StorePostgres:
		dialect := DialectSQLite
		if cfg.Store.Type == config.StorePostgres {
			dialect = DialectPostgres
		}
		return OpenSQL(ctx, dialect, cfg.Store.SQL.DSN)

	case config.StoreNATS:
		n := cfg.Store.NATS
		return OpenNATS(ctx, n.URL, n.Bucket, logger, func(o *NATSOptions) {
			o.Timeout = n.Timeout
			o.MaxRetries = n.MaxRetries
		})

	case config.StoreS3:
		return openS3(ctx, cfg.Store.S3, logger)

	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

func openS3(ctx context.Context, cfg config.S3Config, logger *slog.Logger) (*S3, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})

	locks, err := lockGroup(cfg.LockDir)
	if err != nil {
		return nil, err
	}
	return NewS3(client, cfg.Bucket, cfg.Prefix, logger, WithS3LockGroup(locks)), nil
}

// lockGroup returns a file-lock group rooted at dir, or an in-memory group
// when dir is empty.
func lockGroup(dir string) (pkglocking.Group, error) {
	if dir == "" {
		return pkglocking.NewMemLock(), nil
	}
	return locking.NewFileLock(dir)
}
