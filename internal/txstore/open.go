package txstore

import (
	"context"
	"fmt"

	"staychain/internal/config"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Open builds the store selected by cfg.Driver. The returned func releases
// any connection the store holds.
func Open(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (Store, func(), error) {
	noop := func() {}
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), noop, nil
	case "file":
		fs, err := NewFileStore(cfg.Path)
		if err != nil {
			return nil, noop, fmt.Errorf("open file store: %w", err)
		}
		log.Info().Str("path", cfg.Path).Msg("transaction store: file")
		return fs, noop, nil
	case "postgres":
		pg, err := NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, noop, fmt.Errorf("open postgres store: %w", err)
		}
		log.Info().Msg("transaction store: postgres")
		return pg, pg.Close, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("pinging redis: %w", err)
		}
		log.Info().Str("addr", cfg.RedisAddr).Int("db", cfg.RedisDB).Msg("transaction store: redis")
		return NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
