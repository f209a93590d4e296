package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/agor-sh/agor/internal/common/logger"
)

func DefaultConfig() Config {
	return Config{Port: 9090}
}

// Provide starts the server and hands back an idempotent stop function
// for the daemon's shutdown path.
func Provide(ctx context.Context, cfg Config, deps Deps, log *logger.Logger) (*Server, func() error, error) {
	srv := New(cfg, deps, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var once sync.Once
	stop := func() error {
		var err error
		once.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = srv.Stop(stopCtx)
		})
		return err
	}
	return srv, stop, nil
}
