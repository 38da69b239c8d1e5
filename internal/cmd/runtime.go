package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/EternityForest/Acorns/internal/config"
	"github.com/EternityForest/Acorns/internal/console"
	"github.com/EternityForest/Acorns/internal/logging"
	"github.com/EternityForest/Acorns/internal/manager"
)

// defaultShutdownTimeout bounds how long notifying and closing programs
// may each take on exit.
const defaultShutdownTimeout = 10 * time.Second

// runtime is what run and serve share: the effective config, the logger,
// the console sinks and a started manager.
type runtime struct {
	cfg     *config.Config
	log     *logging.Logger
	console *console.Console
	manager *manager.Manager
	fs      afero.Fs

	shutdownTimeout time.Duration
}

func newRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return startRuntime(cmd, cfg, afero.NewOsFs())
}

func startRuntime(cmd *cobra.Command, cfg *config.Config, fs afero.Fs) (*runtime, error) {
	log, err := logging.NewLogger(logging.Options{
		Dir:   cfg.Logging.Dir,
		Level: cfg.Logging.Level,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		},
		Fs: fs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	cons := console.New(cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg.Output.Color)
	m, err := manager.New(manager.Options{
		Config: cfg,
		Logger: log,
		Output: cons.Output,
		Error:  cons.Error,
		Fs:     fs,
	})
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return &runtime{
		cfg:             cfg,
		log:             log,
		console:         cons,
		manager:         m,
		fs:              fs,
		shutdownTimeout: defaultShutdownTimeout,
	}, nil
}

// notify emits topic to subscribed programs, giving up on any still busy
// once the shutdown timeout passes.
func (r *runtime) notify(topic string) int {
	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()
	return r.manager.Emit(ctx, topic)
}

func (r *runtime) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()
	err := r.manager.Shutdown(ctx)
	if cerr := r.log.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
