package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/EternityForest/Acorns/internal/loader"
)

// ShutdownTopic is emitted to subscribed programs before serve exits.
const ShutdownTopic = "shutdown"

var serveCmd = &cobra.Command{
	Use:   "serve [DIR]",
	Short: "Run every script in a directory until interrupted",
	Long: `Load every matching file in DIR (default: loader.dir) as a program.
With loader.watch enabled, changed files are reloaded and removed files
closed. On SIGINT or SIGTERM, programs subscribed to "shutdown" are notified
and every program is closed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, rt, args)
}

func serve(ctx context.Context, rt *runtime, args []string) (err error) {
	defer func() {
		rt.notify(ShutdownTopic)
		if cerr := rt.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	dir := rt.cfg.Loader.Dir
	if len(args) > 0 {
		dir = args[0]
	}
	if dir == "" {
		return errors.New("no directory: pass one or set loader.dir")
	}

	l, err := loader.New(rt.manager, loader.Options{
		Fs:       rt.fs,
		Dir:      dir,
		Pattern:  rt.cfg.Loader.Pattern,
		Debounce: rt.cfg.Loader.Debounce,
		Logger:   rt.log,
	})
	if err != nil {
		return err
	}
	if err := l.Scan(ctx); err != nil {
		// Broken files are reported and skipped; the rest keep running.
		rt.log.Warn("initial scan", "error", err)
	}
	rt.log.Info("serving", "dir", dir, "programs", len(l.Known()), "watch", rt.cfg.Loader.Watch)

	if rt.cfg.Loader.Watch {
		return l.Watch(ctx)
	}
	<-ctx.Done()
	return nil
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
