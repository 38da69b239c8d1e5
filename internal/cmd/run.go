package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	apperrors "github.com/EternityForest/Acorns/internal/errors"
	"github.com/EternityForest/Acorns/internal/loader"
	"github.com/EternityForest/Acorns/internal/manager"
)

var runCmd = &cobra.Command{
	Use:   "run FILE...",
	Short: "Run script files to completion",
	Long: `Load each file as a program named after the file, run it, wait until
every queued request has finished and print a summary.

The exit status is non-zero if any program reported an error.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var runSummary bool

func init() {
	runCmd.Flags().BoolVar(&runSummary, "summary", true, "print a table of programs when done")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	return runFiles(cmd, rt, args)
}

func runFiles(cmd *cobra.Command, rt *runtime, files []string) (err error) {
	defer func() {
		if cerr := rt.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctx := contextOf(cmd)

	// failed programs did not compile; rejected ones never got a slot.
	var failed, rejected []string
	for _, file := range files {
		id := loader.ProgramID(file)
		src, rerr := afero.ReadFile(rt.fs, file)
		if rerr != nil {
			return fmt.Errorf("failed to read %s: %w", file, rerr)
		}
		if _, lerr := rt.manager.Load(ctx, src, id, manager.LoadOptions{Sync: true}); lerr != nil {
			rt.console.Report(id, lerr)
			if apperrors.IsStructural(lerr) {
				rejected = append(rejected, id)
			} else {
				failed = append(failed, id)
			}
		}
	}

	if werr := rt.manager.Wait(ctx); werr != nil {
		return werr
	}
	if runSummary {
		fmt.Fprintln(cmd.OutOrStdout(), rt.console.Summary(rt.manager.Programs()))
	}

	n := rt.console.Errors()
	if n == 0 {
		return nil
	}
	msg := plural(n, "error") + " reported"
	if len(failed) > 0 {
		msg += fmt.Sprintf("; failed to load: %v", failed)
	}
	if len(rejected) > 0 {
		msg += fmt.Sprintf("; not loaded: %v", rejected)
	}
	return errors.New(msg)
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}
