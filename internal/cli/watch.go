package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"photosearch/internal/usecase"
)

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the index up to date while the library changes",
	Long: `Index pending photos, then watch the library and index new photos as
they appear. Stop with Ctrl-C; the running batch is rolled back and
resumed on the next run.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 2*time.Second, "quiet period before reindexing")
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	var runs sync.WaitGroup
	pipeline := a.pipeline(usecase.WithScheduler(func(task func()) {
		runs.Add(1)
		go func() {
			defer runs.Done()
			task()
		}()
	}))

	ensure := func(ctx context.Context) {
		res, err := pipeline.EnsureUpToDate(ctx)
		if err != nil {
			a.log.Error("checking library failed", zap.Error(err))
			return
		}
		if res.Triggered {
			a.log.Info("indexing pending photos", zap.Int("pending", res.Pending))
		}
	}

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", a.dir)
	ensure(ctx)
	err = a.library.NewWatcher(watchDebounce, a.log).Run(ctx, ensure)

	pipeline.Stop()
	runs.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
