package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"photosearch/config"
	"photosearch/internal/domain"
	"photosearch/internal/usecase"
)

var indexBatchSize int

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Embed photos that are not indexed yet",
	Long: `Embed every photo of the library that is not in the index yet.
Photos are committed in batches; an interrupted run (Ctrl-C) keeps every
committed batch and the next run resumes where it stopped.

Examples:
  photosearch index                  # Index the current directory
  photosearch index -d ~/Pictures    # Index a specific library`,
	Args: cobra.NoArgs,
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().IntVar(&indexBatchSize, "batch-size", 0, "photos per committed batch (default from config)")
}

// signalContext is cancelled on Ctrl-C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runIndex(cmd *cobra.Command, args []string) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	fmt.Printf("Scanning %s...\n", a.dir)

	bar := newIndexBar()
	opts := []usecase.PipelineOption{usecase.WithProgress(bar.update)}
	if indexBatchSize > 0 {
		opts = append(opts, usecase.WithBatchSize(indexBatchSize))
	}
	result, err := a.pipeline(opts...).Start(ctx)
	bar.finish()
	if err != nil {
		return errors.Wrap(err, "indexing failed")
	}

	printIndexResult(result)
	fmt.Printf("\nIndex stored at: %s\n", config.IndexDBPath(a.dir))
	return nil
}

// indexBar renders pipeline progress. The bar is created once the number
// of photos is known.
type indexBar struct {
	mu        sync.Mutex
	bar       *progressbar.ProgressBar
	stage     domain.Stage
	startTime time.Time
	startedAt int
}

func newIndexBar() *indexBar {
	return &indexBar{}
}

func (b *indexBar) update(p domain.IndexingProgress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.Stage != b.stage {
		b.stage = p.Stage
		if p.Stage == domain.StageModelWarmup {
			fmt.Println("Loading models...")
		}
	}
	if p.Stage != domain.StageIndexing || p.Total == 0 {
		return
	}

	if b.bar == nil {
		b.startTime = time.Now()
		b.startedAt = p.Processed
		b.bar = progressbar.NewOptions(p.Total,
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowBytes(false),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionSetDescription("[cyan]Indexing[reset]"),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "[green]=[reset]",
				SaucerHead:    "[green]>[reset]",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
			progressbar.OptionOnCompletion(func() {
				fmt.Println()
			}),
		)
	}

	_ = b.bar.Set(p.Processed)

	// Photos already indexed before this run do not count towards the rate.
	done := p.Processed - b.startedAt
	if done > 0 {
		elapsed := time.Since(b.startTime)
		rate := float64(done) / elapsed.Seconds()
		remaining := p.Total - p.Processed
		if rate > 0 {
			eta := time.Duration(float64(remaining)/rate) * time.Second
			b.bar.Describe(fmt.Sprintf("[cyan]Indexing[reset] ETA: %s", formatDuration(eta)))
		}
	}
}

func (b *indexBar) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bar != nil {
		_ = b.bar.Exit()
	}
}

func printIndexResult(result *usecase.IndexResult) {
	if result.Stopped {
		fmt.Printf("\nIndexing stopped; committed batches are kept:\n")
	} else {
		fmt.Printf("\nIndexing complete:\n")
	}
	fmt.Printf("  Photos in library: %d\n", result.Total)
	fmt.Printf("  Already indexed:   %d\n", result.AlreadyIndexed)
	fmt.Printf("  Newly indexed:     %d\n", result.Indexed)
	if result.FailedBatches > 0 {
		fmt.Printf("  Failed batches:    %d\n", result.FailedBatches)
	}
	fmt.Printf("  Duration:          %s\n", formatDuration(result.Duration))

	skips := result.SkipCounts()
	if len(skips) == 0 {
		return
	}
	statuses := make([]usecase.ItemStatus, 0, len(skips))
	for s := range skips {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })

	fmt.Printf("\nSkipped:\n")
	for _, s := range statuses {
		fmt.Printf("  - %-16s %d\n", s.String()+":", skips[s])
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
