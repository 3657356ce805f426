package cli

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"photosearch/internal/usecase"
)

var (
	labelTop      int
	labelShowOnly bool
)

var labelCmd = &cobra.Command{
	Use:   "label [label]...",
	Short: "Score indexed photos against labels",
	Long: `Score every indexed photo against each label and store scores above
labels.min_score. Without arguments the labels from the config are used.

Examples:
  photosearch label                     # Score the configured labels
  photosearch label "birthday cake" --top 10
  photosearch label beach --show        # Print stored scores only`,
	RunE: runLabel,
}

func init() {
	rootCmd.AddCommand(labelCmd)
	labelCmd.Flags().IntVar(&labelTop, "top", 5, "photos to print per label (0 prints none)")
	labelCmd.Flags().BoolVar(&labelShowOnly, "show", false, "print stored scores without rescoring")
}

func runLabel(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	labels := args
	if len(labels) == 0 {
		labels = a.cfg.Labels.Names
	}
	if len(labels) == 0 {
		return errors.New("no labels given and none configured")
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	categorizer := usecase.NewCategorizer(a.store, a.textEmbedder(), a.cfg.Labels.MinScore, a.log)
	if !labelShowOnly {
		summaries, err := categorizer.Run(ctx, labels)
		if err != nil {
			return errors.Wrap(err, "labeling failed")
		}
		for _, s := range summaries {
			if s.Err != nil {
				fmt.Printf("%-20s skipped: %v\n", s.Label, s.Err)
				continue
			}
			fmt.Printf("%-20s %d of %d photos\n", s.Label, s.Stored, s.Scanned)
		}
	}

	if labelTop <= 0 {
		return nil
	}
	for _, label := range labels {
		top, err := categorizer.Top(label, labelTop)
		if err != nil {
			return err
		}
		fmt.Printf("\n%s:\n", label)
		if len(top) == 0 {
			fmt.Println("  (no photos)")
		}
		for i, s := range top {
			fmt.Printf("  %d. [%.3f] %s\n", i+1, s.Score, s.ImageID)
		}
	}
	return nil
}
