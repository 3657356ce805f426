package cli

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"photosearch/internal/domain"
	"photosearch/internal/usecase"
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback <photo-id> <tag>",
	Short: "Record feedback for a photo",
	Long: `Record feedback for an indexed photo. Photos similar to disliked ones
rank lower in later searches. "like" is recorded but does not change ranking.

Examples:
  photosearch feedback 3fa2c1d0e4b5a697 dislike
  photosearch feedback 3fa2c1d0e4b5a697 like`,
	Args: cobra.ExactArgs(2),
	RunE: runFeedback,
}

var forgetCmd = &cobra.Command{
	Use:   "forget <photo-id>...",
	Short: "Remove photos from the index",
	Long: `Remove index entries, label scores and feedback for photos that were
deleted from the library.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runForget,
}

func init() {
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(forgetCmd)
}

// normalizeTag maps the well-known tags case-insensitively and keeps any
// other tag as given.
func normalizeTag(tag string) string {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "like":
		return domain.TagLike
	case "dislike":
		return domain.TagDislike
	}
	return strings.TrimSpace(tag)
}

func runFeedback(cmd *cobra.Command, args []string) error {
	id, tag := args[0], normalizeTag(args[1])
	if tag == "" {
		return errors.New("tag must not be empty")
	}

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	recorded, err := usecase.NewPreferenceModel(a.store, a.log).RecordFeedback(id, tag)
	if err != nil {
		return errors.Wrap(err, "failed to record feedback")
	}
	if !recorded {
		fmt.Printf("Photo %s is not indexed yet; feedback ignored.\n", id)
		return nil
	}
	fmt.Printf("Recorded %s for %s.\n", tag, id)
	return nil
}

func runForget(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := usecase.Forget(a.store, args...); err != nil {
		return err
	}
	fmt.Printf("Forgot %d photo(s).\n", len(args))
	return nil
}
