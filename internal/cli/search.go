package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"photosearch/internal/domain"
	"photosearch/internal/usecase"
)

const dateLayout = "2006-01-02"

var (
	searchJSON      bool
	searchAudio     string
	searchThreshold float64
	searchLimit     int
	searchCity      string
	searchFrom      string
	searchTo        string
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Find photos by description",
	Long: `Search indexed photos by free text. The query is expanded into short
phrases and optional city and date filters; photos are ranked by their best
phrase similarity, minus a penalty for resemblance to disliked photos.

Examples:
  photosearch search "dog playing in snow"
  photosearch search "beach" --city Lisbon --from 2023-06-01 --to 2023-08-31
  photosearch search --audio query.m4a --json`,
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output as JSON")
	searchCmd.Flags().StringVar(&searchAudio, "audio", "", "transcribe a recorded query instead of reading text")
	searchCmd.Flags().Float64Var(&searchThreshold, "threshold", 0, "minimum score (default from config)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "maximum number of results (default from config)")
	searchCmd.Flags().StringVar(&searchCity, "city", "", "only photos taken in this city")
	searchCmd.Flags().StringVar(&searchFrom, "from", "", "only photos taken on or after this date (YYYY-MM-DD)")
	searchCmd.Flags().StringVar(&searchTo, "to", "", "only photos taken on or before this date (YYYY-MM-DD)")
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	if query == "" && searchAudio == "" {
		return errors.New("a query or --audio is required")
	}

	opts, err := searchOptions(cmd)
	if err != nil {
		return err
	}

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	planner := a.planner()
	var resp domain.SearchResponse
	if searchAudio != "" {
		resp, err = planner.SearchSpeech(ctx, searchAudio, opts)
		if err != nil {
			return errors.Wrap(err, "speech search failed")
		}
	} else {
		resp = planner.SearchWithOptions(ctx, query, opts)
	}

	if searchJSON {
		output, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(output))
		return nil
	}
	printSearchResponse(resp)
	return nil
}

func searchOptions(cmd *cobra.Command) (usecase.SearchOptions, error) {
	var opts usecase.SearchOptions
	flags := cmd.Flags()

	if flags.Changed("threshold") {
		opts.Threshold = &searchThreshold
	}
	opts.Limit = searchLimit
	if flags.Changed("city") {
		opts.City = &searchCity
	}
	if searchFrom != "" {
		from, err := time.ParseInLocation(dateLayout, searchFrom, time.Local)
		if err != nil {
			return opts, errors.Wrap(err, "invalid --from date")
		}
		ms := from.UnixMilli()
		opts.From = &ms
	}
	if searchTo != "" {
		to, err := time.ParseInLocation(dateLayout, searchTo, time.Local)
		if err != nil {
			return opts, errors.Wrap(err, "invalid --to date")
		}
		// inclusive: last millisecond of the day
		ms := to.AddDate(0, 0, 1).UnixMilli() - 1
		opts.To = &ms
	}
	if opts.From != nil && opts.To != nil && *opts.From > *opts.To {
		return opts, errors.New("--from is after --to")
	}
	return opts, nil
}

func printSearchResponse(resp domain.SearchResponse) {
	if len(resp.Results) == 0 {
		fmt.Printf("No results found. (%s)\n", resp.Message)
		return
	}

	fmt.Printf("Found %d results for: %s\n", len(resp.Results), resp.Query)
	if len(resp.PhrasesUsed) > 0 {
		fmt.Printf("Phrases: %s\n", strings.Join(resp.PhrasesUsed, " | "))
	}
	fmt.Println()

	for i, r := range resp.Results {
		var details []string
		if r.City != "" {
			details = append(details, r.City)
		}
		if r.Timestamp > 0 {
			details = append(details, time.UnixMilli(r.Timestamp).Format(dateLayout))
		}
		if r.Penalty > 0 {
			details = append(details, fmt.Sprintf("penalty %.2f", r.Penalty))
		}
		fmt.Printf("%3d. [%.3f] %s  %s\n", i+1, r.Score, r.ID, r.URI)
		if len(details) > 0 {
			fmt.Printf("     %s\n", strings.Join(details, ", "))
		}
	}
	fmt.Printf("\n%s\n", resp.Message)
}
