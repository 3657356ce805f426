package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"photosearch/config"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

type indexStatus struct {
	Library       string `json:"library"`
	Index         string `json:"index"`
	Indexed       int    `json:"indexed"`
	Pending       int    `json:"pending"`
	LastIndexedAt *int64 `json:"last_indexed_at"`
	Model         string `json:"model"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	count, err := a.store.Count()
	if err != nil {
		return errors.Wrap(err, "failed to count index entries")
	}
	pending, err := a.pipeline().Pending(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to scan library")
	}
	st := indexStatus{
		Library: a.dir,
		Index:   config.IndexDBPath(a.dir),
		Indexed: count,
		Pending: pending,
		Model:   a.images.ModelName(),
	}
	ts, ok, err := a.store.LastIndexedAt()
	if err != nil {
		return errors.Wrap(err, "failed to read last indexed time")
	}
	if ok {
		st.LastIndexedAt = &ts
	}

	if statusJSON {
		output, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(output))
		return nil
	}

	last := "never"
	if st.LastIndexedAt != nil {
		last = time.UnixMilli(*st.LastIndexedAt).Format(time.RFC3339)
	}
	fmt.Printf("Library:         %s\n", st.Library)
	fmt.Printf("Index:           %s\n", st.Index)
	fmt.Printf("Model:           %s\n", st.Model)
	fmt.Printf("Indexed photos:  %d\n", st.Indexed)
	fmt.Printf("Pending photos:  %d\n", st.Pending)
	fmt.Printf("Last full index: %s\n", last)
	return nil
}
