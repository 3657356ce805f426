package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"photosearch/config"
	"photosearch/internal/adapter/embedding"
	"photosearch/internal/adapter/retriever"
	"photosearch/internal/adapter/store"
	"photosearch/internal/logging"
)

func main() {
	libPath := flag.String("dir", ".", "Path to indexed library")
	query := flag.String("q", "", "Query to test")
	topK := flag.Int("k", 10, "Number of results")
	runs := flag.Int("runs", 5, "Timed search repetitions")
	flag.Parse()

	if *query == "" {
		fmt.Println("Usage: go run ./cmd/benchmark -dir ~/Pictures -q \"query\"")
		fmt.Println("\nMeasures:")
		fmt.Println("  1. Embedding infrastructure (model connection, index size)")
		fmt.Println("  2. Brute-force scan latency over every stored embedding")
		fmt.Println("  3. Similarity of the top matches")
		os.Exit(1)
	}

	cfg, err := config.LoadFromDir(*libPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	cfg.Logging.Level = "error"
	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}

	st, err := store.NewBoltStore(config.IndexDBPath(*libPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening index: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	count, _ := st.Count()
	if count == 0 {
		fmt.Fprintln(os.Stderr, "No embeddings - run 'photosearch index' first")
		os.Exit(1)
	}

	embedder := embedding.Select(cfg.Embedding, log)

	fmt.Println("PHOTO SEARCH BENCHMARK")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Photos indexed: %d\n", count)
	fmt.Printf("Model: %s (%s)\n", embedder.ModelName(), cfg.Embedding.Provider)
	fmt.Printf("Dimension: %d\n", embedder.Dimension())
	fmt.Println()

	fmt.Printf("Query: \"%s\"\n", *query)
	fmt.Println(strings.Repeat("-", 70))

	ctx := context.Background()
	start := time.Now()
	queryVec, err := embedder.EmbedText(ctx, *query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Embedding error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Query embedded: %d dimensions in %s\n\n", len(queryVec), time.Since(start).Round(time.Millisecond))

	outcome, latencies, err := timedSearch(ctx, retriever.NewSimilarityEngine(st, log), queryVec, *query, *topK, *runs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Top %d matches:\n\n", len(outcome.Results))
	totalScore := 0.0
	for i, r := range outcome.Results {
		totalScore += r.Score
		fmt.Printf("%d. [%s %.3f] %s\n", i+1, rating(r.Score), r.Score, r.URI)
	}

	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("LATENCY (%d runs over %d candidates):\n", len(latencies), outcome.Candidates)
	fmt.Printf("  p50: %s\n", percentile(latencies, 0.5))
	fmt.Printf("  max: %s\n", percentile(latencies, 1))

	if len(outcome.Results) == 0 {
		fmt.Println("\nNo photo reached the threshold.")
		return
	}
	avgScore := totalScore / float64(len(outcome.Results))
	fmt.Printf("QUALITY METRICS:\n")
	fmt.Printf("  Average similarity: %.3f\n", avgScore)
	fmt.Printf("  Top-1 similarity:   %.3f\n", outcome.Results[0].Score)

	if avgScore > 0.3 {
		fmt.Println("  Status: GOOD - query and photos share the embedding space")
	} else {
		fmt.Println("  Status: POOR - check that text and image models match")
	}
}

func timedSearch(ctx context.Context, engine *retriever.SimilarityEngine, vec []float32, phrase string, k, runs int) (retriever.SearchOutcome, []time.Duration, error) {
	req := retriever.NewSearchRequest([]retriever.QueryVector{{Phrase: phrase, Vector: vec}})
	req.Limit = k

	var outcome retriever.SearchOutcome
	latencies := make([]time.Duration, 0, max(runs, 1))
	for i := 0; i < max(runs, 1); i++ {
		start := time.Now()
		out, err := engine.Search(ctx, req)
		if err != nil {
			return outcome, nil, err
		}
		latencies = append(latencies, time.Since(start))
		outcome = out
	}
	return outcome, latencies, nil
}

// rating buckets CLIP-style scores, which sit well below text-text similarity.
func rating(score float64) string {
	switch {
	case score > 0.35:
		return "HIGH"
	case score > 0.3:
		return "GOOD"
	case score > 0.25:
		return "OK"
	}
	return "LOW"
}

func percentile(d []time.Duration, p float64) time.Duration {
	if len(d) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), d...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[int(p*float64(len(sorted)-1))]
}
