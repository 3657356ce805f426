package cli

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"photosearch/config"
	"photosearch/internal/adapter/cache"
	"photosearch/internal/adapter/embedding"
	"photosearch/internal/adapter/fs"
	"photosearch/internal/adapter/geocode"
	"photosearch/internal/adapter/retriever"
	"photosearch/internal/adapter/speech"
	"photosearch/internal/adapter/store"
	"photosearch/internal/port"
	"photosearch/internal/usecase"
)

// app holds the collaborators shared by the commands of one invocation.
type app struct {
	cfg *config.Config
	dir string
	log *zap.Logger

	store   *store.BoltStore
	library *fs.Library
	images  *embedding.ImageQueue
	whisper *speech.Whisper
}

// openApp opens the library's index. Only the indexing commands pass create:
// they may create the index and clear it when the embedding model changed.
// Every other command refuses to use a stale index.
func openApp(create bool) (*app, error) {
	cfg, dir, log := GetConfig(), GetRootDir(), GetLogger()

	dbPath := config.IndexDBPath(dir)
	if create {
		if err := config.EnsureDataDir(dir); err != nil {
			return nil, errors.Wrap(err, "failed to create .photosearch directory")
		}
	} else if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, errors.New("no index found. Run 'photosearch index' first")
	}

	st, err := store.NewBoltStore(dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open index store")
	}
	provider := embedding.Select(cfg.Embedding, log)
	if err := prepareSchema(st, provider, create, log); err != nil {
		st.Close()
		return nil, err
	}

	library, err := fs.NewLibrary(dir, cfg.Library)
	if err != nil {
		st.Close()
		return nil, errors.Wrap(err, "failed to open library")
	}

	a := &app{
		cfg:     cfg,
		dir:     dir,
		log:     log,
		store:   st,
		library: library,
		images:  embedding.NewImageQueue(provider, log),
	}
	if cfg.Speech.Enabled {
		a.whisper, err = speech.NewWhisper(cfg.Speech)
		if err != nil {
			log.Warn("speech input disabled", zap.Error(err))
		}
	}
	return a, nil
}

// prepareSchema records the current schema version and the embedding space
// of provider. When the index was built in another space it is cleared if
// rebuild is set, and reported as stale otherwise.
func prepareSchema(st *store.BoltStore, provider port.EmbeddingProvider, rebuild bool, log *zap.Logger) error {
	result, err := st.CheckMigration(provider)
	if err != nil {
		return errors.Wrap(err, "failed to check migration")
	}

	if result.NeedsRebuild {
		if !rebuild {
			return errors.Errorf("index is stale (%s). Run 'photosearch index' to rebuild it", result.Reason)
		}
		fmt.Printf("Index rebuild required: %s\n", result.Reason)
		fmt.Println("Clearing existing index...")
		if err := st.Clear(); err != nil {
			return errors.Wrap(err, "failed to clear index")
		}
	} else if result.NeedsMigration {
		log.Info("running schema migration", zap.String("reason", result.Reason))
	}

	return errors.Wrap(st.Migrate(provider), "migration failed")
}

func (a *app) Close() {
	if err := a.images.Close(); err != nil {
		a.log.Warn("close image queue", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("close index store", zap.Error(err))
	}
}

func (a *app) pipeline(opts ...usecase.PipelineOption) *usecase.Pipeline {
	base := []usecase.PipelineOption{
		usecase.WithBatchSize(a.cfg.Index.BatchSize),
		usecase.WithLogger(a.log),
	}
	if path := a.cfg.LegacyCachePath(a.dir); path != "" {
		base = append(base, usecase.WithLegacyCache(store.NewLegacyCache(path)))
	}
	if g := a.geocoder(); g != nil {
		base = append(base, usecase.WithGeocoder(g))
	}
	if a.whisper != nil {
		base = append(base, usecase.WithSpeechWarmer(a.whisper))
	}
	return usecase.NewPipeline(a.store, a.library, a.images, append(base, opts...)...)
}

func (a *app) geocoder() port.Geocoder {
	gc := a.cfg.Geocode
	if !gc.Enabled {
		return nil
	}
	return geocode.NewCachedGeocoder(geocode.NewNominatim(gc), gc.Precision, gc.CacheTTL, a.log)
}

// textEmbedder caches query embeddings in front of the image queue.
func (a *app) textEmbedder() port.EmbeddingProvider {
	sc := a.cfg.Search
	return cache.NewCachedTextEmbedder(a.images, cache.NewEmbeddingCache(sc.CacheSize, sc.CacheTTL))
}

func (a *app) expander() port.PhraseExpander {
	ec := a.cfg.Expansion
	switch ec.Provider {
	case "none":
		return nil
	case "llm":
		e, err := retriever.NewLLMExpander(ec, a.log)
		if err == nil {
			return e
		}
		a.log.Warn("LLM query expansion unavailable, using keywords", zap.Error(err))
	case "", "keyword":
	default:
		a.log.Warn("unknown expansion provider, using keywords", zap.String("provider", ec.Provider))
	}
	return retriever.NewKeywordExpander(ec.MaxPhrases)
}

func (a *app) planner() *usecase.QueryPlanner {
	sc := a.cfg.Search
	pc := usecase.PlannerConfig{
		ExpansionTimeout: a.cfg.Expansion.Timeout,
		MaxPhrases:       a.cfg.Expansion.MaxPhrases,
		Threshold:        sc.Threshold,
		Limit:            sc.Limit,
		PenaltyFactor:    sc.PenaltyFactor,
	}
	opts := []usecase.PlannerOption{usecase.WithPlannerLogger(a.log)}
	if e := a.expander(); e != nil {
		opts = append(opts, usecase.WithExpander(e))
	}
	if a.whisper != nil {
		opts = append(opts, usecase.WithTranscriber(a.whisper))
	}
	engine := retriever.NewSimilarityEngine(a.store, a.log)
	return usecase.NewQueryPlanner(engine, a.textEmbedder(), usecase.NewPreferenceModel(a.store, a.log), pc, opts...)
}
