package cli

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"photosearch/config"
	"photosearch/internal/logging"
)

var (
	cfgFile  string
	cfg      *config.Config
	rootDir  string
	logLevel string
	logger   *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "photosearch",
	Short: "Photo search - Index a photo library and find photos by description",
	Long: `photosearch embeds every photo of a library into a shared image/text
vector space and answers free-text queries by cosine similarity, with
optional city and date filters and dislike feedback.

The index is stored in .photosearch/index.db inside the library.

Example usage:
  photosearch index -d ~/Pictures          # Index a library
  photosearch search "sunset at the beach" # Search by description
  photosearch feedback 3fa2c1d0e4b5a697 dislike`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error

		if rootDir == "" {
			rootDir, err = os.Getwd()
			if err != nil {
				return errors.Wrap(err, "failed to get working directory")
			}
		}
		rootDir, err = filepath.Abs(rootDir)
		if err != nil {
			return errors.Wrap(err, "invalid library directory")
		}

		if err := loadEnv(rootDir); err != nil {
			return err
		}

		if cfgFile != "" {
			cfg, err = config.Load(cfgFile)
		} else {
			cfg, err = config.LoadFromDir(rootDir)
		}
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return errors.Wrap(err, "failed to create logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// loadEnv reads .env from the working directory and the library. Variables
// already set in the environment win.
func loadEnv(dir string) error {
	paths := []string{".env"}
	if libEnv := filepath.Join(dir, ".env"); libEnv != ".env" {
		paths = append(paths, libEnv)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "failed to load %s", p)
		}
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./photosearch.yaml)")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "dir", "d", "", "library directory (default is current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func GetConfig() *config.Config {
	return cfg
}

func GetRootDir() string {
	return rootDir
}

func GetLogger() *zap.Logger {
	return logging.OrNop(logger)
}
