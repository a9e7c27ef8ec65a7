package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/chatgru/cmd/cli/config"
	"github.com/inferloop/chatgru/pkg/constants"
)

// NewRootCmd builds the trainer command. Running it trains a model with the
// resolved configuration and prints sample responses.
func NewRootCmd(version string) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   constants.AppName,
		Short: constants.AppDescription,
		Long: `Train a sequence-to-sequence GRU on a conversational dataset,
initializing the shared word embedding from a pre-trained word2vec file.`,
		Example: `  # Train with the defaults
  chatgru

  # Small model, short run, progress written to a local directory
  chatgru -n 2 -z 256 --num-layers 1 -b 64 --tracking-pair`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := SetupLogger(cfg.Log.Level, cfg.Log.Format)
			logger.SetOutput(cmd.ErrOrStderr())

			_, err = Train(cmd.Context(), cfg, logger, cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultConfigPath()+")")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// SetupLogger builds the process logger
func SetupLogger(level, format string) *logrus.Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return logger
}
