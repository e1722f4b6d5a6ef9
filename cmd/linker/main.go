package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/kiwi/linker/internal/util"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/config"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/logger/console"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/logger/file"

	"github.com/spf13/cobra"
)

var (
	configPath string
	kbSource   string
	kbPath     string
	directDB   bool
	debug      bool
	logFile    string

	fileLogger *file.FileLogger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "linker",
		Short:         "Entity linking and relation extraction",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.LoadEnv()
			initLogger()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if fileLogger != nil {
				_ = fileLogger.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	flags.StringVar(&kbSource, "kb-source", "", "knowledge base source: file, s3 or postgres (default: KB_SOURCE or file)")
	flags.StringVar(&kbPath, "kb", "", "path to a JSON lines knowledge base (default: KB_PATH)")
	flags.BoolVar(&directDB, "direct", false, "search postgres directly instead of loading an in-memory index")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
	flags.StringVar(&logFile, "log-file", "", "additionally write JSON logs to a rotating file (default: LOG_FILE)")

	root.AddCommand(linkCmd())
	root.AddCommand(searchCmd())
	root.AddCommand(importCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error("Command failed", "err", err)
		os.Exit(1)
	}
}

func initLogger() {
	debug = debug || util.GetEnvBool("DEBUG", false)
	instances := []logger.LoggerInstance{
		console.NewConsoleLogger(console.ConsoleLoggerParams{
			Debug:  debug,
			Format: util.GetEnvString("LOG_FORMAT", "text"),
		}),
	}

	path := logFile
	if path == "" {
		path = util.GetEnvString("LOG_FILE", "")
	}
	if path != "" {
		fileLogger = file.NewFileLogger(file.FileLoggerParams{
			Path:       path,
			MaxSizeMB:  util.GetEnvInt("LOG_FILE_MAX_SIZE_MB", 100),
			MaxBackups: util.GetEnvInt("LOG_FILE_MAX_BACKUPS", 3),
			MaxAge:     util.GetEnvInt("LOG_FILE_MAX_AGE_DAYS", 28),
			Compress:   util.GetEnvBool("LOG_FILE_COMPRESS", false),
			Debug:      debug,
		})
		instances = append(instances, fileLogger)
	}
	logger.Init(instances...)
}

// loadConfig reads --config on top of the defaults and applies LINKER_*
// overrides.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			return cfg, err
		}
	}
	cfg = config.FromEnv(cfg)
	return cfg, cfg.Validate()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
