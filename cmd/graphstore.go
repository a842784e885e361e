package cmd

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/leftmike/graphstore/config"
	"github.com/leftmike/graphstore/flags"
)

var (
	graphstoreCmd = &cobra.Command{
		Use:               "graphstore",
		Short:             "A graph database storage engine",
		Long:              "Graphstore is the durable storage core of a graph database.",
		PersistentPreRunE: graphstorePreRun,
		PersistentPostRun: graphstorePostRun,
		SilenceUsage:      true,
	}

	logFile   = "graphstore.log"
	logLevel  = "info"
	logStderr = false
	logWriter io.WriteCloser

	configFile = "graphstore.hcl"
	noConfig   = false

	cfg  *config.Config
	flgs flags.Flags
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	fs := graphstoreCmd.PersistentFlags()
	cfg = config.NewConfig(fs)

	fs.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	cfg.Var("log-file")

	fs.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	cfg.Var("log-level")

	fs.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")

	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from")
	fs.BoolVar(&noConfig, "no-config", noConfig, "don't load config file")

	flgs = flags.Config(fs, cfg)
	initDatabaseFlags(fs, cfg)
}

func Execute() error {
	return graphstoreCmd.Execute()
}

func graphstorePreRun(cmd *cobra.Command, args []string) error {
	if configFile != "" && !noConfig {
		err := cfg.Load(configFile)
		if err != nil && !(os.IsNotExist(err) && !cmd.Flags().Changed("config-file")) {
			return fmt.Errorf("graphstore: %s", err)
		}
	}

	if !logStderr && logFile != "" {
		var err error
		logWriter, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("graphstore: %s", err)
		}
		log.SetOutput(logWriter)
	}

	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("graphstore: %s", err)
	}
	log.SetLevel(ll)

	log.WithFields(log.Fields{
		"pid":     os.Getpid(),
		"command": cmd.Name(),
	}).Info("graphstore starting")
	return nil
}

func graphstorePostRun(cmd *cobra.Command, args []string) {
	log.WithField("pid", os.Getpid()).Info("graphstore done")

	if logWriter != nil {
		logWriter.Close()
	}
}
