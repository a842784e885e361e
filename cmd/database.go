package cmd

import (
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/leftmike/graphstore/config"
	"github.com/leftmike/graphstore/database"
	"github.com/leftmike/graphstore/flags"
	"github.com/leftmike/graphstore/format"
	"github.com/leftmike/graphstore/index"
	"github.com/leftmike/graphstore/recovery"
)

var (
	dataDir      = "graphdata"
	formatName   = format.DefaultFormat
	indexBackend = index.BTreeBackend

	pageSize           = 0
	stringBlockSize    = 0
	arrayBlockSize     = 0
	nameBlockSize      = 0
	denseNodeThreshold = 0
	lockTimeout        time.Duration

	logRotationSize       int64 = 0
	logKeepFiles                = 0
	checkpointInterval          = 15 * time.Minute
	checkpointTxThreshold uint64 = 10000
	staleTxAfter                 = 10 * time.Minute
)

func initDatabaseFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&dataDir, "data", dataDir, "`directory` containing the database")
	cfg.Var("data")

	fs.StringVar(&formatName, "format", formatName, "store `format` for a new database")
	cfg.Var("format")

	fs.StringVar(&indexBackend, "index-backend", indexBackend,
		"property index backend: "+strings.Join(index.Backends, ", "))
	cfg.Var("index-backend")

	fs.IntVar(&pageSize, "page-size", pageSize, "page size of the store files")
	cfg.Var("page-size").NoConfig()
	fs.IntVar(&stringBlockSize, "string-block-size", stringBlockSize,
		"block size of the string store")
	cfg.Var("string-block-size").NoConfig()
	fs.IntVar(&arrayBlockSize, "array-block-size", arrayBlockSize,
		"block size of the array store")
	cfg.Var("array-block-size").NoConfig()
	fs.IntVar(&nameBlockSize, "name-block-size", nameBlockSize,
		"block size of the token name stores")
	cfg.Var("name-block-size").NoConfig()

	fs.IntVar(&denseNodeThreshold, "dense-node-threshold", denseNodeThreshold,
		"number of relationships at which a node becomes dense")
	cfg.Var("dense-node-threshold")
	fs.DurationVar(&lockTimeout, "lock-timeout", lockTimeout,
		"maximum wait for an entity lock; zero waits forever")
	cfg.Var("lock-timeout")

	fs.Int64Var(&logRotationSize, "log-rotation-size", logRotationSize,
		"size in bytes at which the log is rotated")
	cfg.Var("log-rotation-size")
	fs.IntVar(&logKeepFiles, "log-keep-files", logKeepFiles,
		"number of log files kept after a checkpoint")
	cfg.Var("log-keep-files")
	fs.DurationVar(&checkpointInterval, "checkpoint-interval", checkpointInterval,
		"time between checkpoints")
	cfg.Var("checkpoint-interval")
	fs.Uint64Var(&checkpointTxThreshold, "checkpoint-tx-threshold", checkpointTxThreshold,
		"number of transactions which triggers a checkpoint")
	cfg.Var("checkpoint-tx-threshold")
	fs.DurationVar(&staleTxAfter, "stale-tx-after", staleTxAfter,
		"age at which an open transaction is reported as stale")
	cfg.Var("stale-tx-after")
}

func databaseOptions(mon recovery.Monitor) database.Options {
	var opts database.Options
	opts.Logger = log.StandardLogger()
	opts.Store.Format = formatName
	opts.Store.PageSize = pageSize
	opts.Store.StringBlockSize = stringBlockSize
	opts.Store.ArrayBlockSize = arrayBlockSize
	opts.Store.NameBlockSize = nameBlockSize
	opts.IndexBackend = indexBackend
	opts.Kernel.DenseNodeThreshold = denseNodeThreshold
	opts.Kernel.LockTimeout = lockTimeout
	opts.Log.RotationSize = logRotationSize
	opts.KeepLogFiles = logKeepFiles
	opts.CheckpointInterval = checkpointInterval
	opts.CheckpointTxThreshold = checkpointTxThreshold
	opts.StaleTxAfter = staleTxAfter
	opts.ReverseRecovery = flgs.GetFlag(flags.ReverseRecovery)
	opts.TruncateCorruptedLog = !flgs.GetFlag(flags.FailOnCorruptedLog)
	opts.RecoveryMonitor = mon
	return opts
}

func openDatabase(mon recovery.Monitor) (*database.Database, error) {
	return database.Open(dataDir, databaseOptions(mon))
}
