package flags

import (
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"github.com/leftmike/graphstore/config"
)

type Flag int

const (
	ReverseRecovery Flag = iota
	FailOnCorruptedLog
)

type flagDefault struct {
	flag  Flag
	def   bool
	usage string
}

var (
	defaultFlags = map[string]flagDefault{
		"reverse_recovery": {ReverseRecovery, true,
			"undo the log after the last checkpoint before replaying it"},
		"fail_on_corrupted_log": {FailOnCorruptedLog, true,
			"refuse to recover a corrupted log instead of truncating it"},
	}
)

func LookupFlag(nam string) (Flag, bool) {
	fd, ok := defaultFlags[strings.ToLower(nam)]
	return fd.flag, ok
}

// ListFlags calls fn for each flag in name order.
func ListFlags(fn func(nam string, f Flag)) {
	names := make([]string, 0, len(defaultFlags))
	for nam := range defaultFlags {
		names = append(names, nam)
	}
	sort.Strings(names)
	for _, nam := range names {
		fn(nam, defaultFlags[nam].flag)
	}
}

type Flags []bool

func (flgs Flags) GetFlag(f Flag) bool {
	return flgs[f]
}

// Config defines a hidden flag for each feature flag and makes it a config variable.
func Config(fs *pflag.FlagSet, cfg *config.Config) Flags {
	flgs := make([]bool, len(defaultFlags))
	for nam, fd := range defaultFlags {
		fs.BoolVar(&flgs[fd.flag], nam, fd.def, fd.usage)
		fs.MarkHidden(nam)
		cfg.Var(nam)
	}
	return flgs
}

func Default() Flags {
	flgs := make([]bool, len(defaultFlags))
	for _, fd := range defaultFlags {
		flgs[fd.flag] = fd.def
	}
	return flgs
}
