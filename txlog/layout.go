package txlog

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/leftmike/graphstore/vfs"
)

const (
	LogFilePrefix        = "graph.txlog."
	CheckpointFilePrefix = "graph.checkpoint."
)

// Position is a location in the log: a file version and a byte offset in that file.
type Position struct {
	Version uint64
	Offset  int64
}

func (pos Position) String() string {
	return fmt.Sprintf("%d:%d", pos.Version, pos.Offset)
}

func (pos Position) Less(pos2 Position) bool {
	return pos.Version < pos2.Version ||
		(pos.Version == pos2.Version && pos.Offset < pos2.Offset)
}

func LogFileName(version uint64) string {
	return LogFilePrefix + strconv.FormatUint(version, 10)
}

func CheckpointFileName(n uint64) string {
	return CheckpointFilePrefix + strconv.FormatUint(n, 10)
}

// LogFile is one file of the log or of the checkpoints.
type LogFile struct {
	Version uint64
	Name    string
}

// Layout locates the log and checkpoint files of a database directory.
type Layout struct {
	FS  vfs.FS
	Dir string
}

func parseVersion(name, prefix string) (uint64, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	s := name[len(prefix):]
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (lo Layout) list(prefix string) ([]LogFile, error) {
	names, err := lo.FS.List(lo.Dir)
	if err != nil {
		return nil, err
	}

	var files []LogFile
	for _, name := range names {
		if v, ok := parseVersion(name, prefix); ok {
			files = append(files, LogFile{Version: v, Name: filepath.Join(lo.Dir, name)})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Version < files[j].Version })
	return files, nil
}

// LogFiles returns the log files, ordered by version.
func (lo Layout) LogFiles() ([]LogFile, error) {
	return lo.list(LogFilePrefix)
}

// CheckpointFiles returns the checkpoint files, ordered by number.
func (lo Layout) CheckpointFiles() ([]LogFile, error) {
	return lo.list(CheckpointFilePrefix)
}

// IsLogFile reports whether path names a log or checkpoint file of this layout.
func (lo Layout) IsLogFile(path string) bool {
	if filepath.Clean(filepath.Dir(path)) != filepath.Clean(lo.Dir) {
		return false
	}
	name := filepath.Base(path)
	if _, ok := parseVersion(name, LogFilePrefix); ok {
		return true
	}
	_, ok := parseVersion(name, CheckpointFilePrefix)
	return ok
}

func (lo Layout) logFileName(version uint64) string {
	return filepath.Join(lo.Dir, LogFileName(version))
}

func (lo Layout) checkpointFileName(n uint64) string {
	return filepath.Join(lo.Dir, CheckpointFileName(n))
}
