package txlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/leftmike/graphstore/vfs"
)

const (
	CheckpointEntrySize = 64

	maxReasonLength     = 16
	checkpointsPerFile  = 1024
	checkpointSumOffset = CheckpointEntrySize - 8
)

// Checkpoint records that every transaction up to and including Commit.TxID is durable in
// the stores.
type Checkpoint struct {
	Commit
	Time   time.Time
	Reason string
}

func (cp Checkpoint) String() string {
	return fmt.Sprintf("checkpoint %s (%s)", cp.Commit, cp.Reason)
}

func (cp Checkpoint) encode() []byte {
	buf := make([]byte, CheckpointEntrySize)
	binary.BigEndian.PutUint64(buf, cp.TxID)
	binary.BigEndian.PutUint64(buf[8:], cp.End.Version)
	binary.BigEndian.PutUint64(buf[16:], uint64(cp.End.Offset))
	binary.BigEndian.PutUint64(buf[24:], cp.Checksum)
	binary.BigEndian.PutUint64(buf[32:], unixNano(cp.Time))
	reason := cp.Reason
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength]
	}
	copy(buf[40:40+maxReasonLength], reason)
	binary.BigEndian.PutUint64(buf[checkpointSumOffset:],
		xxhash.Sum64(buf[:checkpointSumOffset]))
	return buf
}

func decodeCheckpoint(buf []byte) (Checkpoint, bool) {
	if binary.BigEndian.Uint64(buf[checkpointSumOffset:]) !=
		xxhash.Sum64(buf[:checkpointSumOffset]) {

		return Checkpoint{}, false
	}
	var cp Checkpoint
	cp.TxID = binary.BigEndian.Uint64(buf)
	cp.End.Version = binary.BigEndian.Uint64(buf[8:])
	cp.End.Offset = int64(binary.BigEndian.Uint64(buf[16:]))
	cp.Checksum = binary.BigEndian.Uint64(buf[24:])
	cp.Time = unixTime(binary.BigEndian.Uint64(buf[32:]))
	cp.Reason = string(bytes.TrimRight(buf[40:40+maxReasonLength], "\x00"))
	return cp, true
}

// LastCheckpoint returns the last valid checkpoint, searching from the newest checkpoint
// file backwards.
func (lo Layout) LastCheckpoint() (Checkpoint, bool, error) {
	files, err := lo.CheckpointFiles()
	if err != nil {
		return Checkpoint{}, false, err
	}
	for idx := len(files) - 1; idx >= 0; idx -= 1 {
		buf, err := vfs.ReadFile(lo.FS, files[idx].Name)
		if err != nil {
			return Checkpoint{}, false, err
		}
		for cnt := len(buf) / CheckpointEntrySize; cnt > 0; cnt -= 1 {
			off := (cnt - 1) * CheckpointEntrySize
			if cp, ok := decodeCheckpoint(buf[off : off+CheckpointEntrySize]); ok {
				return cp, true, nil
			}
		}
	}
	return Checkpoint{}, false, nil
}

// Checkpoints appends checkpoint entries to the checkpoint files.
type Checkpoints struct {
	layout Layout
	mutex  sync.Mutex
	f      vfs.File
	n      uint64
	count  int
}

func OpenCheckpoints(lo Layout) (*Checkpoints, error) {
	files, err := lo.CheckpointFiles()
	if err != nil {
		return nil, err
	}
	cps := &Checkpoints{
		layout: lo,
	}
	if len(files) == 0 {
		return cps, nil
	}

	lf := files[len(files)-1]
	f, err := lo.FS.OpenFile(lf.Name, 0)
	if err != nil {
		return nil, err
	}
	sz, err := f.Size()
	if err != nil {
		f.Close()
		return nil, err
	}
	cps.f = f
	cps.n = lf.Version
	cps.count = int(sz / CheckpointEntrySize)
	return cps, nil
}

// Append writes cp to the current checkpoint file and forces it to durable storage. When
// the file is full, a new file is started and the old files are removed.
func (cps *Checkpoints) Append(cp Checkpoint) error {
	cps.mutex.Lock()
	defer cps.mutex.Unlock()

	buf := cp.encode()
	if cps.f == nil || cps.count >= checkpointsPerFile {
		return cps.startFile(buf)
	}

	_, err := cps.f.WriteAt(buf, int64(cps.count*CheckpointEntrySize))
	if err != nil {
		return err
	}
	err = cps.f.Sync()
	if err != nil {
		return err
	}
	cps.count += 1
	return nil
}

func (cps *Checkpoints) startFile(buf []byte) error {
	n := cps.n
	if cps.f != nil {
		n += 1
	}
	name := cps.layout.checkpointFileName(n)
	err := vfs.WriteFileAtomic(cps.layout.FS, name, buf)
	if err != nil {
		return err
	}
	f, err := cps.layout.FS.OpenFile(name, 0)
	if err != nil {
		return err
	}

	if cps.f != nil {
		cps.f.Close()
	}
	cps.f = f
	cps.n = n
	cps.count = 1

	files, err := cps.layout.CheckpointFiles()
	if err != nil {
		return err
	}
	for _, lf := range files {
		if lf.Version < n {
			cps.layout.FS.Remove(lf.Name)
		}
	}
	return nil
}

func (cps *Checkpoints) Close() error {
	cps.mutex.Lock()
	defer cps.mutex.Unlock()

	if cps.f == nil {
		return nil
	}
	err := cps.f.Close()
	cps.f = nil
	return err
}
