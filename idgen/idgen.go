package idgen

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/format"
	"github.com/leftmike/graphstore/vfs"
)

const (
	idFileMagic   = "GSIDGEN1"
	idFileVersion = 1
	headerSize    = 40
)

var (
	ErrExhausted = errors.New("idgen: id space exhausted")
	ErrClosed    = errors.New("idgen: generator closed")
)

type idItem int64

func (ii idItem) Less(item btree.Item) bool {
	return ii < item.(idItem)
}

type pendingID struct {
	id       int64
	boundary uint64
}

// Generator hands out ids for one store: the lowest free id first, otherwise the high id.
// Its state is kept in a file next to the store. The file is marked dirty while the
// generator is open; a generator opened from a dirty or missing file must be rebuilt from
// the store before it is used.
type Generator struct {
	logger  log.FieldLogger
	fs      vfs.FS
	name    string
	maxID   int64
	mutex   sync.Mutex
	free    *btree.BTree
	pending []pendingID
	highID  int64
	rebuild bool
	closed  bool
}

// Open loads the generator for the store file named store from store.id.
func Open(logger log.FieldLogger, fs vfs.FS, store string, maxID int64) (*Generator, error) {
	gen := &Generator{
		logger: logger.WithField("idgen", store),
		fs:     fs,
		name:   store + ".id",
		maxID:  maxID,
		free:   btree.New(16),
	}

	if fs.Exists(gen.name) {
		buf, err := vfs.ReadFile(fs, gen.name)
		if err != nil {
			return nil, err
		}
		clean, err := gen.decode(buf)
		if err != nil {
			gen.logger.WithError(err).Warn("id file not usable; rebuilding")
			gen.reset(0)
			gen.rebuild = true
		} else if !clean {
			gen.logger.Info("id file not cleanly closed; rebuilding")
			gen.reset(0)
			gen.rebuild = true
		}
	} else {
		gen.rebuild = true
	}

	err := gen.write(false)
	if err != nil {
		return nil, err
	}
	return gen, nil
}

func (gen *Generator) reset(highID int64) {
	gen.free = btree.New(16)
	gen.pending = nil
	gen.highID = highID
}

// NeedsRebuild reports whether the generator was opened from a file which was not cleanly
// closed.
func (gen *Generator) NeedsRebuild() bool {
	gen.mutex.Lock()
	defer gen.mutex.Unlock()

	return gen.rebuild
}

// NextID returns the lowest free id, or else extends the high id. The reserved id is never
// returned.
func (gen *Generator) NextID() (int64, error) {
	gen.mutex.Lock()
	defer gen.mutex.Unlock()

	if gen.closed {
		return 0, ErrClosed
	}
	if item := gen.free.DeleteMin(); item != nil {
		return int64(item.(idItem)), nil
	}

	if gen.highID == format.ReservedID {
		gen.highID += 1
	}
	if gen.highID > gen.maxID {
		return 0, fmt.Errorf("%w: %s: %d", ErrExhausted, gen.name, gen.maxID)
	}
	id := gen.highID
	gen.highID += 1
	return id, nil
}

// HighID returns one more than the highest id which has been handed out or marked used.
func (gen *Generator) HighID() int64 {
	gen.mutex.Lock()
	defer gen.mutex.Unlock()

	return gen.highID
}

// MarkUsed records that id is in use; it is used when applying changes made elsewhere,
// such as during recovery. Ids skipped over are not freed until the next rebuild.
func (gen *Generator) MarkUsed(id int64) {
	gen.mutex.Lock()
	defer gen.mutex.Unlock()

	gen.free.Delete(idItem(id))
	if id >= gen.highID {
		gen.highID = id + 1
	}
}

// Free makes id available immediately.
func (gen *Generator) Free(id int64) {
	gen.mutex.Lock()
	defer gen.mutex.Unlock()

	gen.freeID(id)
}

func (gen *Generator) freeID(id int64) {
	if id < 0 || id == format.ReservedID {
		panic(fmt.Sprintf("idgen: %s: free of bad id: %d", gen.name, id))
	}
	if id >= gen.highID {
		return
	}
	gen.free.ReplaceOrInsert(idItem(id))
}

// FreeAfter makes id available once no transaction which could still see it is active;
// boundary is the sequencer snapshot taken when the id was deleted.
func (gen *Generator) FreeAfter(id int64, boundary uint64) {
	gen.mutex.Lock()
	defer gen.mutex.Unlock()

	gen.pending = append(gen.pending, pendingID{id: id, boundary: boundary})
}

// Release makes available every pending id whose boundary is eligible.
func (gen *Generator) Release(eligible func(boundary uint64) bool) int {
	gen.mutex.Lock()
	defer gen.mutex.Unlock()

	var cnt int
	var keep []pendingID
	for _, pid := range gen.pending {
		if eligible(pid.boundary) {
			gen.freeID(pid.id)
			cnt += 1
		} else {
			keep = append(keep, pid)
		}
	}
	gen.pending = keep
	return cnt
}

// FreeCount returns the number of ids which are free and not pending.
func (gen *Generator) FreeCount() int {
	gen.mutex.Lock()
	defer gen.mutex.Unlock()

	return gen.free.Len()
}

// Rebuild replaces the state of the generator by scanning ids up to highID: every id which
// is not in use becomes free. It may be run again if it is interrupted.
func (gen *Generator) Rebuild(highID int64, inUse func(id int64) (bool, error)) error {
	free := btree.New(16)
	for id := int64(0); id < highID; id += 1 {
		if id == format.ReservedID {
			continue
		}
		used, err := inUse(id)
		if err != nil {
			return err
		}
		if !used {
			free.ReplaceOrInsert(idItem(id))
		}
	}

	gen.mutex.Lock()
	defer gen.mutex.Unlock()

	gen.free = free
	gen.pending = nil
	gen.highID = highID
	gen.rebuild = false

	gen.logger.WithFields(log.Fields{
		"high": highID,
		"free": free.Len(),
	}).Debug("rebuilt ids")
	return nil
}

// Checkpoint makes the current state durable; the file stays marked dirty.
func (gen *Generator) Checkpoint() error {
	gen.mutex.Lock()
	defer gen.mutex.Unlock()

	if gen.closed {
		return ErrClosed
	}
	return gen.write(false)
}

// Close releases every pending id and writes the state marked clean. It must only be
// called when no transactions are active.
func (gen *Generator) Close() error {
	gen.mutex.Lock()
	defer gen.mutex.Unlock()

	if gen.closed {
		return nil
	}
	gen.closed = true
	for _, pid := range gen.pending {
		gen.freeID(pid.id)
	}
	gen.pending = nil
	return gen.write(!gen.rebuild)
}

// Abandon closes the generator without marking its file clean.
func (gen *Generator) Abandon() {
	gen.mutex.Lock()
	defer gen.mutex.Unlock()

	gen.closed = true
}

func (gen *Generator) encode(clean bool) []byte {
	buf := make([]byte, headerSize, headerSize+gen.free.Len()*8+8)
	copy(buf, idFileMagic)
	binary.BigEndian.PutUint32(buf[8:], idFileVersion)
	if clean {
		buf[12] = 1
	}
	binary.BigEndian.PutUint64(buf[16:], uint64(gen.highID))
	binary.BigEndian.PutUint64(buf[24:], uint64(gen.free.Len()))
	binary.BigEndian.PutUint64(buf[32:], uint64(gen.maxID))
	gen.free.Ascend(
		func(item btree.Item) bool {
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(item.(idItem)))
			buf = append(buf, b[:]...)
			return true
		})

	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Sum64(buf))
	return append(buf, sum[:]...)
}

func (gen *Generator) decode(buf []byte) (bool, error) {
	if len(buf) < headerSize+8 {
		return false, fmt.Errorf("idgen: %s: file too short: %d", gen.name, len(buf))
	}
	data := buf[:len(buf)-8]
	if xxhash.Sum64(data) != binary.BigEndian.Uint64(buf[len(buf)-8:]) {
		return false, fmt.Errorf("idgen: %s: bad checksum", gen.name)
	}
	if string(data[:8]) != idFileMagic {
		return false, fmt.Errorf("idgen: %s: bad magic: %q", gen.name, data[:8])
	}
	if ver := binary.BigEndian.Uint32(data[8:]); ver != idFileVersion {
		return false, fmt.Errorf("idgen: %s: unsupported version: %d", gen.name, ver)
	}
	cnt := binary.BigEndian.Uint64(data[24:])
	if uint64(len(data)-headerSize) != cnt*8 {
		return false, fmt.Errorf("idgen: %s: bad free count: %d", gen.name, cnt)
	}

	gen.reset(int64(binary.BigEndian.Uint64(data[16:])))
	for off := headerSize; off < len(data); off += 8 {
		gen.free.ReplaceOrInsert(idItem(binary.BigEndian.Uint64(data[off:])))
	}
	return data[12] == 1, nil
}

func (gen *Generator) write(clean bool) error {
	err := vfs.WriteFileAtomic(gen.fs, gen.name, gen.encode(clean))
	if err != nil {
		return fmt.Errorf("idgen: %s: %s", gen.name, err)
	}
	return nil
}

// Remove deletes the id file for store; the next Open will require a rebuild.
func Remove(fs vfs.FS, store string) error {
	err := fs.Remove(store + ".id")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
