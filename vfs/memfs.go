package vfs

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// MemFS is an in-memory filesystem which keeps the synced contents of each file separately
// from its current contents, so that a crash can be simulated with CrashSnapshot.
type MemFS struct {
	mutex sync.Mutex
	files map[string]*memFile
	dirs  map[string]struct{}
}

type memFile struct {
	mutex   sync.RWMutex
	data    []byte
	durable []byte
}

type memHandle struct {
	name string
	mf   *memFile
}

func NewMemFS() *MemFS {
	return &MemFS{
		files: map[string]*memFile{},
		dirs:  map[string]struct{}{},
	}
}

func (mfs *MemFS) OpenFile(name string, flag int) (File, error) {
	name = filepath.Clean(name)

	mfs.mutex.Lock()
	defer mfs.mutex.Unlock()

	mf, ok := mfs.files[name]
	if ok {
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrExist}
		}
		if flag&os.O_TRUNC != 0 {
			mf.mutex.Lock()
			mf.data = nil
			mf.mutex.Unlock()
		}
	} else {
		if flag&os.O_CREATE == 0 {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
		}
		mf = &memFile{}
		mfs.files[name] = mf
	}
	return &memHandle{name: name, mf: mf}, nil
}

func (mfs *MemFS) Remove(name string) error {
	name = filepath.Clean(name)

	mfs.mutex.Lock()
	defer mfs.mutex.Unlock()

	if _, ok := mfs.files[name]; !ok {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist}
	}
	delete(mfs.files, name)
	return nil
}

func (mfs *MemFS) Rename(oldname, newname string) error {
	oldname = filepath.Clean(oldname)
	newname = filepath.Clean(newname)

	mfs.mutex.Lock()
	defer mfs.mutex.Unlock()

	mf, ok := mfs.files[oldname]
	if !ok {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: os.ErrNotExist}
	}
	delete(mfs.files, oldname)
	mfs.files[newname] = mf
	return nil
}

func (mfs *MemFS) Exists(name string) bool {
	name = filepath.Clean(name)

	mfs.mutex.Lock()
	defer mfs.mutex.Unlock()

	if _, ok := mfs.files[name]; ok {
		return true
	}
	_, ok := mfs.dirs[name]
	return ok
}

func (mfs *MemFS) List(dir string) ([]string, error) {
	dir = filepath.Clean(dir)

	mfs.mutex.Lock()
	defer mfs.mutex.Unlock()

	if _, ok := mfs.dirs[dir]; !ok {
		return nil, &os.PathError{Op: "open", Path: dir, Err: os.ErrNotExist}
	}

	var names []string
	prefix := dir + string(filepath.Separator)
	for name := range mfs.files {
		if strings.HasPrefix(name, prefix) && !strings.ContainsRune(name[len(prefix):],
			filepath.Separator) {

			names = append(names, name[len(prefix):])
		}
	}
	sort.Strings(names)
	return names, nil
}

func (mfs *MemFS) MkdirAll(dir string) error {
	dir = filepath.Clean(dir)

	mfs.mutex.Lock()
	defer mfs.mutex.Unlock()

	for {
		mfs.dirs[dir] = struct{}{}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}

// CrashSnapshot returns a new filesystem containing only the synced contents of every file,
// as if the machine had crashed.
func (mfs *MemFS) CrashSnapshot() *MemFS {
	mfs.mutex.Lock()
	defer mfs.mutex.Unlock()

	snap := NewMemFS()
	for dir := range mfs.dirs {
		snap.dirs[dir] = struct{}{}
	}
	for name, mf := range mfs.files {
		mf.mutex.RLock()
		durable := append([]byte(nil), mf.durable...)
		mf.mutex.RUnlock()

		snap.files[name] = &memFile{
			data:    durable,
			durable: append([]byte(nil), durable...),
		}
	}
	return snap
}

func (mh *memHandle) Name() string {
	return mh.name
}

func (mh *memHandle) ReadAt(p []byte, off int64) (int, error) {
	mh.mf.mutex.RLock()
	defer mh.mf.mutex.RUnlock()

	if off >= int64(len(mh.mf.data)) {
		return 0, io.EOF
	}
	n := copy(p, mh.mf.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (mh *memHandle) WriteAt(p []byte, off int64) (int, error) {
	mh.mf.mutex.Lock()
	defer mh.mf.mutex.Unlock()

	end := off + int64(len(p))
	if end > int64(len(mh.mf.data)) {
		if end > int64(cap(mh.mf.data)) {
			data := make([]byte, end, end*2)
			copy(data, mh.mf.data)
			mh.mf.data = data
		} else {
			n := len(mh.mf.data)
			mh.mf.data = mh.mf.data[:end]
			for i := n; int64(i) < off; i += 1 {
				mh.mf.data[i] = 0
			}
		}
	}
	copy(mh.mf.data[off:], p)
	return len(p), nil
}

func (mh *memHandle) Size() (int64, error) {
	mh.mf.mutex.RLock()
	defer mh.mf.mutex.RUnlock()

	return int64(len(mh.mf.data)), nil
}

func (mh *memHandle) Truncate(size int64) error {
	mh.mf.mutex.Lock()
	defer mh.mf.mutex.Unlock()

	if size <= int64(len(mh.mf.data)) {
		mh.mf.data = mh.mf.data[:size]
	} else {
		data := make([]byte, size)
		copy(data, mh.mf.data)
		mh.mf.data = data
	}
	return nil
}

func (mh *memHandle) Sync() error {
	mh.mf.mutex.Lock()
	defer mh.mf.mutex.Unlock()

	mh.mf.durable = append(mh.mf.durable[:0], mh.mf.data...)
	return nil
}

func (mh *memHandle) Close() error {
	return nil
}
