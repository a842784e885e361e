package vfs

import (
	"io"
	"os"
	"path/filepath"
	"sort"
)

// File is an open file. Writes are not durable until Sync returns.
type File interface {
	io.ReaderAt
	io.WriterAt
	Name() string
	Size() (int64, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// FS is the filesystem used for store files, log segments, and checkpoint files.
type FS interface {
	// OpenFile opens name for reading and writing; flag is a combination of os.O_CREATE,
	// os.O_EXCL, and os.O_TRUNC.
	OpenFile(name string, flag int) (File, error)
	Remove(name string) error
	Rename(oldname, newname string) error
	Exists(name string) bool
	// List returns the names, not paths, of the files in dir, sorted.
	List(dir string) ([]string, error)
	MkdirAll(dir string) error
}

type osFS struct{}

type osFile struct {
	*os.File
}

// OS returns the operating system filesystem.
func OS() FS {
	return osFS{}
}

func (_ osFS) OpenFile(name string, flag int) (File, error) {
	f, err := os.OpenFile(name, flag|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return osFile{f}, nil
}

func (_ osFS) Remove(name string) error {
	return os.Remove(name)
}

func (_ osFS) Rename(oldname, newname string) error {
	err := os.Rename(oldname, newname)
	if err != nil {
		return err
	}
	return syncDir(filepath.Dir(newname))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (_ osFS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (_ osFS) List(dir string) ([]string, error) {
	d, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	names, err := d.Readdirnames(-1)
	d.Close()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (_ osFS) MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0755)
}

func (f osFile) Size() (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// WriteFileAtomic writes data to a temporary file, syncs it, and renames it over name.
func WriteFileAtomic(fs FS, name string, data []byte) error {
	tmp := name + ".tmp"
	f, err := fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	_, err = f.WriteAt(data, 0)
	if err == nil {
		err = f.Sync()
	}
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		fs.Remove(tmp)
		return err
	}
	return fs.Rename(tmp, name)
}

// ReadFile reads all of name.
func ReadFile(fs FS, name string) ([]byte, error) {
	f, err := fs.OpenFile(name, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sz, err := f.Size()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, sz)
	n, err := f.ReadAt(buf, 0)
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return nil, err
	}
	return buf, nil
}
