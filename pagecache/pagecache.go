package pagecache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/leftmike/graphstore/vfs"
)

const (
	DefaultPageSize = 8192
)

var (
	ErrClosed = errors.New("pagecache: file closed")
)

// Adversary is consulted every time a page is acquired for writing; a non-nil error fails
// the acquisition. It is used to inject faults.
type Adversary interface {
	Fail(name string, pageID int64) error
}

type PageCache struct {
	fs        vfs.FS
	adversary atomic.Value
	mutex     sync.Mutex
	files     map[string]*PagedFile
}

type PagedFile struct {
	pc       *PageCache
	name     string
	f        vfs.File
	pageSize int

	flushMutex sync.Mutex
	mutex      sync.Mutex
	pages      map[int64]*page
	lastPageID int64
	closed     bool
}

type page struct {
	lock    sync.RWMutex
	version uint64
	dirty   int32
	data    []byte
}

type adversaryHolder struct {
	adv Adversary
}

func New(fs vfs.FS) *PageCache {
	return &PageCache{
		fs:    fs,
		files: map[string]*PagedFile{},
	}
}

func (pc *PageCache) SetAdversary(adv Adversary) {
	pc.adversary.Store(adversaryHolder{adv})
}

func (pc *PageCache) fail(name string, pageID int64) error {
	ah, ok := pc.adversary.Load().(adversaryHolder)
	if !ok || ah.adv == nil {
		return nil
	}
	return ah.adv.Fail(name, pageID)
}

// Map opens, creating if necessary, the paged file name.
func (pc *PageCache) Map(name string, pageSize int) (*PagedFile, error) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	if pf, ok := pc.files[name]; ok {
		if pf.pageSize != pageSize {
			return nil, fmt.Errorf("pagecache: %s: mapped with page size %d, not %d", name,
				pf.pageSize, pageSize)
		}
		return pf, nil
	}

	f, err := pc.fs.OpenFile(name, os.O_CREATE)
	if err != nil {
		return nil, err
	}
	sz, err := f.Size()
	if err != nil {
		f.Close()
		return nil, err
	}

	pf := &PagedFile{
		pc:         pc,
		name:       name,
		f:          f,
		pageSize:   pageSize,
		pages:      map[int64]*page{},
		lastPageID: (sz+int64(pageSize)-1)/int64(pageSize) - 1,
	}
	pc.files[name] = pf
	return pf, nil
}

// FlushAndForce writes every dirty page of every mapped file and syncs the files.
func (pc *PageCache) FlushAndForce() error {
	pc.mutex.Lock()
	files := make([]*PagedFile, 0, len(pc.files))
	for _, pf := range pc.files {
		files = append(files, pf)
	}
	pc.mutex.Unlock()

	for _, pf := range files {
		err := pf.FlushAndForce()
		if err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes every mapped file.
func (pc *PageCache) Close() error {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	var err error
	for name, pf := range pc.files {
		cerr := pf.close()
		if err == nil {
			err = cerr
		}
		delete(pc.files, name)
	}
	return err
}

func (pf *PagedFile) Name() string {
	return pf.name
}

func (pf *PagedFile) PageSize() int {
	return pf.pageSize
}

// LastPageID returns the id of the last page in the file, or -1 if the file is empty.
func (pf *PagedFile) LastPageID() int64 {
	pf.mutex.Lock()
	defer pf.mutex.Unlock()

	return pf.lastPageID
}

func (pf *PagedFile) getPage(pageID int64, grow bool) (*page, error) {
	pf.mutex.Lock()
	defer pf.mutex.Unlock()

	if pf.closed {
		return nil, ErrClosed
	}
	if pageID > pf.lastPageID {
		if !grow {
			return nil, nil
		}
		pf.lastPageID = pageID
	}

	pg, ok := pf.pages[pageID]
	if ok {
		return pg, nil
	}

	pg = &page{
		data: make([]byte, pf.pageSize),
	}
	n, err := pf.f.ReadAt(pg.data, pageID*int64(pf.pageSize))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("pagecache: %s: reading page %d: %w", pf.name, pageID, err)
	}
	for n < len(pg.data) {
		pg.data[n] = 0
		n += 1
	}
	pf.pages[pageID] = pg
	return pg, nil
}

func (pf *PagedFile) FlushAndForce() error {
	pf.flushMutex.Lock()
	defer pf.flushMutex.Unlock()

	pf.mutex.Lock()
	if pf.closed {
		pf.mutex.Unlock()
		return ErrClosed
	}
	pages := map[int64]*page{}
	for pageID, pg := range pf.pages {
		if atomic.LoadInt32(&pg.dirty) != 0 {
			pages[pageID] = pg
		}
	}
	pf.mutex.Unlock()

	buf := make([]byte, pf.pageSize)
	for pageID, pg := range pages {
		pg.lock.RLock()
		copy(buf, pg.data)
		atomic.StoreInt32(&pg.dirty, 0)
		pg.lock.RUnlock()

		_, err := pf.f.WriteAt(buf, pageID*int64(pf.pageSize))
		if err != nil {
			atomic.StoreInt32(&pg.dirty, 1)
			return fmt.Errorf("pagecache: %s: writing page %d: %w", pf.name, pageID, err)
		}
	}
	return pf.f.Sync()
}

func (pf *PagedFile) close() error {
	err := pf.FlushAndForce()

	pf.mutex.Lock()
	defer pf.mutex.Unlock()

	if pf.closed {
		return nil
	}
	pf.closed = true
	cerr := pf.f.Close()
	if err == nil {
		err = cerr
	}
	return err
}
