package pagecache

import (
	"encoding/binary"
	"sync/atomic"
)

type Mode int

const (
	Read Mode = iota
	Write
)

// Cursor reads or writes one page at a time. A read cursor works on a snapshot of the page;
// ShouldRetry reports whether the page, or the page of any linked cursor, has changed since
// the snapshot was taken, and if so takes a fresh snapshot. A write cursor holds its page
// exclusively until it moves to another page or is closed.
type Cursor struct {
	pf       *PagedFile
	mode     Mode
	pageID   int64
	pg       *page
	buf      []byte
	version  uint64
	offset   int
	bounds   bool
	borrowed bool
	linked   *Cursor
}

func (pf *PagedFile) Cursor(mode Mode) *Cursor {
	return &Cursor{
		pf:     pf,
		mode:   mode,
		pageID: -1,
	}
}

func (c *Cursor) PageID() int64 {
	return c.pageID
}

func (c *Cursor) PageSize() int {
	return c.pf.pageSize
}

// Next moves the cursor to pageID. For a read cursor, false is returned if the page is
// beyond the end of the file. A write cursor grows the file as needed.
func (c *Cursor) Next(pageID int64) (bool, error) {
	c.release()
	c.offset = 0

	if c.mode == Write {
		err := c.pf.pc.fail(c.pf.name, pageID)
		if err != nil {
			return false, err
		}
	}

	pg, err := c.pf.getPage(pageID, c.mode == Write)
	if err != nil {
		return false, err
	} else if pg == nil {
		return false, nil
	}

	c.pageID = pageID
	c.pg = pg
	if c.mode == Write {
		pg.lock.Lock()
		c.buf = pg.data
	} else {
		c.snapshot()
	}
	return true, nil
}

func (c *Cursor) snapshot() {
	if c.buf == nil || len(c.buf) != c.pf.pageSize {
		c.buf = make([]byte, c.pf.pageSize)
	}
	c.pg.lock.RLock()
	c.version = atomic.LoadUint64(&c.pg.version)
	copy(c.buf, c.pg.data)
	c.pg.lock.RUnlock()
}

func (c *Cursor) release() {
	if c.pg == nil {
		return
	}
	if c.linked != nil {
		c.linked.Close()
		c.linked = nil
	}
	if c.mode == Write && !c.borrowed {
		atomic.AddUint64(&c.pg.version, 1)
		atomic.StoreInt32(&c.pg.dirty, 1)
		c.pg.lock.Unlock()
		c.buf = nil
	}
	c.pg = nil
	c.pageID = -1
}

// ShouldRetry reports whether the data read through this cursor, or any cursor linked to
// it, may be inconsistent. If so, the cursor has been refreshed and the read must be
// repeated. Write cursors never need to retry.
func (c *Cursor) ShouldRetry() bool {
	retry := false
	for cur := c; cur != nil; cur = cur.linked {
		if cur.mode == Read && cur.pg != nil &&
			atomic.LoadUint64(&cur.pg.version) != cur.version {

			retry = true
		}
	}
	if retry {
		for cur := c; cur != nil; cur = cur.linked {
			if cur.mode == Read && cur.pg != nil {
				cur.snapshot()
			}
		}
	}
	return retry
}

// OpenLinkedCursor opens a cursor, in the same mode, on another page; it is closed when this
// cursor moves or is closed, and it is checked by ShouldRetry.
func (c *Cursor) OpenLinkedCursor(pageID int64) (*Cursor, error) {
	if c.linked != nil {
		c.linked.Close()
		c.linked = nil
	}

	lc := c.pf.Cursor(c.mode)
	if c.mode == Write && c.pg != nil && pageID == c.pageID {
		lc.pageID = c.pageID
		lc.pg = c.pg
		lc.buf = c.buf
		lc.borrowed = true
	} else {
		ok, err := lc.Next(pageID)
		if err != nil {
			return nil, err
		} else if !ok {
			lc.pageID = pageID
			lc.bounds = true
		}
	}
	c.linked = lc
	return lc, nil
}

func (c *Cursor) Close() {
	c.release()
}

func (c *Cursor) SetOffset(off int) {
	c.offset = off
}

func (c *Cursor) Offset() int {
	return c.offset
}

// CheckAndClearBoundsFlag reports whether any access since the last call went outside of
// the page.
func (c *Cursor) CheckAndClearBoundsFlag() bool {
	b := c.bounds
	c.bounds = false
	for cur := c.linked; cur != nil; cur = cur.linked {
		if cur.bounds {
			b = true
			cur.bounds = false
		}
	}
	return b
}

func (c *Cursor) access(n int) []byte {
	if c.buf == nil || c.offset < 0 || c.offset+n > len(c.buf) {
		c.bounds = true
		return nil
	}
	b := c.buf[c.offset : c.offset+n]
	c.offset += n
	return b
}

func (c *Cursor) GetByte() byte {
	b := c.access(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (c *Cursor) GetShort() uint16 {
	b := c.access(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (c *Cursor) GetInt() uint32 {
	b := c.access(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (c *Cursor) GetLong() uint64 {
	b := c.access(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (c *Cursor) GetBytes(p []byte) {
	b := c.access(len(p))
	if b == nil {
		for i := range p {
			p[i] = 0
		}
		return
	}
	copy(p, b)
}

func (c *Cursor) PutByte(v byte) {
	b := c.writeAccess(1)
	if b != nil {
		b[0] = v
	}
}

func (c *Cursor) PutShort(v uint16) {
	b := c.writeAccess(2)
	if b != nil {
		binary.BigEndian.PutUint16(b, v)
	}
}

func (c *Cursor) PutInt(v uint32) {
	b := c.writeAccess(4)
	if b != nil {
		binary.BigEndian.PutUint32(b, v)
	}
}

func (c *Cursor) PutLong(v uint64) {
	b := c.writeAccess(8)
	if b != nil {
		binary.BigEndian.PutUint64(b, v)
	}
}

func (c *Cursor) PutBytes(p []byte) {
	b := c.writeAccess(len(p))
	if b != nil {
		copy(b, p)
	}
}

func (c *Cursor) writeAccess(n int) []byte {
	if c.mode != Write {
		panic("pagecache: write through a read cursor")
	}
	return c.access(n)
}
