package store

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/format"
	"github.com/leftmike/graphstore/idgen"
	"github.com/leftmike/graphstore/pagecache"
	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/vfs"
)

var (
	ErrNotInUse    = errors.New("store: record not in use")
	ErrBrokenChain = errors.New("store: broken chain")
)

// RecordStore is one paged file of fixed size records of a single kind.
type RecordStore struct {
	kind   Kind
	name   string
	codec  format.Codec
	pf     *pagecache.PagedFile
	slots  format.Slots
	ids    *idgen.Generator
	logger log.FieldLogger
}

func openRecordStore(logger log.FieldLogger, fs vfs.FS, pc *pagecache.PageCache, kind Kind,
	name string, codec format.Codec, hdr format.StoreHeader, pageSize int) (*RecordStore, error) {

	pf, err := pc.Map(name, pageSize)
	if err != nil {
		return nil, err
	}
	ids, err := idgen.Open(logger, fs, name, codec.MaxID())
	if err != nil {
		return nil, err
	}

	return &RecordStore{
		kind:   kind,
		name:   name,
		codec:  codec,
		pf:     pf,
		slots:  format.MakeSlots(codec.RecordSize(hdr), pageSize),
		ids:    ids,
		logger: logger.WithField("store", kind),
	}, nil
}

func (rs *RecordStore) Kind() Kind {
	return rs.kind
}

func (rs *RecordStore) Name() string {
	return rs.name
}

func (rs *RecordStore) RecordSize() int {
	return rs.slots.Size
}

func (rs *RecordStore) IDs() *idgen.Generator {
	return rs.ids
}

func (rs *RecordStore) NewRecord(id int64) record.Record {
	return rs.codec.NewRecord(id)
}

// GetRecord reads the record with id. In Normal mode, a record which is not in use is an
// error matching ErrNotInUse.
func (rs *RecordStore) GetRecord(id int64, mode format.LoadMode) (record.Record, error) {
	rec := rs.codec.NewRecord(id)
	err := rs.ReadRecord(rec, mode)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ReadRecord reads into rec, which must be of the kind stored by rs, using the id of rec.
func (rs *RecordStore) ReadRecord(rec record.Record, mode format.LoadMode) error {
	id := rec.Header().ID
	if id < 0 || id > rs.codec.MaxID() {
		return fmt.Errorf("store: %s: id out of range: %d", rs.kind, id)
	}

	pageID, off := rs.slots.Locate(id)
	c := rs.pf.Cursor(pagecache.Read)
	defer c.Close()

	for {
		ok, err := c.Next(pageID)
		if err != nil {
			return err
		} else if !ok {
			rec.Clear()
			break
		}

		c.SetOffset(off)
		err = rs.codec.Read(rec, c, mode, rs.slots)
		if c.ShouldRetry() {
			continue
		}
		if c.CheckAndClearBoundsFlag() {
			return fmt.Errorf("store: %s: %d: read out of bounds: %w", rs.kind, id,
				format.ErrInvalidRecord)
		}
		if err != nil {
			return err
		}
		break
	}

	if mode == format.Normal && !rec.Header().InUse {
		return fmt.Errorf("%w: %s: %d", ErrNotInUse, rs.kind, id)
	}
	return nil
}

// Prepare assigns a secondary unit to rec if it needs one.
func (rs *RecordStore) Prepare(rec record.Record) error {
	return rs.codec.Prepare(rec, rs.slots.Size, rs.ids)
}

// UpdateRecord writes rec, including any secondary unit, and marks its ids as used.
func (rs *RecordStore) UpdateRecord(rec record.Record) error {
	base := rec.Header()
	if base.ID < 0 || base.ID > rs.codec.MaxID() || base.ID == format.ReservedID {
		return fmt.Errorf("store: %s: id out of range: %d", rs.kind, base.ID)
	}

	pageID, off := rs.slots.Locate(base.ID)
	c := rs.pf.Cursor(pagecache.Write)
	defer c.Close()

	_, err := c.Next(pageID)
	if err != nil {
		return fmt.Errorf("store: %s: %d: %w", rs.kind, base.ID, err)
	}
	c.SetOffset(off)
	err = rs.codec.Write(rec, c, rs.slots)
	if err != nil {
		return err
	}
	if c.CheckAndClearBoundsFlag() {
		return fmt.Errorf("store: %s: %d: write out of bounds: %w", rs.kind, base.ID,
			format.ErrInvalidRecord)
	}

	if base.InUse {
		rs.ids.MarkUsed(base.ID)
		if base.HasSecondaryUnit() {
			rs.ids.MarkUsed(base.SecondaryUnitID)
		}
	}
	return nil
}

func (rs *RecordStore) NextID() (int64, error) {
	return rs.ids.NextID()
}

func (rs *RecordStore) HighID() int64 {
	return rs.ids.HighID()
}

type inUseScanner struct {
	rs *RecordStore
	c  *pagecache.Cursor
}

func (rs *RecordStore) scanner() *inUseScanner {
	return &inUseScanner{
		rs: rs,
		c:  rs.pf.Cursor(pagecache.Read),
	}
}

func (ius *inUseScanner) inUse(id int64) (bool, error) {
	pageID, off := ius.rs.slots.Locate(id)
	for {
		if ius.c.PageID() != pageID {
			ok, err := ius.c.Next(pageID)
			if err != nil {
				return false, err
			} else if !ok {
				return false, nil
			}
		}
		ius.c.SetOffset(off)
		inUse := ius.rs.codec.IsInUse(ius.c)
		if !ius.c.ShouldRetry() {
			return inUse, nil
		}
	}
}

func (ius *inUseScanner) close() {
	ius.c.Close()
}

// IsInUse reports whether the slot for id is in use, without decoding the record. The slot
// of a secondary unit is in use when its record is.
func (rs *RecordStore) IsInUse(id int64) (bool, error) {
	ius := rs.scanner()
	defer ius.close()

	return ius.inUse(id)
}

// ScanHighID returns one more than the highest id whose slot is in use.
func (rs *RecordStore) ScanHighID() (int64, error) {
	ius := rs.scanner()
	defer ius.close()

	for pageID := rs.pf.LastPageID(); pageID >= 0; pageID -= 1 {
		for slot := rs.slots.PerPage - 1; slot >= 0; slot -= 1 {
			id := pageID*int64(rs.slots.PerPage) + int64(slot)
			inUse, err := ius.inUse(id)
			if err != nil {
				return 0, err
			}
			if inUse {
				return id + 1, nil
			}
		}
	}
	return 0, nil
}

// RebuildIDs rebuilds the id generator by scanning the store.
func (rs *RecordStore) RebuildIDs() error {
	high, err := rs.ScanHighID()
	if err != nil {
		return err
	}

	ius := rs.scanner()
	defer ius.close()

	err = rs.ids.Rebuild(high, ius.inUse)
	if err != nil {
		return fmt.Errorf("store: %s: rebuilding ids: %w", rs.kind, err)
	}
	return nil
}

// Scan calls fn with every record from id zero up to the high id, reading in Check mode;
// records which are not in use are passed as well.
func (rs *RecordStore) Scan(fn func(rec record.Record) error) error {
	high, err := rs.ScanHighID()
	if err != nil {
		return err
	}
	for id := int64(0); id < high; id += 1 {
		if id == format.ReservedID {
			continue
		}
		rec, err := rs.GetRecord(id, format.Check)
		if err != nil {
			return err
		}
		err = fn(rec)
		if err != nil {
			return err
		}
	}
	return nil
}

func (rs *RecordStore) flushAndForce() error {
	err := rs.pf.FlushAndForce()
	if err != nil {
		return err
	}
	return rs.ids.Checkpoint()
}
