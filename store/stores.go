package store

import (
	"fmt"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/format"
	"github.com/leftmike/graphstore/pagecache"
	"github.com/leftmike/graphstore/vfs"
)

type Options struct {
	// Format is used when creating a database; for an existing database, a different
	// format is an upgrade, which is only allowed if the formats are compatible.
	Format          string
	PageSize        int
	StringBlockSize int
	ArrayBlockSize  int
	NameBlockSize   int
	LabelBlockSize  int
}

func (opts *Options) defaults() {
	if opts.PageSize == 0 {
		opts.PageSize = pagecache.DefaultPageSize
	}
	if opts.StringBlockSize == 0 {
		opts.StringBlockSize = DefaultStringBlockSize
	}
	if opts.ArrayBlockSize == 0 {
		opts.ArrayBlockSize = DefaultArrayBlockSize
	}
	if opts.NameBlockSize == 0 {
		opts.NameBlockSize = DefaultNameBlockSize
	}
	if opts.LabelBlockSize == 0 {
		opts.LabelBlockSize = DefaultLabelBlockSize
	}
}

// Stores is every record store of a database, sharing one page cache.
type Stores struct {
	Format *format.Format
	Meta   *MetaData

	logger log.FieldLogger
	fs     vfs.FS
	dir    string
	pc     *pagecache.PageCache
	stores [NumKinds]*RecordStore
}

// Open opens, creating if necessary, the stores of the database in dir.
func Open(logger log.FieldLogger, fs vfs.FS, dir string, opts Options) (*Stores, error) {
	opts.defaults()

	var md *MetaData
	if MetaDataExists(fs, dir) {
		var err error
		md, err = ReadMetaData(fs, dir)
		if err != nil {
			return nil, err
		}
		if opts.Format != "" && opts.Format != md.Format {
			err = upgrade(logger, md, opts.Format)
			if err != nil {
				return nil, err
			}
		}
	} else {
		if opts.Format == "" {
			opts.Format = format.DefaultFormat
		}
		md = newMetaData(fs, dir, opts)
		logger.WithFields(log.Fields{
			"format":   md.Format,
			"store_id": md.StoreID,
		}).Info("creating database")
	}

	f, err := format.Lookup(md.Format)
	if err != nil {
		return nil, err
	}
	err = md.Save()
	if err != nil {
		return nil, err
	}

	s := &Stores{
		Format: f,
		Meta:   md,
		logger: logger,
		fs:     fs,
		dir:    dir,
		pc:     pagecache.New(fs),
	}
	for k := Kind(0); k < NumKinds; k += 1 {
		rs, err := openRecordStore(logger, fs, s.pc, k, filepath.Join(dir, k.File()),
			k.codec(f), format.StoreHeader{BlockSize: k.blockSize(md)}, md.PageSize)
		if err != nil {
			s.pc.Close()
			return nil, err
		}
		s.stores[k] = rs
	}
	return s, nil
}

func upgrade(logger log.FieldLogger, md *MetaData, to string) error {
	ff, err := format.Lookup(md.Format)
	if err != nil {
		return err
	}
	tf, err := format.Lookup(to)
	if err != nil {
		return err
	}
	err = format.CheckUpgrade(ff, tf)
	if err != nil {
		return err
	}

	logger.WithFields(log.Fields{
		"from": ff.Name,
		"to":   tf.Name,
	}).Info("upgrading format")
	md.Upgrades = append(md.Upgrades, Upgrade{From: ff.Name, To: tf.Name,
		Time: time.Now().UTC()})
	md.Format = tf.Name
	return nil
}

func (s *Stores) Store(k Kind) *RecordStore {
	return s.stores[k]
}

func (s *Stores) All() []*RecordStore {
	return s.stores[:]
}

func (s *Stores) Dir() string {
	return s.dir
}

// PageCache returns the page cache shared by the stores; it is used to install an
// adversary when testing.
func (s *Stores) PageCache() *pagecache.PageCache {
	return s.pc
}

// NeedsRebuild reports whether any id generator was not closed cleanly.
func (s *Stores) NeedsRebuild() bool {
	for _, rs := range s.stores {
		if rs.ids.NeedsRebuild() {
			return true
		}
	}
	return false
}

// RebuildIDs rebuilds the id generator of every store.
func (s *Stores) RebuildIDs() error {
	for _, rs := range s.stores {
		err := rs.RebuildIDs()
		if err != nil {
			return err
		}
	}
	return nil
}

// FlushAndForce makes every store durable, along with the state of the id generators.
func (s *Stores) FlushAndForce() error {
	for _, rs := range s.stores {
		err := rs.flushAndForce()
		if err != nil {
			return fmt.Errorf("store: %s: %w", rs.kind, err)
		}
	}
	return nil
}

// Close flushes the stores. The id generators are marked clean only if clean is true;
// otherwise the next open will rebuild them.
func (s *Stores) Close(clean bool) error {
	var err error
	for _, rs := range s.stores {
		if clean {
			cerr := rs.ids.Close()
			if err == nil {
				err = cerr
			}
		} else {
			rs.ids.Abandon()
		}
	}
	cerr := s.pc.Close()
	if err == nil {
		err = cerr
	}
	return err
}
