package store

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/leftmike/graphstore/vfs"
)

const (
	MetaDataFile = "graph.meta"
	metaMagic    = "GSMETA01"

	DefaultStringBlockSize = 120
	DefaultArrayBlockSize  = 120
	DefaultNameBlockSize   = 30
	DefaultLabelBlockSize  = 60
)

type Upgrade struct {
	From string
	To   string
	Time time.Time
}

// MetaData describes a database: its format, identity, store parameters, and the point in
// the log which the stores are known to include.
type MetaData struct {
	Format          string
	StoreID         uuid.UUID
	Created         time.Time
	PageSize        int
	StringBlockSize int
	ArrayBlockSize  int
	NameBlockSize   int
	LabelBlockSize  int

	LastCommittedTx      uint64
	LastClosedTx         uint64
	LastClosedLogVersion uint64
	LastClosedLogOffset  int64

	Upgrades []Upgrade

	fs   vfs.FS
	name string
}

const (
	metaFormat protowire.Number = iota + 1
	metaStoreID
	metaCreated
	metaPageSize
	metaStringBlockSize
	metaArrayBlockSize
	metaNameBlockSize
	metaLabelBlockSize
	metaLastCommittedTx
	metaLastClosedTx
	metaLastClosedLogVersion
	metaLastClosedLogOffset
	metaUpgrade
)

const (
	upgradeFrom protowire.Number = iota + 1
	upgradeTo
	upgradeTime
)

// MetaDataExists reports whether dir holds a database.
func MetaDataExists(fs vfs.FS, dir string) bool {
	return fs.Exists(filepath.Join(dir, MetaDataFile))
}

// ReadMetaData reads the metadata of the database in dir.
func ReadMetaData(fs vfs.FS, dir string) (*MetaData, error) {
	name := filepath.Join(dir, MetaDataFile)
	buf, err := vfs.ReadFile(fs, name)
	if err != nil {
		return nil, err
	}
	md := &MetaData{
		fs:   fs,
		name: name,
	}
	err = md.decode(buf)
	if err != nil {
		return nil, err
	}
	return md, nil
}

func newMetaData(fs vfs.FS, dir string, opts Options) *MetaData {
	return &MetaData{
		Format:          opts.Format,
		StoreID:         uuid.New(),
		Created:         time.Now().UTC(),
		PageSize:        opts.PageSize,
		StringBlockSize: opts.StringBlockSize,
		ArrayBlockSize:  opts.ArrayBlockSize,
		NameBlockSize:   opts.NameBlockSize,
		LabelBlockSize:  opts.LabelBlockSize,
		fs:              fs,
		name:            filepath.Join(dir, MetaDataFile),
	}
}

// Save writes the metadata atomically.
func (md *MetaData) Save() error {
	return vfs.WriteFileAtomic(md.fs, md.name, md.encode())
}

func appendUint(buf []byte, num protowire.Number, v uint64) []byte {
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}

func appendString(buf []byte, num protowire.Number, s string) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, s)
}

func (md *MetaData) encode() []byte {
	buf := []byte(metaMagic)
	buf = appendString(buf, metaFormat, md.Format)
	buf = protowire.AppendTag(buf, metaStoreID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, md.StoreID[:])
	buf = appendUint(buf, metaCreated, uint64(md.Created.UnixNano()))
	buf = appendUint(buf, metaPageSize, uint64(md.PageSize))
	buf = appendUint(buf, metaStringBlockSize, uint64(md.StringBlockSize))
	buf = appendUint(buf, metaArrayBlockSize, uint64(md.ArrayBlockSize))
	buf = appendUint(buf, metaNameBlockSize, uint64(md.NameBlockSize))
	buf = appendUint(buf, metaLabelBlockSize, uint64(md.LabelBlockSize))
	buf = appendUint(buf, metaLastCommittedTx, md.LastCommittedTx)
	buf = appendUint(buf, metaLastClosedTx, md.LastClosedTx)
	buf = appendUint(buf, metaLastClosedLogVersion, md.LastClosedLogVersion)
	buf = appendUint(buf, metaLastClosedLogOffset, uint64(md.LastClosedLogOffset))
	for _, u := range md.Upgrades {
		var ubuf []byte
		ubuf = appendString(ubuf, upgradeFrom, u.From)
		ubuf = appendString(ubuf, upgradeTo, u.To)
		ubuf = appendUint(ubuf, upgradeTime, uint64(u.Time.UnixNano()))
		buf = protowire.AppendTag(buf, metaUpgrade, protowire.BytesType)
		buf = protowire.AppendBytes(buf, ubuf)
	}

	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Sum64(buf))
	return append(buf, sum[:]...)
}

type fieldFunc func(num protowire.Number, typ protowire.Type, buf []byte) (int, error)

func consumeFields(buf []byte, fn fieldFunc) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]
		n, err := fn(num, typ, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]
	}
	return nil
}

func consumeUint(typ protowire.Type, buf []byte, v *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("store: metadata: unexpected wire type: %d", typ)
	}
	u, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*v = u
	return n, nil
}

func consumeInt(typ protowire.Type, buf []byte, v *int) (int, error) {
	var u uint64
	n, err := consumeUint(typ, buf, &u)
	*v = int(u)
	return n, err
}

func consumeString(typ protowire.Type, buf []byte, s *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("store: metadata: unexpected wire type: %d", typ)
	}
	v, n := protowire.ConsumeString(buf)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*s = v
	return n, nil
}

func consumeTime(typ protowire.Type, buf []byte, t *time.Time) (int, error) {
	var u uint64
	n, err := consumeUint(typ, buf, &u)
	*t = time.Unix(0, int64(u)).UTC()
	return n, err
}

func (md *MetaData) decode(buf []byte) error {
	if len(buf) < len(metaMagic)+8 || string(buf[:len(metaMagic)]) != metaMagic {
		return fmt.Errorf("store: %s: not a metadata file", md.name)
	}
	data := buf[:len(buf)-8]
	if xxhash.Sum64(data) != binary.BigEndian.Uint64(buf[len(buf)-8:]) {
		return fmt.Errorf("store: %s: bad metadata checksum", md.name)
	}

	err := consumeFields(data[len(metaMagic):],
		func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
			switch num {
			case metaFormat:
				return consumeString(typ, buf, &md.Format)
			case metaStoreID:
				b, n := protowire.ConsumeBytes(buf)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				id, err := uuid.FromBytes(b)
				if err != nil {
					return 0, err
				}
				md.StoreID = id
				return n, nil
			case metaCreated:
				return consumeTime(typ, buf, &md.Created)
			case metaPageSize:
				return consumeInt(typ, buf, &md.PageSize)
			case metaStringBlockSize:
				return consumeInt(typ, buf, &md.StringBlockSize)
			case metaArrayBlockSize:
				return consumeInt(typ, buf, &md.ArrayBlockSize)
			case metaNameBlockSize:
				return consumeInt(typ, buf, &md.NameBlockSize)
			case metaLabelBlockSize:
				return consumeInt(typ, buf, &md.LabelBlockSize)
			case metaLastCommittedTx:
				return consumeUint(typ, buf, &md.LastCommittedTx)
			case metaLastClosedTx:
				return consumeUint(typ, buf, &md.LastClosedTx)
			case metaLastClosedLogVersion:
				return consumeUint(typ, buf, &md.LastClosedLogVersion)
			case metaLastClosedLogOffset:
				var u uint64
				n, err := consumeUint(typ, buf, &u)
				md.LastClosedLogOffset = int64(u)
				return n, err
			case metaUpgrade:
				b, n := protowire.ConsumeBytes(buf)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				var u Upgrade
				err := consumeFields(b,
					func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
						switch num {
						case upgradeFrom:
							return consumeString(typ, buf, &u.From)
						case upgradeTo:
							return consumeString(typ, buf, &u.To)
						case upgradeTime:
							return consumeTime(typ, buf, &u.Time)
						}
						return 0, nil
					})
				if err != nil {
					return 0, err
				}
				md.Upgrades = append(md.Upgrades, u)
				return n, nil
			}
			return 0, nil
		})
	if err != nil {
		return fmt.Errorf("store: %s: %s", md.name, err)
	}
	return nil
}
