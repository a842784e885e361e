package txlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/leftmike/graphstore/command"
	"github.com/leftmike/graphstore/vfs"
)

// TailInfo describes an incomplete batch at the end of the log: a transaction which did not
// become durable.
type TailInfo struct {
	Position Position
	Bytes    int64
}

// Reader reads the batches of the log in order. Next returns io.EOF at the end of the log,
// both when it ends cleanly and when it ends with an incomplete batch (see Tail). Any other
// damage returns an error wrapping ErrCorrupted.
type Reader struct {
	layout  Layout
	storeID uuid.UUID
	end     Position
	bounded bool

	first bool
	data  []byte
	last  Commit
	tail  *TailInfo
}

// Start returns the commit before the first batch in the oldest log file.
func (lo Layout) Start() (Commit, error) {
	files, err := lo.LogFiles()
	if err != nil {
		return Commit{}, err
	}
	if len(files) == 0 {
		return Commit{}, fmt.Errorf("txlog: no log files in %s: %w", lo.Dir, os.ErrNotExist)
	}
	buf, err := vfs.ReadFile(lo.FS, files[0].Name)
	if err != nil {
		return Commit{}, err
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return Commit{}, fmt.Errorf("%w: %s", err, files[0].Name)
	}
	return Commit{
		TxID:     h.prevTx,
		End:      Position{Version: files[0].Version, Offset: HeaderSize},
		Checksum: h.prevChecksum,
	}, nil
}

// NewReader returns a reader of the batches after from. A nil storeID matches any store.
func NewReader(lo Layout, storeID uuid.UUID, from Commit) *Reader {
	if from.End.Offset < HeaderSize {
		from.End.Offset = HeaderSize
	}
	return &Reader{
		layout:  lo,
		storeID: storeID,
		first:   true,
		last:    from,
	}
}

// SetEnd stops the reader at end.
func (r *Reader) SetEnd(end Position) {
	r.end = end
	r.bounded = true
}

// LastCommit returns the last batch returned by Next, or where the reader started.
func (r *Reader) LastCommit() Commit {
	return r.last
}

// Tail returns the incomplete batch at the end of the log, if Next found one.
func (r *Reader) Tail() (TailInfo, bool) {
	if r.tail == nil {
		return TailInfo{}, false
	}
	return *r.tail, true
}

func (r *Reader) corrupted(pos Position, msg string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrCorrupted, pos, fmt.Sprintf(msg, args...))
}

func (r *Reader) open(version uint64) error {
	name := r.layout.logFileName(version)
	data, err := vfs.ReadFile(r.layout.FS, name)
	if err != nil {
		if os.IsNotExist(err) {
			return r.corrupted(Position{Version: version}, "missing log file %s", name)
		}
		return err
	}
	h, err := decodeHeader(data)
	if err != nil {
		return fmt.Errorf("%w: %s", err, name)
	}
	if h.version != version {
		return r.corrupted(Position{Version: version}, "file has version %d", h.version)
	}
	if r.storeID != uuid.Nil && h.storeID != r.storeID {
		return r.corrupted(Position{Version: version}, "file belongs to store %s", h.storeID)
	}
	if (!r.first || r.last.End.Offset == HeaderSize) &&
		(h.prevTx != r.last.TxID || h.prevChecksum != r.last.Checksum) {

		return r.corrupted(Position{Version: version},
			"file starts after tx %d, expected tx %d", h.prevTx, r.last.TxID)
	}

	if r.bounded && version == r.end.Version {
		if int64(len(data)) < r.end.Offset {
			return r.corrupted(r.end, "file is only %d bytes", len(data))
		}
		data = data[:r.end.Offset]
	}
	if int64(len(data)) < r.last.End.Offset {
		return r.corrupted(r.last.End, "file is only %d bytes", len(data))
	}
	r.data = data
	r.first = false
	return nil
}

func (r *Reader) isLastFile(version uint64) bool {
	if r.bounded {
		return version >= r.end.Version
	}
	files, err := r.layout.LogFiles()
	if err != nil {
		return false
	}
	return len(files) == 0 || files[len(files)-1].Version <= version
}

func allZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// Next returns the next batch in the log.
func (r *Reader) Next() (*command.Batch, error) {
	if r.tail != nil {
		return nil, io.EOF
	}

	for {
		if r.data == nil {
			err := r.open(r.last.End.Version)
			if err != nil {
				return nil, err
			}
		}

		pos := r.last.End
		if pos.Offset >= int64(len(r.data)) {
			if r.isLastFile(pos.Version) {
				return nil, io.EOF
			}
			r.data = nil
			r.last.End = Position{Version: pos.Version + 1, Offset: HeaderSize}
			continue
		}

		buf := r.data[pos.Offset:]
		b, n, skip, st, err := r.readBatch(buf)
		if st == entryOK {
			r.last.End.Offset += int64(n)
			if b == nil {
				// A batch abandoned by the appender.
				if pos.Offset+int64(n)+skip > int64(len(r.data)) {
					st = entryShort
				} else {
					r.last.End.Offset += skip
					continue
				}
			} else {
				return b, nil
			}
		}

		if r.isLastFile(pos.Version) && (st == entryShort || allZero(buf)) {
			r.last.End = pos
			r.tail = &TailInfo{
				Position: pos,
				Bytes:    int64(len(buf)),
			}
			return nil, io.EOF
		}
		if err == nil {
			err = fmt.Errorf("incomplete batch")
		}
		return nil, r.corrupted(pos, "%s", err)
	}
}

// readBatch parses the batch at the start of buf. A rollback entry returns a nil batch and
// the number of bytes which it abandons.
func (r *Reader) readBatch(buf []byte) (*command.Batch, int, int64, entryStatus, error) {
	et, payload, n, st := parseEntry(buf)
	if st != entryOK {
		return nil, 0, 0, st, nil
	}
	if et == txRollbackEntry {
		if len(payload) != rollbackPayloadSize {
			return nil, 0, 0, entryBad, fmt.Errorf("bad rollback entry")
		}
		return nil, n, int64(binary.BigEndian.Uint64(payload)), entryOK, nil
	}
	if et != txStartEntry || len(payload) != startPayloadSize {
		return nil, 0, 0, entryBad, fmt.Errorf("expected start entry, got %s", et)
	}

	b := &command.Batch{
		Started:         unixTime(binary.BigEndian.Uint64(payload)),
		LatestCommitted: binary.BigEndian.Uint64(payload[8:]),
	}
	prevChecksum := binary.BigEndian.Uint64(payload[16:])
	if prevChecksum != r.last.Checksum {
		return nil, 0, 0, entryBad, fmt.Errorf("checksum chain broken after tx %d",
			r.last.TxID)
	}

	total := n
	for {
		et, payload, n, st = parseEntry(buf[total:])
		if st != entryOK {
			return nil, 0, 0, st, nil
		}

		switch et {
		case commandEntry:
			cmd, err := command.Decode(payload)
			if err != nil {
				return nil, 0, 0, entryBad, err
			}
			b.Commands = append(b.Commands, cmd)
			total += n
		case indexUpdateEntry:
			iu, err := command.DecodeIndexUpdate(payload)
			if err != nil {
				return nil, 0, 0, entryBad, err
			}
			b.IndexUpdates = append(b.IndexUpdates, iu)
			total += n
		case txCommitEntry:
			if len(payload) != commitPayloadSize {
				return nil, 0, 0, entryBad, fmt.Errorf("bad commit entry")
			}
			b.TxID = binary.BigEndian.Uint64(payload)
			b.Committed = unixTime(binary.BigEndian.Uint64(payload[8:]))
			sum := binary.BigEndian.Uint64(payload[16:])
			if sum != batchChecksum(prevChecksum, buf[:total]) {
				return nil, 0, 0, entryBad, fmt.Errorf("bad checksum for tx %d", b.TxID)
			}
			if b.TxID != r.last.TxID+1 {
				return nil, 0, 0, entryBad, fmt.Errorf("expected tx %d, got tx %d",
					r.last.TxID+1, b.TxID)
			}
			total += n
			r.last.TxID = b.TxID
			r.last.Checksum = sum
			return b, total, 0, entryOK, nil
		default:
			return nil, 0, 0, entryBad, fmt.Errorf("unexpected %s entry in tx %d", et,
				r.last.TxID+1)
		}
	}
}
