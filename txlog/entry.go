package txlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/leftmike/graphstore/command"
)

var (
	ErrCorrupted = errors.New("txlog: log is corrupted")
	ErrFailed    = errors.New("txlog: log append failed")
	ErrClosed    = errors.New("txlog: log is closed")
)

const (
	logMagic       = "GSTXLOG1"
	logFileVersion = 1

	HeaderSize = 64

	// type(1) | len(4) | payload | checksum(4)
	entryOverhead = 9
	maxEntrySize  = 1 << 28
)

type entryType byte

const (
	txStartEntry entryType = iota + 1
	commandEntry
	txCommitEntry
	txRollbackEntry
	indexUpdateEntry
)

func (et entryType) String() string {
	switch et {
	case txStartEntry:
		return "start"
	case commandEntry:
		return "command"
	case txCommitEntry:
		return "commit"
	case txRollbackEntry:
		return "rollback"
	case indexUpdateEntry:
		return "index update"
	}
	return fmt.Sprintf("entry(%d)", et)
}

const (
	startPayloadSize    = 24
	commitPayloadSize   = 24
	rollbackPayloadSize = 8
	rollbackEntrySize   = entryOverhead + rollbackPayloadSize
)

// header is the first HeaderSize bytes of each log file; prevTx and prevChecksum are the
// last commit before the file.
type header struct {
	version      uint64
	prevTx       uint64
	prevChecksum uint64
	storeID      uuid.UUID
}

func (h header) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf, logMagic)
	binary.BigEndian.PutUint32(buf[8:], logFileVersion)
	binary.BigEndian.PutUint64(buf[16:], h.version)
	binary.BigEndian.PutUint64(buf[24:], h.prevTx)
	copy(buf[32:48], h.storeID[:])
	binary.BigEndian.PutUint64(buf[48:], h.prevChecksum)
	binary.BigEndian.PutUint64(buf[56:], xxhash.Sum64(buf[:56]))
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, fmt.Errorf("%w: short header: %d bytes", ErrCorrupted, len(buf))
	}
	if string(buf[:8]) != logMagic {
		return header{}, fmt.Errorf("%w: bad header magic", ErrCorrupted)
	}
	if binary.BigEndian.Uint64(buf[56:]) != xxhash.Sum64(buf[:56]) {
		return header{}, fmt.Errorf("%w: bad header checksum", ErrCorrupted)
	}
	if v := binary.BigEndian.Uint32(buf[8:]); v != logFileVersion {
		return header{}, fmt.Errorf("%w: unsupported log file version: %d", ErrCorrupted, v)
	}

	var h header
	h.version = binary.BigEndian.Uint64(buf[16:])
	h.prevTx = binary.BigEndian.Uint64(buf[24:])
	copy(h.storeID[:], buf[32:48])
	h.prevChecksum = binary.BigEndian.Uint64(buf[48:])
	return h, nil
}

func appendEntry(buf []byte, et entryType, payload []byte) []byte {
	start := len(buf)
	buf = append(buf, byte(et), 0, 0, 0, 0)
	binary.BigEndian.PutUint32(buf[start+1:], uint32(len(payload)))
	buf = append(buf, payload...)
	sum := uint32(xxhash.Sum64(buf[start:]))
	return append(buf, byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum))
}

type entryStatus int

const (
	entryOK entryStatus = iota
	entryShort
	entryBad
)

// parseEntry parses the entry at the start of buf and returns its type, payload, and total
// length.
func parseEntry(buf []byte) (entryType, []byte, int, entryStatus) {
	if len(buf) < 5 {
		return 0, nil, 0, entryShort
	}
	et := entryType(buf[0])
	if et < txStartEntry || et > indexUpdateEntry {
		return 0, nil, 0, entryBad
	}
	l := binary.BigEndian.Uint32(buf[1:])
	if l > maxEntrySize {
		return 0, nil, 0, entryBad
	}
	n := int(l) + entryOverhead
	if len(buf) < n {
		return 0, nil, 0, entryShort
	}
	if binary.BigEndian.Uint32(buf[n-4:]) != uint32(xxhash.Sum64(buf[:n-4])) {
		return 0, nil, 0, entryBad
	}
	return et, buf[5 : n-4], n, entryOK
}

func startPayload(b *command.Batch, prevChecksum uint64) []byte {
	buf := make([]byte, startPayloadSize)
	binary.BigEndian.PutUint64(buf, unixNano(b.Started))
	binary.BigEndian.PutUint64(buf[8:], b.LatestCommitted)
	binary.BigEndian.PutUint64(buf[16:], prevChecksum)
	return buf
}

func commitPayload(txID uint64, committed time.Time, checksum uint64) []byte {
	buf := make([]byte, commitPayloadSize)
	binary.BigEndian.PutUint64(buf, txID)
	binary.BigEndian.PutUint64(buf[8:], unixNano(committed))
	binary.BigEndian.PutUint64(buf[16:], checksum)
	return buf
}

func batchChecksum(prevChecksum uint64, entries []byte) uint64 {
	var prev [8]byte
	binary.BigEndian.PutUint64(prev[:], prevChecksum)
	d := xxhash.New()
	d.Write(prev[:])
	d.Write(entries)
	return d.Sum64()
}

// encodeBatch returns the entries of b and the checksum of its commit.
func encodeBatch(b *command.Batch, prevChecksum uint64) ([]byte, uint64) {
	buf := appendEntry(nil, txStartEntry, startPayload(b, prevChecksum))
	var cbuf []byte
	for _, cmd := range b.Commands {
		cbuf = command.Encode(cbuf[:0], cmd)
		buf = appendEntry(buf, commandEntry, cbuf)
	}
	for _, iu := range b.IndexUpdates {
		cbuf = command.EncodeIndexUpdate(cbuf[:0], iu)
		buf = appendEntry(buf, indexUpdateEntry, cbuf)
	}
	sum := batchChecksum(prevChecksum, buf)
	return appendEntry(buf, txCommitEntry, commitPayload(b.TxID, b.Committed, sum)), sum
}

func rollbackEntry(skip int64) []byte {
	var payload [rollbackPayloadSize]byte
	binary.BigEndian.PutUint64(payload[:], uint64(skip))
	return appendEntry(nil, txRollbackEntry, payload[:])
}

func unixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func unixTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v))
}
