// Package store implements the commit-log and snapshot persistence
// layer plus the Space/Channel aggregate model built atop the CRDT
// primitives.
package store

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
)

// recordHeaderSize is the length-prefix size in a commit-log record.
const recordHeaderSize = 4

// recordTrailerSize is the CRC32 trailer size in a commit-log record.
const recordTrailerSize = 4

// CommitLog is an append-only file of CRC32-framed records:
// [length:u32 LE][payload:length bytes][crc32:u32 LE of payload].
type CommitLog struct {
	file *os.File
}

// OpenCommitLog opens (creating if absent) the commit log at path for
// appending, after truncating any trailing partial record left by a
// prior crash - a corrupt tail never blocks future appends.
func OpenCommitLog(path string) (*CommitLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	validLength, err := scanValidLength(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(validLength); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return &CommitLog{file: f}, nil
}

// scanValidLength walks the file from the start, returning the byte
// offset just past the last fully-valid record. A short read or CRC
// mismatch stops the scan at that point.
func scanValidLength(f *os.File) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	var offset int64
	header := make([]byte, recordHeaderSize)
	for {
		n, err := io.ReadFull(f, header)
		if n < recordHeaderSize {
			break
		}
		if err != nil {
			break
		}
		length := binary.LittleEndian.Uint32(header)
		payload := make([]byte, length)
		n, err = io.ReadFull(f, payload)
		if uint32(n) < length {
			break
		}
		if err != nil {
			break
		}
		trailer := make([]byte, recordTrailerSize)
		n, err = io.ReadFull(f, trailer)
		if n < recordTrailerSize {
			break
		}
		if err != nil {
			break
		}
		wantCRC := binary.LittleEndian.Uint32(trailer)
		if crc32.ChecksumIEEE(payload) != wantCRC {
			break
		}
		offset += recordHeaderSize + int64(length) + recordTrailerSize
	}
	return offset, nil
}

// Append writes one CRC32-framed record and flushes it to the OS, but
// does not fsync - callers doing durability-critical writes should call
// Sync explicitly (e.g. after a batch).
func (c *CommitLog) Append(payload []byte) error {
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	var trailer [recordTrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[:], crc32.ChecksumIEEE(payload))

	if _, err := c.file.Write(header[:]); err != nil {
		return err
	}
	if _, err := c.file.Write(payload); err != nil {
		return err
	}
	if _, err := c.file.Write(trailer[:]); err != nil {
		return err
	}
	return nil
}

// Sync fsyncs the underlying file.
func (c *CommitLog) Sync() error {
	return c.file.Sync()
}

// Close closes the underlying file.
func (c *CommitLog) Close() error {
	return c.file.Close()
}

// ReadAll replays every valid record in the commit log at path in
// order, stopping at the first short read or CRC mismatch exactly as
// scanValidLength does, without requiring the log to be open for
// writing.
func ReadAll(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "store.ReadAll", "cannot open commit log", err)
	}
	defer f.Close()

	var records [][]byte
	header := make([]byte, recordHeaderSize)
	for {
		n, err := io.ReadFull(f, header)
		if n < recordHeaderSize || err != nil {
			break
		}
		length := binary.LittleEndian.Uint32(header)
		payload := make([]byte, length)
		n, err = io.ReadFull(f, payload)
		if uint32(n) < length || err != nil {
			break
		}
		trailer := make([]byte, recordTrailerSize)
		n, err = io.ReadFull(f, trailer)
		if n < recordTrailerSize || err != nil {
			break
		}
		wantCRC := binary.LittleEndian.Uint32(trailer)
		if crc32.ChecksumIEEE(payload) != wantCRC {
			break
		}
		records = append(records, payload)
	}
	return records, nil
}
