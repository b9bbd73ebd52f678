package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
)

const (
	snapshotMagic   = "SPSNAP01"
	snapshotVersion = byte(1)
)

// SnapshotHeader is the self-describing prefix of a snapshot file.
type SnapshotHeader struct {
	Magic   string
	Version byte
}

// WriteSnapshot serializes state as JSON, wraps it with the snapshot
// magic/version header, and writes it atomically (temp file, fsync,
// rename) to dir under a sequence-numbered name. It then prunes all but
// the retention newest snapshots in dir.
func WriteSnapshot(dir string, seq uint64, state any, retention int) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	buf.WriteByte(snapshotVersion)
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], seq)
	buf.Write(seqBuf[:])
	buf.Write(payload)

	name := snapshotFileName(seq)
	path := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("store: rename snapshot into place: %w", err)
	}

	if err := pruneSnapshots(dir, retention); err != nil {
		return path, err
	}
	return path, nil
}

func snapshotFileName(seq uint64) string {
	return fmt.Sprintf("snapshot-%020d.bin", seq)
}

// listSnapshots returns snapshot file names in dir in descending
// sequence order (newest first).
func listSnapshots(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "snapshot-") && strings.HasSuffix(e.Name(), ".bin") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func pruneSnapshots(dir string, retention int) error {
	if retention <= 0 {
		retention = 3
	}
	names, err := listSnapshots(dir)
	if err != nil {
		return err
	}
	if len(names) <= retention {
		return nil
	}
	for _, stale := range names[retention:] {
		_ = os.Remove(filepath.Join(dir, stale))
	}
	return nil
}

// LoadResult carries a successfully loaded snapshot and the sequence
// number it was taken at.
type LoadResult struct {
	Sequence uint64
	Payload  []byte
}

// ErrNeedsRebuild signals that every snapshot in dir (if any existed at
// all) failed integrity checks, and the store must recover from peers
// rather than local disk.
var ErrNeedsRebuild = spacepandaerr.New(spacepandaerr.KindCorruption, "store.LoadLatestValidSnapshot", "no intact snapshot available, rebuild from peers required")

// LoadLatestValidSnapshot tries snapshots newest-first, returning the
// first one that passes its magic/version/length checks. If every
// snapshot present is corrupt, it returns ErrNeedsRebuild.
func LoadLatestValidSnapshot(dir string) (*LoadResult, error) {
	names, err := listSnapshots(dir)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		result, err := loadSnapshotFile(filepath.Join(dir, name))
		if err == nil {
			return result, nil
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	return nil, ErrNeedsRebuild
}

func loadSnapshotFile(path string) (*LoadResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	minLen := len(snapshotMagic) + 1 + 8
	if len(raw) < minLen {
		return nil, spacepandaerr.New(spacepandaerr.KindCorruption, "store.loadSnapshotFile", "truncated snapshot")
	}
	if string(raw[:len(snapshotMagic)]) != snapshotMagic {
		return nil, spacepandaerr.New(spacepandaerr.KindCorruption, "store.loadSnapshotFile", "bad snapshot magic")
	}
	offset := len(snapshotMagic)
	if raw[offset] != snapshotVersion {
		return nil, spacepandaerr.New(spacepandaerr.KindCorruption, "store.loadSnapshotFile", "unsupported snapshot version")
	}
	offset++
	seq := binary.LittleEndian.Uint64(raw[offset : offset+8])
	offset += 8
	payload := raw[offset:]
	if !json.Valid(payload) {
		return nil, spacepandaerr.New(spacepandaerr.KindCorruption, "store.loadSnapshotFile", "snapshot payload is not valid JSON")
	}
	return &LoadResult{Sequence: seq, Payload: payload}, nil
}

// sequenceFromName extracts the numeric sequence encoded in a snapshot
// file name, used by tests and diagnostics.
func sequenceFromName(name string) (uint64, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "snapshot-"), ".bin")
	return strconv.ParseUint(trimmed, 10, 64)
}
