package tsdb

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/scrapeloop/scrapeloop/pkg/model"
)

// Segment file layout: the active segment is plain JSON lines (one sample per
// line) named NNNNNNNN.wal; sealed segments are the same stream compressed
// with zstd, named NNNNNNNN.wal.zst. Sequence numbers only grow.
const (
	activeSuffix = ".wal"
	sealedSuffix = ".wal.zst"
)

// sealedSegment is one immutable compressed segment on disk.
type sealedSegment struct {
	seq   int
	path  string
	maxTS int64
}

// wal is the append-only write-ahead log backing the store. Writes go through
// a buffered writer; data between flushes is the store's documented
// durability boundary.
type wal struct {
	dir      string
	maxBytes int64

	f      *os.File
	bw     *bufio.Writer
	seq    int
	size   int64
	maxTS  int64
	sealed []sealedSegment
}

func segmentName(seq int, suffix string) string {
	return fmt.Sprintf("%08d%s", seq, suffix)
}

func parseSegmentName(name string) (seq int, sealed bool, ok bool) {
	base := name
	switch {
	case strings.HasSuffix(base, sealedSuffix):
		sealed = true
		base = strings.TrimSuffix(base, sealedSuffix)
	case strings.HasSuffix(base, activeSuffix):
		base = strings.TrimSuffix(base, activeSuffix)
	default:
		return 0, false, false
	}
	if _, err := fmt.Sscanf(base, "%d", &seq); err != nil {
		return 0, false, false
	}
	return seq, sealed, true
}

// openWAL creates a fresh active segment with the next free sequence number.
func openWAL(dir string, nextSeq int, maxBytes int64, sealed []sealedSegment) (*wal, error) {
	w := &wal{
		dir:      dir,
		maxBytes: maxBytes,
		seq:      nextSeq,
		sealed:   sealed,
	}
	if err := w.openActive(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *wal) openActive() error {
	path := filepath.Join(w.dir, segmentName(w.seq, activeSuffix))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wal: creating segment %s: %w", path, err)
	}
	w.f = f
	w.bw = bufio.NewWriterSize(f, 64*1024)
	w.size = 0
	w.maxTS = 0
	return nil
}

// append writes samples to the active segment as one batch: either every line
// lands or none does. A failed write is rewound so a restart never replays
// samples the caller was told did not append. The caller decides when to flush
// and seal.
func (w *wal) append(samples []model.Sample) (written int64, err error) {
	var buf bytes.Buffer
	var maxTS int64
	for _, s := range samples {
		line, err := json.Marshal(s)
		if err != nil {
			return 0, fmt.Errorf("wal: encoding sample: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
		if s.Timestamp > maxTS {
			maxTS = s.Timestamp
		}
	}

	if _, err := w.bw.Write(buf.Bytes()); err != nil {
		w.rewind()
		return 0, fmt.Errorf("wal: writing segment %d: %w", w.seq, err)
	}

	w.size += int64(buf.Len())
	if maxTS > w.maxTS {
		w.maxTS = maxTS
	}
	return int64(buf.Len()), nil
}

// rewind discards a partially written batch after a write error: buffered
// bytes are dropped, and if any of the failed batch reached the file it is
// truncated back to the last known-good size. When the file holds less than
// the known-good size, the unflushed remainder of earlier batches is gone with
// the buffer; that is the same loss a crash between flushes produces, and the
// file end is adopted as the new size. Best effort; any leftover is a torn
// tail, which replay drops.
func (w *wal) rewind() {
	w.bw = bufio.NewWriterSize(w.f, 64*1024)
	end, err := w.f.Seek(0, io.SeekEnd)
	if err != nil {
		return
	}
	if end > w.size {
		end = w.size
	} else {
		w.size = end
	}
	if err := w.f.Truncate(end); err != nil {
		return
	}
	w.f.Seek(end, io.SeekStart)
}

// flush pushes buffered writes to the OS.
func (w *wal) flush() error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("wal: flushing segment %d: %w", w.seq, err)
	}
	return nil
}

// full reports whether the active segment has reached the seal threshold.
func (w *wal) full() bool {
	return w.size >= w.maxBytes
}

// seal flushes and closes the active segment, compresses it to a sealed
// segment, removes the plain file, and opens the next active segment.
func (w *wal) seal() error {
	if err := w.flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("wal: syncing segment %d: %w", w.seq, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("wal: closing segment %d: %w", w.seq, err)
	}

	plain := filepath.Join(w.dir, segmentName(w.seq, activeSuffix))
	sealedPath, err := compressSegment(plain)
	if err != nil {
		return err
	}
	if err := os.Remove(plain); err != nil {
		return fmt.Errorf("wal: removing plain segment %s: %w", plain, err)
	}

	w.sealed = append(w.sealed, sealedSegment{seq: w.seq, path: sealedPath, maxTS: w.maxTS})
	w.seq++
	return w.openActive()
}

// close flushes and closes the active segment. The plain segment stays on
// disk and is sealed at the next open.
func (w *wal) close() error {
	if err := w.flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("wal: syncing segment %d: %w", w.seq, err)
	}
	return w.f.Close()
}

// compressSegment zstd-compresses the plain segment file next to itself and
// returns the sealed path. Writes go to a temp file first so a crash mid-seal
// never leaves a half-written sealed segment behind.
func compressSegment(plain string) (string, error) {
	src, err := os.Open(plain)
	if err != nil {
		return "", fmt.Errorf("wal: opening %s for sealing: %w", plain, err)
	}
	defer src.Close()

	sealedPath := strings.TrimSuffix(plain, activeSuffix) + sealedSuffix
	tmp := sealedPath + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("wal: creating %s: %w", tmp, err)
	}

	zw, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		dst.Close()
		return "", fmt.Errorf("wal: creating zstd encoder: %w", err)
	}
	if _, err := zw.ReadFrom(src); err != nil {
		zw.Close()
		dst.Close()
		return "", fmt.Errorf("wal: compressing %s: %w", plain, err)
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return "", fmt.Errorf("wal: finishing %s: %w", tmp, err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return "", fmt.Errorf("wal: syncing %s: %w", tmp, err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("wal: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, sealedPath); err != nil {
		return "", fmt.Errorf("wal: renaming %s: %w", tmp, err)
	}
	return sealedPath, nil
}

// sealSamples writes the given samples directly to a sealed segment. Used at
// open time to re-seal a previous run's active segment after dropping any
// torn tail.
func sealSamples(dir string, seq int, samples []model.Sample) (sealedSegment, error) {
	sealedPath := filepath.Join(dir, segmentName(seq, sealedSuffix))
	tmp := sealedPath + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return sealedSegment{}, fmt.Errorf("wal: creating %s: %w", tmp, err)
	}

	zw, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		dst.Close()
		return sealedSegment{}, fmt.Errorf("wal: creating zstd encoder: %w", err)
	}

	var maxTS int64
	bw := bufio.NewWriterSize(zw, 64*1024)
	for _, s := range samples {
		line, err := json.Marshal(s)
		if err != nil {
			zw.Close()
			dst.Close()
			return sealedSegment{}, fmt.Errorf("wal: encoding sample: %w", err)
		}
		bw.Write(line)
		bw.WriteByte('\n')
		if s.Timestamp > maxTS {
			maxTS = s.Timestamp
		}
	}
	if err := bw.Flush(); err != nil {
		zw.Close()
		dst.Close()
		return sealedSegment{}, fmt.Errorf("wal: writing %s: %w", tmp, err)
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return sealedSegment{}, fmt.Errorf("wal: finishing %s: %w", tmp, err)
	}
	if err := dst.Close(); err != nil {
		return sealedSegment{}, fmt.Errorf("wal: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, sealedPath); err != nil {
		return sealedSegment{}, fmt.Errorf("wal: renaming %s: %w", tmp, err)
	}
	return sealedSegment{seq: seq, path: sealedPath, maxTS: maxTS}, nil
}

// readPlainSegment reads a plain JSON-lines segment, tolerating a torn tail:
// decoding stops at the first malformed line and the good prefix is returned.
// A torn tail is the expected shape of a crash between flushes, not
// corruption.
func readPlainSegment(path string) ([]model.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: opening %s: %w", path, err)
	}
	defer f.Close()

	return decodeLines(bufio.NewScanner(f)), nil
}

// readSealedSegment reads a zstd-compressed segment. Sealed segments were
// written in full, so any decode failure is real corruption; the good prefix
// is returned along with corrupt=true.
func readSealedSegment(path string) (samples []model.Sample, corrupt bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("wal: opening %s: %w", path, err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, true, nil
	}
	defer zr.Close()

	sc := bufio.NewScanner(zr)
	samples = decodeLinesStrict(sc, &corrupt)
	return samples, corrupt, nil
}

func decodeLines(sc *bufio.Scanner) []model.Sample {
	var corrupt bool
	return decodeLinesStrict(sc, &corrupt)
}

func decodeLinesStrict(sc *bufio.Scanner, corrupt *bool) []model.Sample {
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var samples []model.Sample
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var s model.Sample
		if err := json.Unmarshal(line, &s); err != nil {
			*corrupt = true
			break
		}
		samples = append(samples, s)
	}
	if err := sc.Err(); err != nil {
		*corrupt = true
	}
	return samples
}

// scanSegments lists the segment files in dir, sorted by sequence number.
func scanSegments(dir string) (sealedSeqs, plainSeqs []int, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("wal: reading %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, sealed, ok := parseSegmentName(e.Name())
		if !ok {
			continue
		}
		if sealed {
			sealedSeqs = append(sealedSeqs, seq)
		} else {
			plainSeqs = append(plainSeqs, seq)
		}
	}
	sort.Ints(sealedSeqs)
	sort.Ints(plainSeqs)
	return sealedSeqs, plainSeqs, nil
}
