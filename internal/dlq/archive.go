package dlq

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var archiveSegmentCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// archiveManifest describes an archive segment's layout so bulk-export tooling can locate it,
// mirroring the donor's replay-bundle manifest.
type archiveManifest struct {
	Version      int    `json:"version"`
	CreatedAt    string `json:"created_at"`
	RecordsPath  string `json:"records_path"`
	PayloadsPath string `json:"payloads_path"`
}

type payloadBlob struct {
	MessageID  string
	CapturedAt time.Time
	Payload    []byte
}

// ArchiveWriter is the optional append-only compressed forensic export sink (§3.1): a
// snappy-framed JSONL stream of Dead-Letter Record metadata alongside a zstd-framed stream of
// the raw dead payloads, adapted from the donor's dual-stream replay-bundle writer. The archive
// is write-only operational tooling, never consulted for correctness.
type ArchiveWriter struct {
	mu            sync.Mutex
	dir           string
	now           func() time.Time
	recordFile    *os.File
	recordStream  *snappy.Writer
	payloadFile   *os.File
	payloadStream *zstd.Encoder
}

// NewArchiveWriter opens a new archive segment under root, named by segmentID and creation time.
func NewArchiveWriter(root, segmentID string, clock func() time.Time) (*ArchiveWriter, error) {
	if root == "" {
		return nil, fmt.Errorf("dlq: archive root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := archiveSegmentCleaner.ReplaceAllString(segmentID, "")
	if cleaned == "" {
		cleaned = "segment"
	}
	created := clock().UTC()
	folder := fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z"))
	path := filepath.Join(root, folder)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	recordsPath := filepath.Join(path, "records.jsonl.sz")
	payloadsPath := filepath.Join(path, "payloads.bin.zst")
	manifestPath := filepath.Join(path, "manifest.json")

	recordFile, err := os.Create(recordsPath)
	if err != nil {
		return nil, err
	}
	recordStream := snappy.NewBufferedWriter(recordFile)

	payloadFile, err := os.Create(payloadsPath)
	if err != nil {
		recordFile.Close()
		return nil, err
	}
	payloadStream, err := zstd.NewWriter(payloadFile)
	if err != nil {
		recordStream.Close()
		recordFile.Close()
		payloadFile.Close()
		return nil, err
	}

	manifest := archiveManifest{
		Version:      1,
		CreatedAt:    created.Format(time.RFC3339Nano),
		RecordsPath:  "records.jsonl.sz",
		PayloadsPath: "payloads.bin.zst",
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		payloadStream.Close()
		payloadFile.Close()
		recordStream.Close()
		recordFile.Close()
		return nil, err
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		payloadStream.Close()
		payloadFile.Close()
		recordStream.Close()
		recordFile.Close()
		return nil, err
	}

	return &ArchiveWriter{
		dir:           path,
		now:           clock,
		recordFile:    recordFile,
		recordStream:  recordStream,
		payloadFile:   payloadFile,
		payloadStream: payloadStream,
	}, nil
}

// Directory exposes the directory backing this archive segment.
func (w *ArchiveWriter) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// Append writes one Dead-Letter Record's metadata and raw payload to their respective streams.
func (w *ArchiveWriter) Append(rec Record) error {
	if w == nil {
		return fmt.Errorf("dlq: archive writer not initialised")
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()

	line := struct {
		SourceStream string `json:"source_stream"`
		Group        string `json:"group"`
		EventID      string `json:"event_id"`
		AggregateID  string `json:"aggregate_id"`
		MessageID    string `json:"message_id"`
		Reason       string `json:"reason"`
		Attempts     int    `json:"attempts"`
		CapturedAt   string `json:"captured_at"`
		PayloadB64   string `json:"payload_b64"`
	}{
		SourceStream: rec.SourceStream,
		Group:        rec.Group,
		EventID:      rec.EventID,
		AggregateID:  rec.AggregateID,
		MessageID:    rec.MessageID,
		Reason:       rec.Reason,
		Attempts:     rec.Attempts,
		CapturedAt:   captured.Format(time.RFC3339Nano),
		PayloadB64:   base64.StdEncoding.EncodeToString(rec.Payload),
	}
	encoded, err := json.Marshal(line)
	if err != nil {
		return err
	}
	if _, err := w.recordStream.Write(encoded); err != nil {
		return err
	}
	if _, err := w.recordStream.Write([]byte("\n")); err != nil {
		return err
	}
	if err := w.recordStream.Flush(); err != nil {
		return err
	}

	return w.writePayloadLocked(payloadBlob{MessageID: rec.MessageID, CapturedAt: captured, Payload: rec.Payload})
}

// writePayloadLocked writes one length-prefixed raw payload frame; callers must hold the mutex.
func (w *ArchiveWriter) writePayloadLocked(blob payloadBlob) error {
	idBytes := []byte(blob.MessageID)
	header := make([]byte, 8+2+len(idBytes)+4)
	binary.LittleEndian.PutUint64(header[0:8], uint64(blob.CapturedAt.UnixNano()))
	binary.LittleEndian.PutUint16(header[8:10], uint16(len(idBytes)))
	copy(header[10:10+len(idBytes)], idBytes)
	binary.LittleEndian.PutUint32(header[10+len(idBytes):], uint32(len(blob.Payload)))
	if _, err := w.payloadStream.Write(header); err != nil {
		return err
	}
	if _, err := w.payloadStream.Write(blob.Payload); err != nil {
		return err
	}
	return nil
}

// Close flushes and releases all underlying file handles.
func (w *ArchiveWriter) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	if err := w.recordStream.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.recordStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.recordFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.payloadStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.payloadFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// CompositeWriter fans a Dead-Letter Record out to the relational Store and, if present, an
// append-only ArchiveWriter — used where both queryable forensics and bulk export are wanted.
type CompositeWriter struct {
	store   *Store
	archive *ArchiveWriter
}

// NewCompositeWriter constructs a CompositeWriter. archive may be nil to skip archival export.
func NewCompositeWriter(store *Store, archive *ArchiveWriter) *CompositeWriter {
	return &CompositeWriter{store: store, archive: archive}
}

// Record implements the stream package's DLQWriter interface, writing to both sinks. A failure
// to write the archive is ignored and not reported to the caller — the relational row is the
// source of truth; archival export is best-effort.
func (c *CompositeWriter) Record(ctx context.Context, messageID, reason string, payload []byte) error {
	if err := c.store.Record(ctx, messageID, reason, payload); err != nil {
		return err
	}
	if c.archive != nil {
		_ = c.archive.Append(Record{
			EventID:   messageID,
			MessageID: messageID,
			Reason:    reason,
			Payload:   payload,
			Attempts:  1,
		})
	}
	return nil
}
