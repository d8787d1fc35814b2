package dlq

import (
	"os"
	"testing"
	"time"
)

func TestArchiveWriterAppendAndClose(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewArchiveWriter(dir, "conv-1", func() time.Time { return time.Unix(0, 0) })
	if err != nil {
		t.Fatalf("NewArchiveWriter: %v", err)
	}

	if err := writer.Append(Record{
		SourceStream: "conv-stream",
		Group:        "consumer-group",
		EventID:      "evt-1",
		MessageID:    "msg-1",
		Reason:       "parse_error",
		Attempts:     1,
		Payload:      []byte("bad payload"),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(writer.Directory())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	for _, want := range []string{"manifest.json", "records.jsonl.sz", "payloads.bin.zst"} {
		if !names[want] {
			t.Fatalf("expected archive segment to contain %q, got %v", want, names)
		}
	}
}

func TestArchiveWriterSanitizesSegmentID(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewArchiveWriter(dir, "../../etc/passwd", func() time.Time { return time.Unix(0, 0) })
	if err != nil {
		t.Fatalf("NewArchiveWriter: %v", err)
	}
	defer writer.Close()
	if writer.Directory() == dir {
		t.Fatalf("expected a sanitized subdirectory, not the root itself")
	}
}
