package sinkbackend

import (
	"strings"
	"testing"
	"time"
)

func TestEncodeBatch_NewlineDelimited(t *testing.T) {
	batch := []Event{
		{Timestamp: time.Unix(0, 0), Payload: map[string]any{"a": 1.0}},
		{Timestamp: time.Unix(1, 0), Payload: map[string]any{"b": 2.0}},
	}

	out, err := encodeBatch(batch)
	if err != nil {
		t.Fatalf("encodeBatch() error = %v", err)
	}

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"a":1`) {
		t.Errorf("line 0 = %q, want to contain a:1", lines[0])
	}
	if !strings.Contains(lines[1], `"b":2`) {
		t.Errorf("line 1 = %q, want to contain b:2", lines[1])
	}
}

func TestEncodeBatch_Empty(t *testing.T) {
	out, err := encodeBatch(nil)
	if err != nil {
		t.Fatalf("encodeBatch(nil) error = %v", err)
	}
	if len(out) != 0 {
		t.Errorf("encodeBatch(nil) = %q, want empty", out)
	}
}

func TestS3Sink_ObjectKey_UsesPrefix(t *testing.T) {
	s := &S3Sink{config: S3Config{BucketName: "b", PathPrefix: "sinkgate/logs"}}
	key := s.objectKey()
	if !strings.HasPrefix(key, "sinkgate/logs/") {
		t.Errorf("objectKey() = %q, want prefix sinkgate/logs/", key)
	}
	if !strings.HasSuffix(key, ".ndjson") {
		t.Errorf("objectKey() = %q, want .ndjson suffix", key)
	}
}

func TestS3Sink_ObjectKey_NoPrefix(t *testing.T) {
	s := &S3Sink{config: S3Config{BucketName: "b"}}
	key := s.objectKey()
	if strings.HasPrefix(key, "/") {
		t.Errorf("objectKey() = %q, should not start with a leading slash when no prefix is set", key)
	}
}
