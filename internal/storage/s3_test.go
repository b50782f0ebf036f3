package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// s3TestStore connects to an S3-compatible store (e.g. MinIO) or skips.
//
// Run MinIO first:
//
//	docker compose --profile s3 up -d minio
//
// Then set env and run:
//
//	S3_ENDPOINT=http://localhost:9900 S3_ACCESS_KEY_ID=minioadmin S3_SECRET_ACCESS_KEY=minioadmin S3_BUCKET=listrescue-test S3_USE_SSL=false go test -v ./internal/storage/
func s3TestStore(t *testing.T) *S3BlobStore {
	t.Helper()
	cfg := ConfigFromEnv()
	if cfg == nil {
		t.Skip("S3_ENDPOINT not set, skipping integration test")
	}
	client, err := NewS3Client(cfg)
	if err != nil {
		t.Fatalf("NewS3Client: %v", err)
	}
	if err := client.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	return NewS3BlobStore(client, "")
}

// TestS3PublishRoundTrip publishes a small output tree through the S3 store
// and reads the artifacts back.
func TestS3PublishRoundTrip(t *testing.T) {
	store := s3TestStore(t)
	ctx := context.Background()

	out := t.TempDir()
	eml := "From: list@example.invalid\r\nSubject: rebuilt message\r\n\r\nReconstructed body.\r\n"
	if err := os.MkdirAll(filepath.Join(out, "eml"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(out, "eml", "1.eml"), []byte(eml), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(out, "archive.mbox"), []byte("From a@b Mon Jan  1 00:00:00 2025\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	pub := NewPublisher(quietLogger(), store, "integration-test")
	n, err := pub.Publish(ctx, out)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n != 2 {
		t.Errorf("published %d artifacts, want 2", n)
	}

	keys, err := store.List(ctx, "integration-test/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) < 2 {
		t.Errorf("List = %v, want both artifacts", keys)
	}

	got, err := store.Read(ctx, "integration-test/eml/1.eml")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != eml {
		t.Errorf("got %q, want %q", got, eml)
	}
}

// TestS3GetNotFound verifies missing keys map to ErrNotFound.
func TestS3GetNotFound(t *testing.T) {
	store := s3TestStore(t)

	_, err := store.Read(context.Background(), "integration-test/eml/does-not-exist.eml")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Read missing key: got %v, want ErrNotFound", err)
	}
}
