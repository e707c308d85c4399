package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"entitycore/internal/blob/core"
)

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}

func TestNewWithStaticCredentials(t *testing.T) {
	store, err := New(context.Background(), Config{
		Bucket:          "entities",
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
		PathStyle:       true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if store.Bucket() != "entities" || store.Driver() != core.DriverS3 {
		t.Fatalf("unexpected store %+v", store)
	}
}

func TestMockRoundTripsMetadataAndUnseekableBodies(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	body := io.MultiReader(bytes.NewReader([]byte(`{"ref":`)), bytes.NewReader([]byte(`"order-1"}`)))
	if _, err := store.Put(ctx, "entities/order-1", body, core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"type": "Order"}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	info, rc, err := store.Get(ctx, "entities/order-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != `{"ref":"order-1"}` {
		t.Fatalf("unexpected body %q", data)
	}
	if info.Metadata["type"] != "Order" {
		t.Fatalf("expected metadata to round trip, got %+v", info.Metadata)
	}
	if _, err := store.Head(ctx, "entities/missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("ENTITYCORE_BLOB_S3_BUCKET", "b")
	t.Setenv("ENTITYCORE_BLOB_S3_REGION", "eu-west-1")
	t.Setenv("ENTITYCORE_BLOB_S3_ENDPOINT", "http://minio:9000")
	cfg := ConfigFromEnv()
	if cfg.Bucket != "b" || cfg.Region != "eu-west-1" || cfg.Endpoint != "http://minio:9000" || cfg.PathStyle {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
