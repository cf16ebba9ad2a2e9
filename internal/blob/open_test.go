package blob

import (
	"context"
	"testing"

	"writingstudy/internal/config"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		cfg  config.BlobConfig
		want Driver
	}{
		{config.BlobConfig{Driver: "", FSRoot: t.TempDir()}, DriverFilesystem},
		{config.BlobConfig{Driver: "FS", FSRoot: t.TempDir()}, DriverFilesystem},
		{config.BlobConfig{Driver: "memory"}, DriverMemory},
		{config.BlobConfig{Driver: "s3", S3: config.BlobS3Config{Bucket: "study", Region: "eu-west-1", AccessKeyID: "AKID", SecretAccessKey: "SECRET"}}, DriverS3},
	}
	for _, tc := range cases {
		store, err := Open(ctx, tc.cfg)
		if err != nil {
			t.Fatalf("Open(%+v): %v", tc.cfg, err)
		}
		if store.Driver() != tc.want {
			t.Fatalf("Open(%+v): expected %q, got %q", tc.cfg, tc.want, store.Driver())
		}
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), config.BlobConfig{Driver: "ftp"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(context.Background(), config.BlobConfig{Driver: "s3"}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
}
