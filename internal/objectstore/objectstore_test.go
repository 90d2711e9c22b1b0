package objectstore

import (
	"testing"

	"github.com/AutumnsGrove/YearlyReview/internal/config"
)

func TestNewBuildsClientForPathStyleEndpoint(t *testing.T) {
	cfg := config.ObjectStore{
		Bucket:         "yearlyreview-entries",
		Region:         "us-east-1",
		Endpoint:       "http://localhost:9000",
		ForcePathStyle: true,
		ManifestKey:    "manifest.json",
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.cfg.ManifestKey != "manifest.json" {
		t.Fatalf("expected manifest key to be preserved")
	}
}
