package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"shipyard/api/model"
)

func TestReportKey(t *testing.T) {
	if got := ReportKey("billing", "run-1"); got != "runs/billing/run-1.json" {
		t.Errorf("ReportKey = %q", got)
	}
}

func TestNewClientRequiresBucket(t *testing.T) {
	if _, err := NewClient(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Error("expected error without bucket")
	}
}

func TestPutReportRoundTrip(t *testing.T) {
	endpoint := os.Getenv("SHIPYARD_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("SHIPYARD_TEST_S3_ENDPOINT not set")
	}
	c, err := NewClient(Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("SHIPYARD_TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("SHIPYARD_TEST_S3_SECRET_KEY"),
		Bucket:    "shipyard-test-reports",
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}

	rep := &model.Report{
		RunID:    "run-" + time.Now().Format("150405.000"),
		Service:  "billing",
		Result:   model.RunTimedOut,
		Category: model.CategoryUnhealthy,
	}
	key, err := c.PutReport(ctx, rep)
	if err != nil {
		t.Fatalf("PutReport: %v", err)
	}
	if key != ReportKey("billing", rep.RunID) {
		t.Errorf("key = %q", key)
	}

	got, err := c.GetReport(ctx, "billing", rep.RunID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Result != model.RunTimedOut || got.Category != model.CategoryUnhealthy {
		t.Errorf("report = %+v", got)
	}
}
