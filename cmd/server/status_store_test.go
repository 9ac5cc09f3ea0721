package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"trellis/cmd/server/config"
	"trellis/internal/saga"
)

func TestBuildStatusStore_DisabledWithoutURL(t *testing.T) {
	store, cleanup, err := buildStatusStore(context.Background(), config.RedisConfig{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cleanup()
	if store != nil {
		t.Fatalf("expected no store when redis is not configured")
	}
}

func TestBuildStatusStore_PingFails(t *testing.T) {
	dial := 20 * time.Millisecond
	cfg := config.RedisConfig{
		URL:                "redis://127.0.0.1:1/0",
		DialTimeout:        &dial,
		HealthcheckTimeout: 30 * time.Millisecond,
	}
	if _, _, err := buildStatusStore(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestBuildStatusStore_InvalidURL(t *testing.T) {
	if _, _, err := buildStatusStore(context.Background(), config.RedisConfig{URL: "not-a-url"}, nil); err == nil {
		t.Fatalf("expected url parse error")
	}
}

func TestBuildStatusStore_WritesToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.RedisConfig{
		URL:                "redis://" + mr.Addr() + "/0",
		Stream:             "saga_updates",
		HealthcheckTimeout: time.Second,
		StatusTTL:          time.Hour,
		EnableOTel:         true,
	}
	store, cleanup, err := buildStatusStore(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer cleanup()

	err = store.Publish(context.Background(), saga.Update{
		WorkflowID: "order-9",
		Status:     saga.StatusRunning,
		Snapshot:   json.RawMessage(`{"step":"receive"}`),
		At:         time.Now(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := mr.HGet("saga:order-9", "status"); got != "running" {
		t.Fatalf("expected cached status, got %q", got)
	}
}
