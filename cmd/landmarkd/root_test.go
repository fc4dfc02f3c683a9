package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"landmarkd/internal/admission"
	"landmarkd/internal/config"
	"landmarkd/pkg/types"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestResolveConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "landmarkd.yaml")
	if err := os.WriteFile(p, []byte("addr: \":9000\"\nlog_level: warn\nworkers: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := resolveConfig(rootOptions{ConfigPath: p}, envMap(nil))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.LogLevel != "warn" || cfg.Workers != 2 {
		t.Fatalf("file values not applied: %+v", cfg)
	}

	cfg, err = resolveConfig(rootOptions{ConfigPath: p, LogLevel: "debug", Workers: 8},
		envMap(map[string]string{"LANDMARKD_ADDR": ":7000", "LANDMARKD_LOG_LEVEL": "error"}))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Fatalf("env should override file addr, got %q", cfg.Addr)
	}
	if cfg.LogLevel != "debug" || cfg.Workers != 8 {
		t.Fatalf("flags should override env and file: %+v", cfg)
	}
}

func TestResolveConfigDatabaseURLSelectsPostgres(t *testing.T) {
	cfg, err := resolveConfig(rootOptions{}, envMap(map[string]string{"LANDMARKD_DB_URL": "postgres://localhost/landmarks"}))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Store.Kind != config.StorePostgres || cfg.Store.DatabaseURL == "" {
		t.Fatalf("store=%+v", cfg.Store)
	}
}

func TestResolveConfigMissingFile(t *testing.T) {
	if _, err := resolveConfig(rootOptions{ConfigPath: filepath.Join(t.TempDir(), "nope.yaml")}, envMap(nil)); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestPrintModels(t *testing.T) {
	var buf bytes.Buffer
	err := printModels(&buf, []types.ModelConfig{{Type: types.ModelPose, Name: "pose_landmarker_full", LandmarkCount: 33, MemoryMB: 60}})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "pose_landmarker_full") || !strings.Contains(out, "33") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestPrintDecision(t *testing.T) {
	var buf bytes.Buffer
	if err := printDecision(&buf, admission.Decision{Allowed: true, RequestedMB: 10, ThresholdMB: 100}); err != nil {
		t.Fatalf("allowed decision returned %v", err)
	}
	buf.Reset()
	err := printDecision(&buf, admission.Decision{Reason: "memory threshold exceeded", Suggestions: []string{"unload unused models"}})
	if err == nil {
		t.Fatal("denied decision should return an error")
	}
	if !strings.Contains(buf.String(), "unload unused models") {
		t.Fatalf("suggestions missing: %q", buf.String())
	}
}

func TestDescribeProgress(t *testing.T) {
	got := describeProgress(types.Progress{ModelType: types.ModelHand, Phase: types.JobProcessing, CurrentStep: "frame 3 of 10"})
	if got != "[hand] processing: frame 3 of 10" {
		t.Fatalf("got %q", got)
	}
}
