package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestConfigErrors(t *testing.T) {
	notFound := &ErrConfigNotFound{Path: "/etc/fitbitsync/config.yaml"}
	if !strings.Contains(notFound.Error(), notFound.Path) {
		t.Fatalf("expected path in error message: %s", notFound.Error())
	}

	base := errors.New("bad yaml")
	tests := []struct {
		stage ConfigStage
		want  string
	}{
		{StageParse, "failed to parse YAML"},
		{StageEnv, "environment override"},
		{StageValidate, "config validation failed"},
	}
	for _, tt := range tests {
		err := &ConfigError{Stage: tt.stage, Err: base}
		if !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("stage %s: unexpected message %q", tt.stage, err.Error())
		}
		if !errors.Is(err, base) {
			t.Fatalf("stage %s: expected unwrap to base error", tt.stage)
		}
	}
}

func TestStoreError(t *testing.T) {
	base := errors.New("disk I/O error")

	open := &StoreError{Op: "open", Target: "data/fitbit.db", Err: base}
	if open.Error() != "store open data/fitbit.db: disk I/O error" {
		t.Fatalf("unexpected open message: %s", open.Error())
	}

	migration := &StoreError{Op: "migrate", Migration: 2, Err: base}
	if !strings.Contains(migration.Error(), "store migration 2 failed") {
		t.Fatalf("unexpected migration message: %s", migration.Error())
	}

	query := &StoreError{Op: "get token", Err: base}
	if query.Error() != "store get token: disk I/O error" {
		t.Fatalf("unexpected query message: %s", query.Error())
	}

	var target *StoreError
	if !errors.As(error(query), &target) || target.Op != "get token" {
		t.Fatalf("expected errors.As to find the store error")
	}
	if !errors.Is(query, base) {
		t.Fatalf("expected unwrap to base error")
	}
}

func TestServerError(t *testing.T) {
	base := errors.New("address already in use")

	start := &ServerError{Op: "start", Addr: ":8080", Err: base}
	if start.Error() != "server start on :8080 failed: address already in use" {
		t.Fatalf("unexpected start message: %s", start.Error())
	}
	shutdown := &ServerError{Op: "shutdown", Err: base}
	if shutdown.Error() != "server shutdown failed: address already in use" {
		t.Fatalf("unexpected shutdown message: %s", shutdown.Error())
	}
	if !errors.Is(shutdown, base) {
		t.Fatalf("expected unwrap to base error")
	}
}

func TestFileError(t *testing.T) {
	base := errors.New("permission denied")
	err := &FileError{Op: "write", Path: "tokens.json", Err: base}
	if err.Error() != "failed to write tokens.json: permission denied" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected unwrap to base error")
	}
}
