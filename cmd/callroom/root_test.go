package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func setMockEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CALLROOM_CONFIG_FILE", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SQLITE_PATH", t.TempDir()+"/callroom.db")
	t.Setenv("AUTOMATION_MODE", "mock")
	t.Setenv("APP_METRICS_NAMESPACE", "test_cli")
}

func TestReconcilePrintsReport(t *testing.T) {
	setMockEnv(t)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"reconcile"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("reconcile error = %v", err)
	}
	if !strings.Contains(out.String(), `"active": 0`) {
		t.Fatalf("reconcile output = %s, want an empty report", out.String())
	}
}

func TestStatusUnknownSession(t *testing.T) {
	setMockEnv(t)

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"status", "vc_missing"})
	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("status error = %v, want not found", err)
	}
}

func TestStatusRequiresSessionID(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"status"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("status without args error = nil, want usage error")
	}
}

func TestConfigErrorIsReported(t *testing.T) {
	setMockEnv(t)
	t.Setenv("AUTOMATION_MODE", "gateway")
	t.Setenv("AUTOMATION_GATEWAY_URL", "")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"reconcile"})
	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "config error") {
		t.Fatalf("reconcile error = %v, want config error", err)
	}
}
