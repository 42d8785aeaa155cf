package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil || !strings.Contains(out, "peermentor v"+appVersion) {
		t.Fatalf("version = %q, %v", out, err)
	}
}

func TestMentorsValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "mentors.json")
	if err := os.WriteFile(good, []byte(`[
		{"id":"1","name":"Arjun","badge":"React Expert","status":"online","endpoint_id":"mentor-arjun-123"},
		{"id":"2","name":"Ananya","badge":"Data Science"}
	]`), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := runCmd(t, "mentors", "validate", good)
	if err != nil || !strings.Contains(out, "2 mentors (1 online)") {
		t.Fatalf("validate = %q, %v", out, err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`[{"id":"1"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCmd(t, "mentors", "validate", bad); err == nil {
		t.Fatal("invalid directory accepted")
	}
}

func TestRunRequiresExistingDir(t *testing.T) {
	if _, err := runCmd(t, "run", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("run accepted a missing directory")
	}
}

func TestInitWritesConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "node")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader("Sam\nn\n\n\n\n\n\n"))
	root.SetArgs([]string{"init", dir})
	if err := root.Execute(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, cfgName)); err != nil {
		t.Fatalf("config not written: %v", err)
	}
}
