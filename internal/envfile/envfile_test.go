package envfile

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestLoadAppliesExportedValues(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, ".env.test")
	body := "STOREBENCH_ENVFILE_TEST_A=alpha\nSTOREBENCH_ENVFILE_TEST_B=\"${STOREBENCH_ENVFILE_TEST_A}-beta\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("STOREBENCH_ENVFILE_TEST_A", "")
	t.Setenv("STOREBENCH_ENVFILE_TEST_B", "")

	applied, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("STOREBENCH_ENVFILE_TEST_B"); got != "alpha-beta" {
		t.Fatalf("expected expanded value, got %q", got)
	}
	if len(applied) < 2 {
		t.Fatalf("expected at least two applied keys, got %v", applied)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadRequiresName(t *testing.T) {
	if _, err := Load("  "); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestIgnoreKey(t *testing.T) {
	for _, key := range []string{"PWD", "SHLVL", "BASH_VERSINFO"} {
		if !ignoreKey(key) {
			t.Fatalf("expected %s to be ignored", key)
		}
	}
	if ignoreKey("AWS_REGION") {
		t.Fatalf("AWS_REGION should be applied")
	}
}
