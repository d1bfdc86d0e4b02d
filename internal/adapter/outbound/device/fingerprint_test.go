package device

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFingerprint_Stable(t *testing.T) {
	a, b := Fingerprint(), Fingerprint()
	if a != b {
		t.Errorf("Fingerprint() not stable: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Errorf("len = %d, want 32 hex chars", len(a))
	}
}

func TestFingerprint_DependsOnInputs(t *testing.T) {
	if fingerprint("m1", "host", "linux") == fingerprint("m2", "host", "linux") {
		t.Error("different machine ids produced the same fingerprint")
	}
}

func TestReadMachineID(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	id := filepath.Join(dir, "id")
	_ = os.WriteFile(empty, []byte("  \n"), 0600)
	_ = os.WriteFile(id, []byte("abc123\n"), 0600)

	got := readMachineID([]string{filepath.Join(dir, "missing"), empty, id})
	if got != "abc123" {
		t.Errorf("readMachineID() = %q, want abc123", got)
	}
}
