package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	safeDir := filepath.Join(tmpDir, "data")
	outside := filepath.Join(tmpDir, "outside")
	for _, dir := range []string{safeDir, outside} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", dir, err)
		}
	}
	link := filepath.Join(safeDir, "evil-symlink")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	tests := []struct {
		name      string
		filePath  string
		wantError bool
	}{
		{"relative file", "waypoints.bin", false},
		{"relative nested", "routes/loop.bin", false},
		{"absolute inside", filepath.Join(safeDir, "waypoints.bin"), false},
		{"dot segments that stay inside", "routes/../waypoints.bin", false},
		{"parent traversal", "../waypoints.bin", true},
		{"deep traversal", "../../../etc/passwd", true},
		{"absolute outside", "/etc/passwd", true},
		{"through symlink", "evil-symlink/waypoints.bin", true},
		{"symlink itself", link, true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.filePath, safeDir)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidatePathWithinDirectory(%q) error = %v, wantError %v", tt.filePath, err, tt.wantError)
			}
		})
	}
}

func TestValidatePathWithinDirectory_Sentinel(t *testing.T) {
	err := ValidatePathWithinDirectory("../x.bin", t.TempDir())
	if !errors.Is(err, ErrPathTraversal) {
		t.Errorf("expected ErrPathTraversal, got %v", err)
	}
}

func TestValidatePathWithinDirectory_MissingSafeDir(t *testing.T) {
	if err := ValidatePathWithinDirectory("x.bin", filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for a missing safe directory")
	}
}
