package bmc

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFirmwareDigestIsStableAndEightHexChars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "os-release")
	content := "NAME=\"Phosphor OS\"\nVERSION_ID=\"2.16.0-dev\"\nID=openbmc\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	digest, err := FirmwareDigest(path)
	if err != nil {
		t.Fatalf("FirmwareDigest: %v", err)
	}

	if len(digest) != 8 {
		t.Errorf("expected 8 hex characters, got %q (%d chars)", digest, len(digest))
	}
	for _, r := range digest {
		isHex := (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F')
		if !isHex {
			t.Errorf("digest %q contains non-uppercase-hex character %q", digest, r)
		}
	}

	digest2, err := FirmwareDigest(path)
	if err != nil {
		t.Fatalf("FirmwareDigest (second call): %v", err)
	}
	if digest != digest2 {
		t.Errorf("digest is not stable across calls: %q != %q", digest, digest2)
	}
}

func TestFirmwareDigestDiffersOnDifferentVersions(t *testing.T) {
	path1 := filepath.Join(t.TempDir(), "os-release")
	os.WriteFile(path1, []byte("VERSION_ID=\"1.0.0\"\n"), 0o644)

	path2 := filepath.Join(t.TempDir(), "os-release")
	os.WriteFile(path2, []byte("VERSION_ID=\"2.0.0\"\n"), 0o644)

	d1, err := FirmwareDigest(path1)
	if err != nil {
		t.Fatalf("FirmwareDigest(1): %v", err)
	}
	d2, err := FirmwareDigest(path2)
	if err != nil {
		t.Fatalf("FirmwareDigest(2): %v", err)
	}
	if d1 == d2 {
		t.Errorf("expected different digests for different VERSION_ID values, both were %q", d1)
	}
}

func TestFirmwareDigestMissingVersionIDErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "os-release")
	os.WriteFile(path, []byte("NAME=\"Phosphor OS\"\n"), 0o644)

	if _, err := FirmwareDigest(path); err == nil {
		t.Error("expected error when VERSION_ID is absent")
	}
}
