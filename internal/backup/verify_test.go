package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/virtbak/virtbak/internal/models"
)

func writeArtifact(t *testing.T, dir, name string, payload []byte) (string, *models.BackupRecord) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		t.Fatal(err)
	}
	sum, err := ChecksumFile(path)
	if err != nil {
		t.Fatal(err)
	}
	rec := &models.BackupRecord{
		VMID:      "100",
		Timestamp: time.Now(),
		File:      path,
		SizeBytes: int64(len(payload)),
		Checksum:  sum,
		Mode:      models.BackupModeSnapshot,
	}
	if err := WriteDescriptor(path, rec); err != nil {
		t.Fatal(err)
	}
	return path, rec
}

func TestVerifier(t *testing.T) {
	v := NewVerifier(DefaultVerifierConfig(), zerolog.Nop())
	ctx := context.Background()

	t.Run("intact artifact passes all checks", func(t *testing.T) {
		path, rec := writeArtifact(t, t.TempDir(), "100-ok.vma", []byte("healthy payload"))

		report := v.Verify(ctx, rec, "100", path)
		if !report.Success {
			t.Fatalf("expected success, errors: %v", report.Errors)
		}
		for _, check := range []string{models.CheckChecksum, models.CheckStructural, models.CheckContent, models.CheckMetadata} {
			if !report.Results[check] {
				t.Errorf("check %s failed", check)
			}
		}
	})

	t.Run("tampered artifact fails checksum only", func(t *testing.T) {
		path, rec := writeArtifact(t, t.TempDir(), "100-tampered.vma", []byte("original payload"))
		if err := os.WriteFile(path, []byte("modified payload!"), 0o600); err != nil {
			t.Fatal(err)
		}

		report := v.Verify(ctx, rec, "100", path)
		if report.Success {
			t.Fatal("tampered artifact must not verify")
		}
		if report.Results[models.CheckChecksum] {
			t.Error("checksum check should fail")
		}
		if !report.Results[models.CheckMetadata] {
			t.Error("metadata check should still pass; checks are independent")
		}
	})

	t.Run("missing record adopts computed checksum", func(t *testing.T) {
		path, _ := writeArtifact(t, t.TempDir(), "100-norec.vma", []byte("payload"))

		report := v.Verify(ctx, nil, "100", path)
		if !report.Results[models.CheckChecksum] {
			t.Error("first verification without a stored checksum should pass")
		}
		if report.Checksum == "" {
			t.Error("computed checksum missing from report")
		}
	})

	t.Run("missing sidecar falls back to record fields", func(t *testing.T) {
		path, rec := writeArtifact(t, t.TempDir(), "100-nosidecar.vma", []byte("payload"))
		if err := os.Remove(DescriptorPath(path)); err != nil {
			t.Fatal(err)
		}

		report := v.Verify(ctx, rec, "100", path)
		if !report.Results[models.CheckMetadata] {
			t.Errorf("metadata should pass from record fields, errors: %v", report.Errors)
		}
	})

	t.Run("missing sidecar and record fails metadata", func(t *testing.T) {
		path, _ := writeArtifact(t, t.TempDir(), "100-bare.vma", []byte("payload"))
		if err := os.Remove(DescriptorPath(path)); err != nil {
			t.Fatal(err)
		}

		report := v.Verify(ctx, nil, "100", path)
		if report.Results[models.CheckMetadata] {
			t.Error("metadata check should fail with neither sidecar nor record")
		}
		if report.Success {
			t.Error("overall result should fail")
		}
	})

	t.Run("missing file degrades every check", func(t *testing.T) {
		report := v.Verify(ctx, nil, "100", filepath.Join(t.TempDir(), "100-gone.vma"))
		if report.Success {
			t.Fatal("verification of a missing file must fail")
		}
		if len(report.Errors) == 0 {
			t.Error("report should carry the underlying errors")
		}
	})

	t.Run("corrupt sidecar fails metadata", func(t *testing.T) {
		path, rec := writeArtifact(t, t.TempDir(), "100-badmeta.vma", []byte("payload"))
		if err := os.WriteFile(DescriptorPath(path), []byte("{not json"), 0o600); err != nil {
			t.Fatal(err)
		}

		report := v.Verify(ctx, rec, "100", path)
		if report.Results[models.CheckMetadata] {
			t.Error("unparseable sidecar should fail the metadata check")
		}
	})

	t.Run("empty artifact fails structural check", func(t *testing.T) {
		path, rec := writeArtifact(t, t.TempDir(), "100-empty.vma", nil)

		report := v.Verify(ctx, rec, "100", path)
		if report.Results[models.CheckStructural] {
			t.Error("zero-byte artifact should fail the structural check")
		}
	})
}

func TestChecksumFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	if err := os.WriteFile(path, []byte("X"), 0o600); err != nil {
		t.Fatal(err)
	}

	sum, err := ChecksumFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// sha256("X")
	const want = "4b68ab3847feda7d6c62c1fbcbeebfa35eab7351ed5e78f4ddadea5df64b8015"
	if sum != want {
		t.Errorf("checksum = %s, want %s", sum, want)
	}

	if _, err := ChecksumFile(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
