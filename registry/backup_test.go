package registry

import (
	"testing"
)

func TestFileBackupSaveRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackup(dir)
	if err != nil {
		t.Fatalf("NewFileBackup: %v", err)
	}

	datum := BackupDatum{
		Clusters: map[string][]ShardRecord{
			"Arith&type=cluster": {{Name: "s1", URL: "tcp://127.0.0.1:8001", Weight: 10}},
		},
		Configs: map[string]map[string]string{
			"GLOBAL_SETTING": {"timeout": "30"},
		},
	}
	if err := b.Save("demo", datum); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := b.Restore("demo")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(got.Clusters["Arith&type=cluster"]) != 1 || got.Clusters["Arith&type=cluster"][0].Name != "s1" {
		t.Fatalf("unexpected restored clusters: %+v", got.Clusters)
	}
	if got.Configs["GLOBAL_SETTING"]["timeout"] != "30" {
		t.Fatalf("unexpected restored configs: %+v", got.Configs)
	}
}

func TestFileBackupRestoreMissingIsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackup(dir)
	if err != nil {
		t.Fatalf("NewFileBackup: %v", err)
	}
	got, err := b.Restore("nonexistent")
	if err != nil {
		t.Fatalf("expected no error for a missing backup file, got %v", err)
	}
	if len(got.Clusters) != 0 || len(got.Configs) != 0 {
		t.Fatalf("expected an empty BackupDatum, got %+v", got)
	}
}
