package profile_test

import (
	"os"
	"path/filepath"
	"testing"

	"govmi/profile"
)

const sampleProfile = `{
  "$CONSTANTS": {"PsInitialSystemProcess": 123456, "PsActiveProcessHead": 7890},
  "$STRUCTS": {
    "_EPROCESS": [648, {
      "UniqueProcessId": [384, "Pointer"],
      "ActiveProcessLinks": [392, "_LIST_ENTRY"],
      "DirectoryTableBase": [40, "unsigned long long"]
    }]
  }
}`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLookupConstant(t *testing.T) {
	path := writeTemp(t, "profile.json", sampleProfile)
	r, err := profile.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rva, err := r.LookupConstant("PsInitialSystemProcess")
	if err != nil || rva != 123456 {
		t.Fatalf("LookupConstant = %v, %v", rva, err)
	}
	if _, err := r.LookupConstant("DoesNotExist"); err == nil {
		t.Fatal("expected profile-missing error, got nil")
	}
}

func TestLookupFieldMissingIsError(t *testing.T) {
	path := writeTemp(t, "profile.json", sampleProfile)
	r, err := profile.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	f, err := r.LookupField("_EPROCESS", "DirectoryTableBase")
	if err != nil || f.Offset != 40 {
		t.Fatalf("LookupField = %+v, %v", f, err)
	}
	if _, err := r.LookupField("_EPROCESS", "UniqueProcessId2"); err == nil {
		t.Fatal("expected profile-missing error for unknown field")
	}
	if _, err := r.LookupField("_MISSING_STRUCT", "X"); err == nil {
		t.Fatal("expected profile-missing error for unknown struct")
	}
}

func TestLoadSysMap(t *testing.T) {
	content := "ffffffff81c13500 D init_task\n" +
		"ffffffff81000000 T startup_64\n" +
		"0000000000001000 N ignored_debug_symbol\n"
	path := writeTemp(t, "System.map", content)
	sm, err := profile.LoadSysMap(path)
	if err != nil {
		t.Fatalf("LoadSysMap: %v", err)
	}
	addr, err := sm.LookupConstant("init_task")
	if err != nil || addr != 0xffffffff81c13500 {
		t.Fatalf("LookupConstant(init_task) = %#x, %v", addr, err)
	}
	if _, err := sm.LookupConstant("ignored_debug_symbol"); err == nil {
		t.Fatal("N-type symbols should not be indexed")
	}
}
