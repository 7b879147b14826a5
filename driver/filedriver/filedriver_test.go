package filedriver_test

import (
	"os"
	"path/filepath"
	"testing"

	"govmi/driver/filedriver"
	"govmi/vmierr"
)

func TestReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mem.dump")
	if err := os.WriteFile(path, make([]byte, 8192), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	b, err := filedriver.Open("dump", path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if err := b.Write(0x1000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	page, err := b.ReadPage(1)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if page.Data[0] != 1 || page.Data[3] != 4 {
		t.Fatalf("ReadPage content = %v", page.Data[:4])
	}
}

func TestUnsupportedCapabilitiesReturnNotSupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mem.dump")
	os.WriteFile(path, make([]byte, 4096), 0o644)
	b, err := filedriver.Open("dump", path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if _, err := b.GetRegister(0, 0); !vmierr.Sentinel(vmierr.NotSupported).Is(err) {
		t.Fatalf("GetRegister error = %v, want NotSupported", err)
	}
}
