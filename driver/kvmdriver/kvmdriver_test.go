package kvmdriver_test

import (
	"testing"

	"govmi/qmp"
)

// TestParseRegisterDumpFeedsGetRegister exercises the same parser
// kvmdriver.Backend.GetRegister relies on, confirming a register value
// decodes and that the CR8 key AddressWidth checks for is present.
func TestParseRegisterDumpFeedsGetRegister(t *testing.T) {
	dump := "RAX=0000000000001234 RBX=0000000000005678 RIP=fffff80001000000\n" +
		"RFL=00000246 CR0=80050033 CR8=0000000000000000\n"
	regs := qmp.ParseRegisterDump(dump)
	if regs["RAX"] != 0x1234 {
		t.Fatalf("RAX = %#x, want 0x1234", regs["RAX"])
	}
	if _, ok := regs["CR8"]; !ok {
		t.Fatal("CR8 missing from parsed register set")
	}
}
