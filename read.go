package govmi

import "govmi/vmierr"

// TranslationMode selects how Read/Write resolve an address, per spec
// §2's canonical read: physical, virtual-with-dtb, virtual-with-pid, or
// kernel-symbol.
type TranslationMode int

const (
	Physical TranslationMode = iota
	VirtualDTB
	VirtualPID
	KernelSymbol
)

// Request names the address to resolve under Mode. Only the fields Mode
// requires are consulted: Address alone for Physical, Address+DTB for
// VirtualDTB, Address+Pid for VirtualPID, Symbol for KernelSymbol.
type Request struct {
	Mode    TranslationMode
	Address uint64
	DTB     uint64
	Pid     int
	Symbol  string
}

// resolve turns a Request into a concrete (dtb, vaddr) pair for the
// virtual forms, or reports that Mode is Physical (no translation needed).
func (inst *Instance) resolve(req Request) (dtb, vaddr uint64, physical bool, err error) {
	switch req.Mode {
	case Physical:
		return 0, req.Address, true, nil
	case VirtualDTB:
		return req.DTB, req.Address, false, nil
	case VirtualPID:
		d, perr := inst.PidToDTB(req.Pid)
		if perr != nil {
			return 0, 0, false, perr
		}
		return d, req.Address, false, nil
	case KernelSymbol:
		v, serr := inst.KsymToVaddr(req.Symbol)
		if serr != nil {
			return 0, 0, false, serr
		}
		return inst.kpgd, v, false, nil
	default:
		return 0, 0, false, vmierr.New("govmi.Instance.resolve", vmierr.ConfigurationError)
	}
}

// Read copies len(buf) bytes from the guest address req describes into
// buf, per spec §2's control flow: symbolic forms resolve to (dtb, vaddr)
// first, then the pagetable walker and page cache do the rest.
func (inst *Instance) Read(req Request, buf []byte) error {
	dtb, vaddr, physical, err := inst.resolve(req)
	if err != nil {
		return err
	}
	if physical {
		return inst.ReadPhys(vaddr, buf)
	}
	return inst.ReadVA(dtb, vaddr, buf)
}

// Write writes data to the guest address req describes. Per spec §5,
// writes bypass the page cache and go directly to the driver; in
// snapshot mode every write fails, since the snapshot is read-only.
func (inst *Instance) Write(req Request, data []byte) error {
	dtb, vaddr, physical, err := inst.resolve(req)
	if err != nil {
		return err
	}
	if physical {
		return inst.WritePhys(vaddr, data)
	}
	return inst.WriteVA(dtb, vaddr, data)
}
