package osview

import (
	"encoding/binary"

	"govmi/vmierr"
)

// LinuxOffsets are the struct-field offsets spec §4.F names for Linux:
// task_struct.tasks, task_struct.pid, task_struct.mm, mm_struct.pgd.
// Defaults match the config keys' documented fallback values; callers
// normally override these from a profile or explicit configuration.
type LinuxOffsets struct {
	Tasks int64
	Pid   int64
	Mm    int64
	Pgd   int64
	Name  int64
}

// LinuxView walks the doubly linked list rooted at InitTask using
// LinuxOffsets, grounded directly in libvmi/os/linux/memory.c.
type LinuxView struct {
	Offsets  LinuxOffsets
	InitTask uint64 // kernel virtual address of the init_task task_struct
	KPGD     uint64
}

func (v *LinuxView) GetOffset(name string) (int64, error) {
	switch name {
	case "linux_tasks":
		return v.Offsets.Tasks, nil
	case "linux_pid":
		return v.Offsets.Pid, nil
	case "linux_mm":
		return v.Offsets.Mm, nil
	case "linux_pgd":
		return v.Offsets.Pgd, nil
	case "linux_name":
		return v.Offsets.Name, nil
	default:
		return 0, vmierr.New("osview.LinuxView.GetOffset:"+name, vmierr.ProfileMissing)
	}
}

func (v *LinuxView) readU32(r Reader, vaddr uint64) (uint32, error) {
	var buf [4]byte
	if err := r.ReadVA(v.KPGD, vaddr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (v *LinuxView) readAddr(r Reader, vaddr uint64) (uint64, error) {
	width := r.AddressWidth()
	buf := make([]byte, width)
	if err := r.ReadVA(v.KPGD, vaddr, buf); err != nil {
		return 0, err
	}
	if width == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// taskStructFromPid walks the list looking for a matching pid, returning
// the task_struct base address (each tasks.next pointer is converted back
// to its struct base), mirroring linux_get_taskstruct_addr_from_pid.
func (v *LinuxView) taskStructFromPid(r Reader, pid int) (uint64, error) {
	listHead := v.InitTask
	next := listHead
	for {
		taskPid, err := v.readU32(r, next+uint64(v.Offsets.Pid))
		if err != nil {
			return 0, err
		}
		if int32(taskPid) == int32(pid) {
			return next, nil
		}
		nextEntry, err := v.readAddr(r, next+uint64(v.Offsets.Tasks))
		if err != nil {
			return 0, err
		}
		next = nextEntry - uint64(v.Offsets.Tasks)
		if next == listHead {
			return 0, vmierr.New("osview.LinuxView.taskStructFromPid", vmierr.TranslationFailed)
		}
	}
}

// mmPgdForTask reads task_struct->mm->pgd, falling back to active_mm
// (located one pointer-width after mm) for kernel threads, per spec
// §4.F's "Linux view" note.
func (v *LinuxView) mmPgdForTask(r Reader, taskStruct uint64) (uint64, error) {
	ptr, err := v.readAddr(r, taskStruct+uint64(v.Offsets.Mm))
	if err != nil {
		return 0, err
	}
	if ptr == 0 {
		width := uint64(r.AddressWidth())
		ptr, err = v.readAddr(r, taskStruct+uint64(v.Offsets.Mm)+width)
		if err != nil || ptr == 0 {
			return 0, vmierr.New("osview.LinuxView.mmPgdForTask", vmierr.TranslationFailed)
		}
	}
	return v.readAddr(r, ptr+uint64(v.Offsets.Pgd))
}

// PidToPGD mirrors libvmi's linux_pid_to_pgd: find the task_struct,
// follow mm (or active_mm)->pgd, then convert the kernel-virtual pgd
// pointer to a physical address via TranslateKV2P.
func (v *LinuxView) PidToPGD(r Reader, pid int) (uint64, error) {
	ts, err := v.taskStructFromPid(r, pid)
	if err != nil {
		return 0, err
	}
	pgd, err := v.mmPgdForTask(r, ts)
	if err != nil {
		return 0, err
	}
	phys, err := r.TranslateKV2P(pgd)
	if err != nil {
		return 0, vmierr.New("osview.LinuxView.PidToPGD", vmierr.TranslationFailed)
	}
	return phys, nil
}

// PGDToPid mirrors linux_pgd_to_pid / linux_get_taskstruct_addr_from_pgd:
// walk every task, translate its mm->pgd to physical, and compare.
func (v *LinuxView) PGDToPid(r Reader, pgd uint64) (int, error) {
	listHead := v.InitTask
	next := listHead
	for {
		taskPgd, err := v.mmPgdForTask(r, next)
		if err == nil {
			if phys, terr := r.TranslateKV2P(taskPgd); terr == nil && phys == pgd {
				pidVal, err := v.readU32(r, next+uint64(v.Offsets.Pid))
				if err != nil {
					return 0, err
				}
				return int(int32(pidVal)), nil
			}
		}
		nextEntry, err := v.readAddr(r, next+uint64(v.Offsets.Tasks))
		if err != nil {
			return 0, err
		}
		next = nextEntry - uint64(v.Offsets.Tasks)
		if next == listHead {
			return 0, vmierr.New("osview.LinuxView.PGDToPid", vmierr.TranslationFailed)
		}
	}
}

// KsymToVaddr always reports NotSupported on Linux: govmi's profile/sysmap
// layer does the name→address resolution, and the Instance falls back to
// it when the view declines.
func (v *LinuxView) KsymToVaddr(r Reader, name string) (uint64, error) {
	return 0, vmierr.New("osview.LinuxView.KsymToVaddr:"+name, vmierr.NotSupported)
}

// ReadUnicodeString has no Linux analogue (no UNICODE_STRING ABI); Linux
// kernel strings are plain NUL-terminated C strings, read directly by the
// caller through ReadVA.
func (v *LinuxView) ReadUnicodeString(r Reader, vaddr uint64, pid int) (string, error) {
	return "", vmierr.New("osview.LinuxView.ReadUnicodeString", vmierr.NotSupported)
}
