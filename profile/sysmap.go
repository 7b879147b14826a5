package profile

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"govmi/vmierr"
)

// symbolBearingTypes are the nm-style type characters spec §6 recognises
// as carrying a usable symbol (text, data, read-only data, bss — upper
// case for global, lower case for local).
var symbolBearingTypes = map[byte]bool{
	'T': true, 't': true,
	'D': true, 'd': true,
	'R': true, 'r': true,
	'B': true, 'b': true,
}

// SysMap is a Linux System.map-derived symbol table: `<hex-addr> <type-char>
// <symbol>` lines, used as the sysmap config alias in place of a full JSON
// profile.
type SysMap struct {
	addr map[string]uint64
}

// LoadSysMap parses a System.map file at path.
func LoadSysMap(path string) (*SysMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, vmierr.Wrap("profile.LoadSysMap", vmierr.ProfileMissing, err)
	}
	defer f.Close()

	sm := &SysMap{addr: make(map[string]uint64)}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		typeChar := fields[1]
		if len(typeChar) != 1 || !symbolBearingTypes[typeChar[0]] {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		name := fields[2]
		if _, exists := sm.addr[name]; !exists {
			sm.addr[name] = addr
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, vmierr.Wrap("profile.LoadSysMap", vmierr.ProfileMissing, err)
	}
	return sm, nil
}

// LookupConstant mirrors Resolver.LookupConstant for the sysmap source.
func (sm *SysMap) LookupConstant(name string) (uint64, error) {
	addr, ok := sm.addr[name]
	if !ok {
		return 0, vmierr.New("profile.SysMap.LookupConstant:"+name, vmierr.ProfileMissing)
	}
	return addr, nil
}
