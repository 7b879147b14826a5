// Package config maps the recognised-keys configuration table (spec §6)
// into a typed record at the API boundary, per the "stringly-typed
// configuration" redesign note: unknown keys are rejected with a warning
// rather than silently accepted.
package config

import (
	"log"

	"govmi/vmierr"
)

// AccessMode selects which hypervisor backend an Instance targets.
type AccessMode int

const (
	AccessAuto AccessMode = iota
	AccessKVM
	AccessXen
	AccessFile
)

// InitDepth controls how much of Instance initialization runs eagerly.
type InitDepth int

const (
	InitPartial InitDepth = iota
	InitComplete
)

// OSType forces OS detection instead of probing the guest.
type OSType int

const (
	OSUnknown OSType = iota
	OSLinux
	OSWindows
)

// Config is the typed configuration record an Instance is created from.
// Fields mirror the recognised-keys table in spec §6 exactly; String-keyed
// input (e.g. from a hashtable or file config source) is converted to this
// struct by FromMap, which rejects unrecognised keys.
type Config struct {
	Name  string // target VM name
	DomID int32  // target VM domain id; Name or DomID is required
	HasDomID bool

	Access    AccessMode
	InitDepth InitDepth
	Events    bool
	Snapshot  bool

	OSType OSType

	RekallProfile string // path to the JSON profile; "sysmap" is an alias

	WinNtoskrnl uint64
	WinKdvb     uint64
	WinSysproc  uint64
	WinTasks    int64
	WinPdbase   int64
	WinPid      int64
	WinPname    int64

	LinuxTasks int64
	LinuxMm    int64
	LinuxPid   int64
	LinuxPgd   int64
	LinuxName  int64

	// Logger receives warnings for unrecognised keys and other ambient
	// diagnostics. Never a package-level global: supplied at init, per
	// spec §9's "Global state" redesign note. Defaults to log.Default().
	Logger *log.Logger
}

// recognisedKeys lists every key name accepted by FromMap, matching the
// table in spec §6.
var recognisedKeys = map[string]bool{
	"ostype": true, "rekall_profile": true, "sysmap": true,
	"win_ntoskrnl": true, "win_kdvb": true, "win_sysproc": true,
	"win_tasks": true, "win_pdbase": true, "win_pid": true, "win_pname": true,
	"linux_tasks": true, "linux_mm": true, "linux_pid": true,
	"linux_pgd": true, "linux_name": true,
	"name": true, "domid": true,
}

// FromMap builds a Config from a string-keyed configuration map, the
// config-source kind named "hashtable" in spec §6's Flags table. Unknown
// keys are logged as warnings, never silently dropped or accepted.
func FromMap(m map[string]any, logger *log.Logger) (*Config, error) {
	if logger == nil {
		logger = log.Default()
	}
	cfg := &Config{Logger: logger}

	for k := range m {
		if !recognisedKeys[k] {
			logger.Printf("govmi/config: warning: unrecognised configuration key %q ignored", k)
		}
	}

	if v, ok := m["name"].(string); ok {
		cfg.Name = v
	}
	if v, ok := m["domid"]; ok {
		id, err := asInt64(v)
		if err != nil {
			return nil, vmierr.Wrap("config.FromMap", vmierr.ConfigurationError, err)
		}
		cfg.DomID = int32(id)
		cfg.HasDomID = true
	}
	if cfg.Name == "" && !cfg.HasDomID {
		return nil, vmierr.New("config.FromMap", vmierr.ConfigurationError)
	}

	switch v, _ := m["ostype"].(string); v {
	case "Linux", "linux":
		cfg.OSType = OSLinux
	case "Windows", "windows":
		cfg.OSType = OSWindows
	}

	if v, ok := m["rekall_profile"].(string); ok {
		cfg.RekallProfile = v
	}
	if v, ok := m["sysmap"].(string); ok && cfg.RekallProfile == "" {
		cfg.RekallProfile = v
	}

	var err error
	if cfg.WinNtoskrnl, err = optUint(m, "win_ntoskrnl"); err != nil {
		return nil, vmierr.Wrap("config.FromMap", vmierr.ConfigurationError, err)
	}
	if cfg.WinKdvb, err = optUint(m, "win_kdvb"); err != nil {
		return nil, vmierr.Wrap("config.FromMap", vmierr.ConfigurationError, err)
	}
	if cfg.WinSysproc, err = optUint(m, "win_sysproc"); err != nil {
		return nil, vmierr.Wrap("config.FromMap", vmierr.ConfigurationError, err)
	}

	offsets := []struct {
		key string
		dst *int64
	}{
		{"win_tasks", &cfg.WinTasks}, {"win_pdbase", &cfg.WinPdbase},
		{"win_pid", &cfg.WinPid}, {"win_pname", &cfg.WinPname},
		{"linux_tasks", &cfg.LinuxTasks}, {"linux_mm", &cfg.LinuxMm},
		{"linux_pid", &cfg.LinuxPid}, {"linux_pgd", &cfg.LinuxPgd},
		{"linux_name", &cfg.LinuxName},
	}
	for _, o := range offsets {
		if v, ok := m[o.key]; ok {
			n, err := asInt64(v)
			if err != nil {
				return nil, vmierr.Wrap("config.FromMap", vmierr.ConfigurationError, err)
			}
			*o.dst = n
		}
	}

	return cfg, nil
}

func optUint(m map[string]any, key string) (uint64, error) {
	v, ok := m[key]
	if !ok {
		return 0, nil
	}
	n, err := asInt64(v)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, vmierr.New("config.asInt64", vmierr.ConfigurationError)
	}
}
