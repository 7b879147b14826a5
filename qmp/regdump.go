package qmp

import (
	"strconv"
	"strings"
)

// ParseRegisterDump parses the plain-text output of "info registers" into
// a name→value map. Parsing is line-by-line and case-insensitive for
// register names, per spec §6. QEMU's dump packs several "NAME=value"
// pairs per line separated by whitespace; lines that don't look like
// register assignments are ignored rather than treated as errors, since
// the dump also carries section headers and flag summaries.
func ParseRegisterDump(text string) map[string]uint64 {
	regs := make(map[string]uint64)
	for _, line := range strings.Split(text, "\n") {
		for _, field := range strings.Fields(line) {
			name, value, ok := splitRegisterField(field)
			if !ok {
				continue
			}
			regs[strings.ToUpper(name)] = value
		}
	}
	return regs
}

func splitRegisterField(field string) (name string, value uint64, ok bool) {
	eq := strings.IndexByte(field, '=')
	if eq <= 0 || eq == len(field)-1 {
		return "", 0, false
	}
	name = field[:eq]
	raw := field[eq+1:]
	v, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// ParseXPDump parses the output of "xp /Nwx <paddr>", a sequence of lines
// each beginning with a colon-terminated guest address followed by hex
// words, and returns the concatenated little-endian bytes in address
// order.
func ParseXPDump(text string) []byte {
	var out []byte
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		start := 0
		if strings.HasSuffix(fields[0], ":") {
			start = 1
		}
		for _, f := range fields[start:] {
			f = strings.TrimPrefix(f, "0x")
			v, err := strconv.ParseUint(f, 16, 32)
			if err != nil {
				continue
			}
			var word [4]byte
			word[0] = byte(v)
			word[1] = byte(v >> 8)
			word[2] = byte(v >> 16)
			word[3] = byte(v >> 24)
			out = append(out, word[:]...)
		}
	}
	return out
}
