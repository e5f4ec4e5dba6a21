package engine

import (
	"fmt"
	"strings"
)

// Flags is the script-level flag bitmask declared through the shebang (or
// through function registration for library functions).
type Flags uint64

const (
	// FlagEvalCompatMode marks a script with no shebang: the command's
	// base flags are kept as-is and the script is treated as a potential
	// writer, matching historical EVAL behavior.
	FlagEvalCompatMode Flags = 1 << iota
	FlagReadOnly
	FlagNoWrites
	FlagAllowStale
	FlagAllowCrossSlotKeys
	FlagNoCluster
)

// flagDefs is the closed vocabulary accepted in shebangs and function
// registrations. Order matters only for Emit output stability.
var flagDefs = []struct {
	name string
	flag Flags
}{
	{"read-only", FlagReadOnly},
	{"no-writes", FlagNoWrites},
	{"allow-stale", FlagAllowStale},
	{"allow-cross-slot-keys", FlagAllowCrossSlotKeys},
	{"no-cluster", FlagNoCluster},
}

// ParseFlagName resolves one flag token. Unknown tokens fail.
func ParseFlagName(name string) (Flags, bool) {
	for _, def := range flagDefs {
		if strings.EqualFold(name, def.name) {
			return def.flag, true
		}
	}
	return 0, false
}

// DeniesWrites reports whether the flag set forbids dataset mutation.
func (f Flags) DeniesWrites() bool {
	return f&(FlagReadOnly|FlagNoWrites) != 0
}

// Names returns the flag tokens present in f, in vocabulary order. The
// internal compat bit is never emitted.
func (f Flags) Names() []string {
	var names []string
	for _, def := range flagDefs {
		if f&def.flag != 0 {
			names = append(names, def.name)
		}
	}
	return names
}

// DefaultEngineName is the engine assumed when a script carries no shebang.
const DefaultEngineName = "lua"

// Shebang is the parsed `#!engine [flags=a,b]` header of a script body.
type Shebang struct {
	Engine string
	Flags  Flags
	// BodyOffset is the index of the first byte to hand to the engine.
	// It points at the shebang's terminating newline so that source line
	// numbers stay aligned for the debugger.
	BodyOffset int
}

// ParseShebang extracts the engine selector and flags from the script body.
// A body that does not start with "#!" selects the default engine in
// compat mode. The only accepted option is "flags="; anything else fails
// compilation with a precise message.
func ParseShebang(body string) (Shebang, error) {
	if !strings.HasPrefix(body, "#!") {
		return Shebang{Engine: DefaultEngineName, Flags: FlagEvalCompatMode}, nil
	}
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		return Shebang{}, fmt.Errorf("Invalid script shebang")
	}
	parts := strings.Fields(body[:nl])
	if len(parts) == 0 || len(parts[0]) <= 2 {
		return Shebang{}, fmt.Errorf("Invalid engine in script shebang")
	}
	sb := Shebang{
		Engine:     parts[0][2:],
		BodyOffset: nl,
	}
	for _, part := range parts[1:] {
		rest, ok := strings.CutPrefix(part, "flags=")
		if !ok {
			return Shebang{}, fmt.Errorf("Unknown script shebang option: %s", part)
		}
		for _, name := range strings.Split(rest, ",") {
			flag, ok := ParseFlagName(name)
			if !ok {
				return Shebang{}, fmt.Errorf("Unexpected flag in script shebang: %s", name)
			}
			sb.Flags |= flag
		}
	}
	return sb, nil
}

// EmitShebang renders a shebang line for the given engine and flags such
// that ParseShebang recovers the same flag set.
func EmitShebang(engine string, flags Flags) string {
	var b strings.Builder
	b.WriteString("#!")
	b.WriteString(engine)
	if names := flags.Names(); len(names) > 0 {
		b.WriteString(" flags=")
		b.WriteString(strings.Join(names, ","))
	}
	b.WriteString("\n")
	return b.String()
}

// CommandFlags is the script-relevant subset of a command's planning flags.
type CommandFlags uint64

const (
	CmdWrite CommandFlags = 1 << iota
	CmdAllowStale
	CmdAllowCrossSlot
	CmdNoCluster
)

// FoldCommandFlags combines a command's base flags with a script's declared
// flags. Compat-mode scripts keep the base flags untouched; otherwise the
// script's flags replace the script-relevant subset, which decides
// admission checks before the script runs.
func FoldCommandFlags(base CommandFlags, script Flags) CommandFlags {
	if script&FlagEvalCompatMode != 0 {
		return base
	}
	out := base &^ (CmdWrite | CmdAllowStale | CmdAllowCrossSlot | CmdNoCluster)
	if !script.DeniesWrites() {
		out |= CmdWrite
	}
	if script&FlagAllowStale != 0 {
		out |= CmdAllowStale
	}
	if script&FlagAllowCrossSlotKeys != 0 {
		out |= CmdAllowCrossSlot
	}
	if script&FlagNoCluster != 0 {
		out |= CmdNoCluster
	}
	return out
}
