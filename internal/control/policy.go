package control

import "fmt"

// Gate names the policy check that rejected a block. Denial reasons are
// enumerable so audit surfaces and tests can match on them.
type Gate string

const (
	GateAutopilot Gate = "autopilot"
	GateDangerous Gate = "dangerous"
	GateAllowList Gate = "allow-list"
)

// DenialError reports a policy rejection. It is mirrored back verbatim,
// never raised as a fatal error.
type DenialError struct {
	Kind Kind
	Gate Gate
	Note string
}

func (e *DenialError) Error() string {
	if e.Note != "" {
		return fmt.Sprintf("denied %s: %s gate: %s", e.Kind, e.Gate, e.Note)
	}
	return fmt.Sprintf("denied %s: %s gate", e.Kind, e.Gate)
}

// Allower reports whether an argv is permitted by the local exec allow-list.
type Allower interface {
	Allowed(argv []string) bool
}

// Policy is the per-run safety configuration applied to every block before
// execution. All kinds require autopilot; exec additionally requires the
// dangerous flag and an allow-listed program.
type Policy struct {
	Autopilot bool
	Dangerous bool
	Allow     Allower
}

// Check returns the first failing gate for b, or nil when the block may
// execute. Gates are evaluated in a fixed order so the reported reason is
// deterministic: autopilot, then dangerous, then allow-list.
func (p Policy) Check(b Block) *DenialError {
	if !p.Autopilot {
		return &DenialError{Kind: b.Kind, Gate: GateAutopilot, Note: "autopilot is disabled"}
	}
	if b.Kind != KindExec {
		return nil
	}
	if !p.Dangerous {
		return &DenialError{Kind: b.Kind, Gate: GateDangerous, Note: "dangerous mode is off"}
	}
	if p.Allow == nil || !p.Allow.Allowed(b.Exec.Argv) {
		return &DenialError{Kind: b.Kind, Gate: GateAllowList, Note: fmt.Sprintf("%q is not allow-listed", b.Exec.Argv[0])}
	}
	return nil
}
