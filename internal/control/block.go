// Package control parses and executes structured command blocks embedded in
// orchestrator-authored text.
//
// A control block is a fenced ```control section (or a bare JSON line)
// holding exactly one command. Commands are decoded strictly into a tagged
// union, validated against the safety policy, and executed; every outcome,
// including denials and parse failures, is mirrored back as plain text so no
// block ever silently succeeds or fails.
package control

import (
	"fmt"
)

// Kind identifies a control block variant.
type Kind string

const (
	KindSpawn  Kind = "spawn"
	KindSend   Kind = "send"
	KindClose  Kind = "close"
	KindExec   Kind = "exec"
	KindStatus Kind = "status"
	KindFetch  Kind = "fetch"
)

// Block is a decoded control command. Exactly one variant field is non-nil,
// matching Kind.
type Block struct {
	Kind   Kind
	Spawn  *SpawnBlock
	Send   *SendBlock
	Close  *CloseBlock
	Exec   *ExecBlock
	Status *StatusBlock
	Fetch  *FetchBlock
}

// SpawnBlock starts a named agent on a task.
type SpawnBlock struct {
	Name string `json:"name"`
	Task string `json:"task"`
	Cwd  string `json:"cwd,omitempty"`
}

// SendBlock forwards an instruction to a live agent.
type SendBlock struct {
	To   string `json:"to"`
	Task string `json:"task"`
}

// CloseBlock terminates an agent's future involvement.
type CloseBlock struct {
	Agent string `json:"agent"`
}

// ExecBlock requests a local command. Subject to the dangerous and
// allow-list gates on top of autopilot.
type ExecBlock struct {
	Cwd  string   `json:"cwd"`
	Argv []string `json:"argv"`
}

// StatusBlock posts free text to an issue as a comment. Side effect only.
type StatusBlock struct {
	Issue int    `json:"issue"`
	Text  string `json:"text"`
}

// FetchBlock asks for an artifact's content in the next digest.
type FetchBlock struct {
	Artifact string `json:"artifact"`
	MaxChars int    `json:"max_chars,omitempty"`
}

// MalformedError reports a control block that could not be decoded into a
// valid command. It is mirrored back to the orchestrator, never fatal.
type MalformedError struct {
	Reason string
	Raw    string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed control block: %s", e.Reason)
}
