package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	fencedRe = regexp.MustCompile("(?s)```control\\s*\n(.*?)```")

	// Kinds in deterministic decode order.
	kinds = []Kind{KindSpawn, KindSend, KindClose, KindExec, KindStatus, KindFetch}
)

// Parse extracts control blocks from free-form orchestrator text. Fenced
// ```control sections are primary; bare single-line JSON objects carrying a
// command key are picked up too, deduplicated against the fenced set.
//
// Undecodable candidates are returned as MalformedErrors alongside the good
// blocks. Parse never fails as a whole.
func Parse(text string) ([]Block, []*MalformedError) {
	if text == "" {
		return nil, nil
	}

	var (
		blocks    []Block
		malformed []*MalformedError
		seen      = map[string]struct{}{}
	)

	add := func(raw string) {
		sig := compactJSON(raw)
		if _, dup := seen[sig]; dup {
			return
		}
		seen[sig] = struct{}{}
		b, err := decodeBlock(raw)
		if err != nil {
			malformed = append(malformed, err)
			return
		}
		blocks = append(blocks, b)
	}

	for _, m := range fencedRe.FindAllStringSubmatch(text, -1) {
		candidate := strings.TrimSpace(m[1])
		if candidate == "" {
			continue
		}
		add(candidate)
	}

	for _, line := range strings.Split(text, "\n") {
		candidate := strings.TrimSpace(line)
		if !strings.HasPrefix(candidate, "{") || !strings.HasSuffix(candidate, "}") {
			continue
		}
		if !hasCommandKey(candidate) {
			continue
		}
		add(candidate)
	}

	return blocks, malformed
}

// Strip removes fenced control sections from text and collapses the leftover
// whitespace, for display and audit surfaces.
func Strip(text string) string {
	out := fencedRe.ReplaceAllString(text, "")
	lines := make([]string, 0, 8)
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimRight(line, " \t"); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return strings.Join(lines, "\n")
}

func hasCommandKey(candidate string) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &probe); err != nil {
		return false
	}
	for _, k := range kinds {
		if _, ok := probe[string(k)]; ok {
			return true
		}
	}
	return false
}

// compactJSON canonicalizes a candidate for dedupe. Non-JSON input falls
// back to the trimmed raw string so malformed candidates still dedupe.
func compactJSON(raw string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return strings.TrimSpace(raw)
	}
	return buf.String()
}

func decodeBlock(raw string) (Block, *MalformedError) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return Block{}, &MalformedError{Reason: fmt.Sprintf("invalid JSON: %v", err), Raw: raw}
	}

	var (
		found Kind
		body  json.RawMessage
		n     int
	)
	for _, k := range kinds {
		if payload, ok := envelope[string(k)]; ok {
			found, body, n = k, payload, n+1
		}
	}
	switch {
	case n == 0:
		return Block{}, &MalformedError{Reason: "no recognized command key", Raw: raw}
	case n > 1:
		return Block{}, &MalformedError{Reason: "multiple command keys in one block", Raw: raw}
	}

	b := Block{Kind: found}
	switch found {
	case KindSpawn:
		var v SpawnBlock
		if err := json.Unmarshal(body, &v); err != nil {
			return Block{}, &MalformedError{Reason: fmt.Sprintf("spawn: %v", err), Raw: raw}
		}
		if v.Name == "" || v.Task == "" {
			return Block{}, &MalformedError{Reason: "spawn: name and task are required", Raw: raw}
		}
		b.Spawn = &v
	case KindSend:
		var v SendBlock
		if err := json.Unmarshal(body, &v); err != nil {
			return Block{}, &MalformedError{Reason: fmt.Sprintf("send: %v", err), Raw: raw}
		}
		if v.To == "" || v.Task == "" {
			return Block{}, &MalformedError{Reason: "send: to and task are required", Raw: raw}
		}
		b.Send = &v
	case KindClose:
		var v CloseBlock
		if err := json.Unmarshal(body, &v); err != nil {
			return Block{}, &MalformedError{Reason: fmt.Sprintf("close: %v", err), Raw: raw}
		}
		if v.Agent == "" {
			return Block{}, &MalformedError{Reason: "close: agent is required", Raw: raw}
		}
		b.Close = &v
	case KindExec:
		var v ExecBlock
		if err := json.Unmarshal(body, &v); err != nil {
			return Block{}, &MalformedError{Reason: fmt.Sprintf("exec: %v", err), Raw: raw}
		}
		if len(v.Argv) == 0 {
			return Block{}, &MalformedError{Reason: "exec: argv is required", Raw: raw}
		}
		b.Exec = &v
	case KindStatus:
		var v StatusBlock
		if err := json.Unmarshal(body, &v); err != nil {
			return Block{}, &MalformedError{Reason: fmt.Sprintf("status: %v", err), Raw: raw}
		}
		if strings.TrimSpace(v.Text) == "" {
			return Block{}, &MalformedError{Reason: "status: text is required", Raw: raw}
		}
		b.Status = &v
	case KindFetch:
		var v FetchBlock
		if err := json.Unmarshal(body, &v); err != nil {
			return Block{}, &MalformedError{Reason: fmt.Sprintf("fetch: %v", err), Raw: raw}
		}
		if v.Artifact == "" {
			return Block{}, &MalformedError{Reason: "fetch: artifact is required", Raw: raw}
		}
		b.Fetch = &v
	}
	return b, nil
}
