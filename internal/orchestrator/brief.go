package orchestrator

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/orchd/internal/github"
)

var (
	headingRe    = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*$`)
	checkboxRe   = regexp.MustCompile(`^[-*+]\s*(?:\[[ xX*]\]\s*)?(.*)$`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	headingKeyRe = regexp.MustCompile(`[^a-z0-9]+`)

	blockedLabelRe = regexp.MustCompile(`(?i)^blocked-by:(.+)$`)
	issueRefRe     = regexp.MustCompile(`#(\d+)`)
	slaCheckinRe   = regexp.MustCompile(`(?i)^checkin:(\d+)([smhd])$`)
	slaBudgetRe    = regexp.MustCompile(`(?i)^budget:(\d+)([smhd])$`)
)

var sectionKeys = map[string][]string{
	"goal":       {"goal"},
	"acceptance": {"acceptance-checklist", "acceptance", "acceptance-criteria"},
	"scope":      {"scope", "scope-notes", "scope-and-limits"},
	"validation": {"validation", "test-plan", "tests"},
}

// Charter is the structured work definition extracted from an issue body.
type Charter struct {
	Goal       string
	Acceptance []string
	ScopeNotes []string
	Validation string
}

// SLA holds per-issue liveness overrides parsed from labels like
// checkin:10m and budget:45m. Zero values mean no override.
type SLA struct {
	Checkin time.Duration
	Budget  time.Duration
}

// ParseCharter extracts the goal, acceptance checklist, scope notes, and
// validation plan from a markdown issue body. Headings match loosely:
// "Goal and background" still fills the goal section.
func ParseCharter(body string) Charter {
	sections := map[string][]string{}
	order := []string{}
	current := "__preamble__"
	sections[current] = nil
	for _, line := range strings.Split(body, "\n") {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			current = normalizeHeading(m[1])
			if _, ok := sections[current]; !ok {
				order = append(order, current)
				sections[current] = nil
			}
			continue
		}
		sections[current] = append(sections[current], strings.TrimRight(line, " \t"))
	}

	section := func(keys []string) []string {
		for _, key := range keys {
			if content, ok := sections[key]; ok {
				return content
			}
		}
		for _, name := range order {
			for _, key := range keys {
				if strings.HasPrefix(name, key) {
					return sections[name]
				}
			}
		}
		return nil
	}

	scopeLines := section(sectionKeys["scope"])
	scopeItems := parseChecklist(scopeLines)
	if len(scopeItems) == 0 {
		scopeItems = cleanLines(scopeLines)
	}

	return Charter{
		Goal:       strings.Join(cleanLines(section(sectionKeys["goal"])), " "),
		Acceptance: parseChecklist(section(sectionKeys["acceptance"])),
		ScopeNotes: scopeItems,
		Validation: strings.Join(cleanLines(section(sectionKeys["validation"])), "\n"),
	}
}

// FormatBrief renders the task brief handed to the agent process for one
// turn.
func FormatBrief(issue github.Issue, charter Charter) string {
	lines := []string{fmt.Sprintf("Work on Issue #%d: %s", issue.Number, issue.Title)}
	if issue.URL != "" {
		lines = append(lines, fmt.Sprintf("URL: %s", issue.URL))
	}
	if charter.Goal != "" {
		lines = append(lines, fmt.Sprintf("Goal: %s", collapse(charter.Goal)))
	}
	if len(charter.Acceptance) > 0 {
		lines = append(lines, "Acceptance:")
		for i, item := range charter.Acceptance {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, collapse(item)))
		}
	}
	if len(charter.ScopeNotes) > 0 {
		lines = append(lines, fmt.Sprintf("Scope: %s", strings.Join(charter.ScopeNotes, "; ")))
	}
	if v := strings.TrimSpace(charter.Validation); v != "" {
		lines = append(lines, fmt.Sprintf("Validation: %s", v))
	}
	if len(issue.Labels) > 0 {
		labels := append([]string(nil), issue.Labels...)
		sort.Strings(labels)
		lines = append(lines, fmt.Sprintf("Labels: %s", strings.Join(labels, ", ")))
	}
	lines = append(lines,
		"",
		"Create a small, testable change on the current branch. Provide regular check-ins.",
		fmt.Sprintf("When done, map outcomes to Acceptance and reference issue #%d.", issue.Number))
	return strings.Join(lines, "\n")
}

// ParseBlockers returns the sorted set of issue numbers that must close
// before this issue may start. Sources are blocked-by:#N labels and
// "Blocked by:" lines in the body.
func ParseBlockers(body string, labels []string) []int {
	set := map[int]struct{}{}
	collect := func(text string) {
		for _, m := range issueRefRe.FindAllStringSubmatch(text, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				set[n] = struct{}{}
			}
		}
	}

	for _, label := range labels {
		if m := blockedLabelRe.FindStringSubmatch(strings.TrimSpace(label)); m != nil {
			collect(m[1])
		}
	}
	for _, raw := range strings.Split(body, "\n") {
		text := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(text, "blocked by:") || strings.HasPrefix(text, "blocked-by:") {
			collect(raw)
		}
	}

	out := make([]int, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// SLAFromLabels extracts per-issue check-in and budget overrides.
func SLAFromLabels(labels []string) SLA {
	var sla SLA
	for _, label := range labels {
		text := strings.TrimSpace(label)
		if m := slaCheckinRe.FindStringSubmatch(text); m != nil {
			sla.Checkin = unitDuration(m[1], m[2])
		}
		if m := slaBudgetRe.FindStringSubmatch(text); m != nil {
			sla.Budget = unitDuration(m[1], m[2])
		}
	}
	return sla
}

func unitDuration(num, unit string) time.Duration {
	n, err := strconv.Atoi(num)
	if err != nil {
		return 0
	}
	switch strings.ToLower(unit) {
	case "s":
		return time.Duration(n) * time.Second
	case "m":
		return time.Duration(n) * time.Minute
	case "h":
		return time.Duration(n) * time.Hour
	case "d":
		return time.Duration(n) * 24 * time.Hour
	}
	return time.Duration(n) * time.Second
}

func normalizeHeading(text string) string {
	return strings.Trim(headingKeyRe.ReplaceAllString(strings.ToLower(text), "-"), "-")
}

func cleanLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseChecklist(lines []string) []string {
	var items []string
	for _, raw := range lines {
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		if m := checkboxRe.FindStringSubmatch(text); m != nil {
			text = strings.TrimSpace(m[1])
		}
		if text != "" {
			items = append(items, text)
		}
	}
	return items
}

func collapse(s string) string {
	return whitespaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
}
