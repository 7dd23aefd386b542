// Package reconcile compares a note against the client's baseline and builds
// the content a manual save commits.
package reconcile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type Kind string

const (
	Unchanged Kind = "unchanged"
	Added     Kind = "added"
	Removed   Kind = "removed"
)

// Group is a run of lines with the same kind. Additions are split into one
// group per paragraph so they can be picked individually.
type Group struct {
	Index int      `json:"index"`
	Kind  Kind     `json:"kind"`
	Lines []string `json:"lines"`
}

func (g Group) Count() int {
	return len(g.Lines)
}

func (g Group) Text() string {
	return strings.Join(g.Lines, "\n")
}

type Diff struct {
	Groups    []Group `json:"groups"`
	Added     int     `json:"added"`
	Removed   int     `json:"removed"`
	Unchanged int     `json:"unchanged"`
}

// Additions returns the groups a selective save can choose from.
func (d Diff) Additions() []Group {
	var out []Group
	for _, g := range d.Groups {
		if g.Kind == Added {
			out = append(out, g)
		}
	}
	return out
}

// Compute diffs two texts line by line.
func Compute(baseline, current string) Diff {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(terminate(baseline), terminate(current))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var d Diff
	add := func(kind Kind, lines []string) {
		if len(lines) == 0 {
			return
		}
		d.Groups = append(d.Groups, Group{Index: len(d.Groups), Kind: kind, Lines: lines})
		switch kind {
		case Added:
			d.Added += len(lines)
		case Removed:
			d.Removed += len(lines)
		default:
			d.Unchanged += len(lines)
		}
	}
	for _, diff := range diffs {
		lines := splitLines(diff.Text)
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			for _, para := range paragraphs(lines) {
				add(Added, para)
			}
		case diffmatchpatch.DiffDelete:
			add(Removed, lines)
		default:
			add(Unchanged, lines)
		}
	}
	return d
}

func terminate(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return []string{""}
	}
	return strings.Split(s, "\n")
}

// paragraphs splits lines at blank lines, dropping the blanks.
func paragraphs(lines []string) [][]string {
	var out [][]string
	var cur []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				out = append(out, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

type Mode string

const (
	NothingToSave Mode = "nothing-to-save"
	Full          Mode = "full"
	Selective     Mode = "selective"
)

// Plan is what the save dialog shows.
type Plan struct {
	Mode     Mode   `json:"mode"`
	Baseline string `json:"baseline"`
	Current  string `json:"current"`
	Diff     Diff   `json:"diff"`
}

// Prepare compares baseline and current. Texts that are equal once trimmed
// produce a NothingToSave plan with no diff.
func Prepare(baseline, current string) Plan {
	if strings.TrimSpace(baseline) == strings.TrimSpace(current) {
		return Plan{Mode: NothingToSave, Baseline: baseline, Current: current}
	}
	return Plan{Mode: Full, Baseline: baseline, Current: current, Diff: Compute(baseline, current)}
}

var ErrInvalidSelection = errors.New("selection is not an addition")

// Compose builds the content of a selective save: the baseline followed by
// the chosen additions, in document order, one paragraph each. Additions not
// chosen are dropped.
func (p Plan) Compose(selected []int) (string, error) {
	chosen := make(map[int]bool, len(selected))
	for _, idx := range selected {
		if idx < 0 || idx >= len(p.Diff.Groups) || p.Diff.Groups[idx].Kind != Added {
			return "", fmt.Errorf("%w: group %d", ErrInvalidSelection, idx)
		}
		chosen[idx] = true
	}

	parts := []string{strings.TrimRight(p.Baseline, "\n")}
	if parts[0] == "" {
		parts = parts[:0]
	}
	for _, g := range p.Diff.Groups {
		if chosen[g.Index] {
			parts = append(parts, g.Text())
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
