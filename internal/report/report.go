// Package report renders case results as tables or JSON and persists run
// snapshots so a later run can be compared against them.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"

	"github.com/example/go-opcheck/internal/harness"
)

// Snapshot is everything one run produced.
type Snapshot struct {
	RunID     uuid.UUID             `json:"run_id"`
	Stage     string                `json:"stage,omitempty"`
	Seed      uint64                `json:"seed"`
	Compiler  string                `json:"compiler,omitempty"`
	StartedAt time.Time             `json:"started_at"`
	Elapsed   time.Duration         `json:"elapsed"`
	Summary   harness.Summary       `json:"summary"`
	Cases     []harness.CaseResult  `json:"cases,omitempty"`
	Stages    []harness.StageResult `json:"stages,omitempty"`
}

// New builds a snapshot of results with a fresh run id.
func New(stage string, seed uint64, compiler string, startedAt time.Time, results []harness.CaseResult) *Snapshot {
	return &Snapshot{
		RunID:     uuid.New(),
		Stage:     stage,
		Seed:      seed,
		Compiler:  compiler,
		StartedAt: startedAt.UTC(),
		Elapsed:   time.Since(startedAt),
		Summary:   harness.Summarize(results),
		Cases:     results,
	}
}

// Elements sums the compared elements of every case.
func (s *Snapshot) Elements() int {
	n := 0
	for _, c := range s.Cases {
		n += c.Elements
	}

	return n
}

// Save writes s as indented JSON, creating parent directories.
func (s *Snapshot) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("report: create dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("report: encode: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("report: write: %w", err)
	}

	return os.Rename(tmp, path)
}

// Load reads a snapshot written by Save.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("report: read: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("report: decode %s: %w", path, err)
	}

	if s.RunID == uuid.Nil {
		return nil, errors.New("report: snapshot has no run id")
	}

	return &s, nil
}

// Change is a case whose status differs between two snapshots.
type Change struct {
	Case   string         `json:"case"`
	Before harness.Status `json:"before"`
	After  harness.Status `json:"after"`
}

// Regression reports whether the case went from passing to failing.
func (c Change) Regression() bool {
	return c.Before == harness.StatusPass && (c.After == harness.StatusFail || c.After == harness.StatusError)
}

// Diff lists status changes from prev to cur, sorted by case name. Cases
// present in only one snapshot are ignored.
func Diff(prev, cur *Snapshot) []Change {
	before := make(map[string]harness.Status, len(prev.Cases))
	for _, c := range prev.Cases {
		before[c.Case] = c.Status
	}

	var out []Change

	for _, c := range cur.Cases {
		b, ok := before[c.Case]
		if !ok || b == c.Status {
			continue
		}

		out = append(out, Change{Case: c.Case, Before: b, After: c.Status})
	}

	slices.SortFunc(out, func(a, b Change) int {
		switch {
		case a.Case < b.Case:
			return -1
		case a.Case > b.Case:
			return 1
		}

		return 0
	})

	return out
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)

	return table
}

func maxErrs(r harness.CaseResult) (abs, rel float64) {
	for _, rep := range r.Reports {
		abs = max(abs, rep.MaxAbsErr)
		rel = max(rel, rep.MaxRelErr)
	}

	return abs, rel
}

func kernels(r harness.CaseResult) string {
	if r.Stats == nil {
		return "-"
	}

	return fmt.Sprintf("%d/%d", r.Stats.FusedKernels, r.Stats.Instructions)
}

// FormatTable writes one row per case. Passing cases are listed only when
// all is set.
func FormatTable(results []harness.CaseResult, all bool, w io.Writer) {
	table := newTable(w, []string{"CASE", "STATUS", "ELEMENTS", "MAX ABS", "MAX REL", "FUSED", "TIME", "REASON"})

	rows := 0

	for _, r := range results {
		if !all && r.Status == harness.StatusPass {
			continue
		}

		abs, rel := maxErrs(r)
		table.Append([]string{
			r.Case,
			string(r.Status),
			humanize.Comma(int64(r.Elements)),
			strconv.FormatFloat(abs, 'g', 3, 64),
			strconv.FormatFloat(rel, 'g', 3, 64),
			kernels(r),
			r.Durations.Total().Round(time.Microsecond).String(),
			r.Reason,
		})

		rows++
	}

	if rows > 0 {
		table.Render()
	}
}

// FormatSummary writes the one-line totals of s.
func FormatSummary(s *Snapshot, w io.Writer) {
	fmt.Fprintf(w, "%s; %s elements compared in %s (run %s, seed %d)\n",
		s.Summary, humanize.Comma(int64(s.Elements())), s.Elapsed.Round(time.Millisecond), s.RunID, s.Seed)
}

// FormatStages writes one row per stage of a staged run.
func FormatStages(results []harness.StageResult, w io.Writer) {
	table := newTable(w, []string{"STAGE", "MODE", "STATUS", "EXIT", "TIME", "REASON"})

	for _, r := range results {
		exit := "-"
		if r.ExitCode >= 0 {
			exit = strconv.Itoa(r.ExitCode)
		}

		table.Append([]string{
			r.Stage,
			string(r.Mode),
			string(r.Status),
			exit,
			r.Duration.Round(time.Millisecond).String(),
			r.Reason,
		})
	}

	table.Render()
}

// FormatChanges writes status changes, regressions first flagged with "!".
func FormatChanges(changes []Change, w io.Writer) {
	if len(changes) == 0 {
		fmt.Fprintln(w, "no status changes")
		return
	}

	table := newTable(w, []string{"", "CASE", "BEFORE", "AFTER"})

	for _, c := range changes {
		mark := ""
		if c.Regression() {
			mark = "!"
		}

		table.Append([]string{mark, c.Case, string(c.Before), string(c.After)})
	}

	table.Render()
}

// FormatJSON writes s as indented JSON.
func FormatJSON(s *Snapshot, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(s)
}
