package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/engine/health"
	"github.com/DrSkyle/cigraph/pkg/engine/impact"
)

type styles struct {
	title lipgloss.Style
	muted lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
}

// newStyles binds the palette to w so pipes and files get plain text.
func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		title: r.NewStyle().Bold(true).Foreground(lipgloss.Color("#00FF99")),
		muted: r.NewStyle().Foreground(lipgloss.Color("#AAAAAA")),
		ok:    r.NewStyle().Foreground(lipgloss.Color("#00FF99")),
		warn:  r.NewStyle().Foreground(lipgloss.Color("#FFD75F")),
		bad:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5F87")),
	}
}

func (st styles) risk(r cmdb.Risk) string {
	switch r {
	case cmdb.RiskCritical, cmdb.RiskHigh:
		return st.bad.Render(string(r))
	case cmdb.RiskMedium:
		return st.warn.Render(string(r))
	case "":
		return st.muted.Render("n/a")
	}
	return st.ok.Render(string(r))
}

func (st styles) score(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	switch {
	case v >= 80:
		return st.ok.Render(s)
	case v >= 50:
		return st.warn.Render(s)
	}
	return st.bad.Render(s)
}

func row(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "  %-16s %v\n", label, value)
}

func list(w io.Writer, st styles, heading string, items []string, always bool) {
	if len(items) == 0 && !always {
		return
	}
	fmt.Fprintln(w, st.title.Render(heading))
	if len(items) == 0 {
		fmt.Fprintln(w, "  "+st.muted.Render("(none)"))
		return
	}
	for _, it := range items {
		fmt.Fprintln(w, "  - "+it)
	}
}

func renderAnalysis(w io.Writer, a *impact.Analysis) {
	st := newStyles(w)
	fmt.Fprintln(w, st.title.Render("IMPACT "+a.Target))
	row(w, "scope", a.Scope)
	row(w, "max depth", a.MaxDepth)
	row(w, "risk", st.risk(a.Risk))
	row(w, "impacted CIs", a.TotalImpactedCIs)
	if a.EstimatedUsers > 0 {
		row(w, "estimated users", a.EstimatedUsers)
	}
	if a.ImpactScore > 0 {
		row(w, "impact score", fmt.Sprintf("%.2f", a.ImpactScore))
	}
	list(w, st, "DIRECT", a.DirectDependents, true)
	list(w, st, "INDIRECT", a.IndirectDependents, true)
	list(w, st, "BUSINESS SERVICES", a.ImpactedBusinessServices, false)
	list(w, st, "CONTROLS", a.ImpactedControls, false)
	if len(a.Impacted) > 0 {
		fmt.Fprintln(w, st.title.Render("PATHS"))
		for _, ci := range a.Impacted {
			fmt.Fprintf(w, "  %-16s depth %d via %s (strength %d)\n", ci.Key, ci.Depth, ci.Via, ci.Strength)
		}
	}
}

func renderHealth(w io.Writer, h *health.CMDBHealth) {
	st := newStyles(w)
	fmt.Fprintln(w, st.title.Render("CMDB HEALTH")+" "+st.score(h.Overall))
	row(w, "completeness", st.score(h.Completeness))
	row(w, "accuracy", st.score(h.Accuracy))
	row(w, "timeliness", st.score(h.Timeliness))
	row(w, "compliance", st.score(h.Compliance))
	row(w, "population", fmt.Sprintf("%d (archived %d)", h.Population, h.Archived))
	row(w, "unowned", h.Unowned)
	row(w, "stale", h.Stale)
	row(w, "orphans", h.OrphanCount)
	row(w, "components", fmt.Sprintf("%d (largest %d)", h.Components, h.LargestComponent))
	row(w, "calculated", h.CalculatedAt.UTC().Format(time.RFC3339))

	list(w, st, "ORPHANS", h.Orphans, false)
	if len(h.Inaccurate) > 0 {
		fmt.Fprintln(w, st.title.Render("INACCURATE"))
		for _, is := range h.Inaccurate {
			fmt.Fprintf(w, "  - %s: %s\n", is.Key, strings.Join(is.Problems, "; "))
		}
	}
	if t := h.Trend; t != nil {
		fmt.Fprintln(w, st.title.Render("TREND"))
		row(w, "velocity", fmt.Sprintf("%+.2f/h", t.Velocity))
		row(w, "acceleration", fmt.Sprintf("%+.2f/h²", t.Acceleration))
		row(w, "projected 24h", fmt.Sprintf("%.2f", t.Projected24h))
		if t.TimeToFloor >= 0 {
			row(w, "time to floor", t.TimeToFloor.Round(time.Minute))
		}
		for _, a := range t.Alerts {
			fmt.Fprintln(w, "  "+st.bad.Render("! "+a))
		}
	}
}
