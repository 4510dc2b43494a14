package terms

// FilterMode selects which classified entries are visible.
type FilterMode string

const (
	ShowAll      FilterMode = "all"
	ShowMapped   FilterMode = "mapped"
	ShowUnmapped FilterMode = "unmapped"
)

// ParseFilterMode maps a query value to a mode. Unknown values show all.
func ParseFilterMode(s string) FilterMode {
	switch FilterMode(s) {
	case ShowMapped:
		return ShowMapped
	case ShowUnmapped:
		return ShowUnmapped
	default:
		return ShowAll
	}
}

// View is the outcome of Classify.
//
// Mapped, Unmapped and All sum occurrence counts; MappedEntries,
// UnmappedEntries and Entries count histogram lines. Both families always
// cover the whole histogram, whatever the filter.
type View struct {
	Mode            FilterMode       `json:"mode"`
	Visible         []HistogramEntry `json:"visible"`
	Mapped          int              `json:"mapped"`
	Unmapped        int              `json:"unmapped"`
	All             int              `json:"all"`
	MappedEntries   int              `json:"mappedEntries"`
	UnmappedEntries int              `json:"unmappedEntries"`
	Entries         int              `json:"entries"`
}

// Classify splits histogram into mapped and unmapped entries against
// mappings and returns the entries visible under mode.
func Classify(histogram []HistogramEntry, mappings Snapshot, mode FilterMode) View {
	mode = ParseFilterMode(string(mode))

	// First pass: classify everything, so totals never depend on the filter.
	mapped := make([]bool, len(histogram))
	v := View{Mode: mode, Entries: len(histogram)}
	for i, e := range histogram {
		_, mapped[i] = mappings[e.SourceURI]
		if mapped[i] {
			v.Mapped += e.Count
			v.MappedEntries++
		} else {
			v.Unmapped += e.Count
			v.UnmappedEntries++
		}
	}
	v.All = v.Mapped + v.Unmapped

	// Second pass: filter on the computed classes.
	v.Visible = make([]HistogramEntry, 0, len(histogram))
	for i, e := range histogram {
		switch {
		case mode == ShowMapped && !mapped[i]:
		case mode == ShowUnmapped && mapped[i]:
		default:
			v.Visible = append(v.Visible, e)
		}
	}
	return v
}
