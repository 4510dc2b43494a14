package terms

// Concept is a vocabulary concept returned by the external search service.
type Concept struct {
	URI       string `json:"uri"`
	PrefLabel string `json:"prefLabel"`
}

// PrioritizeConcepts moves the concept that source is currently mapped to
// in front of the others, which keep their relative order. Without a
// mapping the list is returned as is.
func PrioritizeConcepts(concepts []Concept, mappings Snapshot, source string) []Concept {
	m, ok := mappings.Lookup(source)
	if !ok {
		return concepts
	}
	out := make([]Concept, 0, len(concepts))
	for _, c := range concepts {
		if c.URI == m.Target {
			out = append(out, c)
		}
	}
	for _, c := range concepts {
		if c.URI != m.Target {
			out = append(out, c)
		}
	}
	return out
}
