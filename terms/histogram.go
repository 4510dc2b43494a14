package terms

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// PocketContainer is the record container of datasets that did not come
// from a file drop: their records are always wrapped in pockets.
const PocketContainer = "/pockets/pocket"

// ValueCount is one raw histogram line as the analyser sends it:
// [count, value].
type ValueCount struct {
	Count int
	Value string
}

// UnmarshalJSON accepts [count, value] where count may be a number or a
// numeric string.
func (vc *ValueCount) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("terms: histogram line: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("terms: histogram line: want 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &vc.Count); err != nil {
		var s string
		if json.Unmarshal(pair[0], &s) != nil {
			return fmt.Errorf("terms: histogram count: %w", err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("terms: histogram count %q: %w", s, err)
		}
		vc.Count = n
	}
	if err := json.Unmarshal(pair[1], &vc.Value); err != nil {
		return fmt.Errorf("terms: histogram value: %w", err)
	}
	return nil
}

// HistogramEntry is one distinct value of a node with its source URI.
// Classification against the mapping table is never stored here.
type HistogramEntry struct {
	Value     string  `json:"value"`
	Count     int     `json:"count"`
	SourceURI string  `json:"sourceUri"`
	Percent   float64 `json:"percent"`
}

// RecordContainer returns the path that holds the records: the parent of
// the record root for dropped files, the pocket wrapper otherwise.
func RecordContainer(originType, recordRoot string) string {
	if originType != "origin-drop" {
		return PocketContainer
	}
	if i := strings.LastIndex(recordRoot, "/"); i >= 0 {
		return recordRoot[:i]
	}
	return ""
}

// SourcePath strips the record container from a node path.
func SourcePath(nodePath, container string) string {
	return strings.TrimPrefix(nodePath, container)
}

// SourceURI builds the URI that identifies value at sourcePath within a
// dataset of an organisation.
func SourceURI(orgID, dataset, sourcePath, value string) string {
	return orgID + "/" + dataset + sourcePath + "/" + EscapeComponent(value)
}

var componentUnescaper = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// EscapeComponent escapes s as a single URI component, leaving the
// characters A-Z a-z 0-9 - _ . ! ~ * ' ( ) as they are.
func EscapeComponent(s string) string {
	return componentUnescaper.Replace(url.QueryEscape(s))
}

// BuildHistogram turns raw lines into entries. uri computes the source URI
// of a value; nodeCount is the occurrence count of the node and yields the
// Percent of each entry (left zero when nodeCount is not positive).
func BuildHistogram(lines []ValueCount, nodeCount int, uri func(value string) string) []HistogramEntry {
	out := make([]HistogramEntry, len(lines))
	for i, l := range lines {
		e := HistogramEntry{Value: l.Value, Count: l.Count, SourceURI: uri(l.Value)}
		if nodeCount > 0 {
			e.Percent = 100 * float64(l.Count) / float64(nodeCount)
		}
		out[i] = e
	}
	return out
}
