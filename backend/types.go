package backend

import (
	"github.com/hazyhaar/narthex/tagtree"
	"github.com/hazyhaar/narthex/terms"
)

// Dataset is one entry of the tracked-entity list.
type Dataset struct {
	Name string `json:"name"`
}

// Progress is the analysis job state reported for a dataset. Percent and
// Workers are both zero once the job has nothing left to do.
type Progress struct {
	State   string `json:"state"`
	Percent int    `json:"percent"`
	Workers int    `json:"workers"`
}

// Working reports whether the backend job still has work in progress.
func (p Progress) Working() bool { return p.Percent > 0 || p.Workers > 0 }

// Origin tells how the dataset entered the system.
type Origin struct {
	Type string `json:"type"`
}

// OriginDrop is the origin type of uploaded files.
const OriginDrop = "origin-drop"

// DatasetInfo is the reply to a status fetch.
type DatasetInfo struct {
	Status  Progress                   `json:"status"`
	Delimit tagtree.DelimiterSelection `json:"delimit"`
	Origin  Origin                     `json:"origin"`
}

type listReply []Dataset

type sampleReply struct {
	Sample []string `json:"sample"`
}

type histogramReply struct {
	Histogram []terms.ValueCount `json:"histogram"`
}

type recordQuery struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

type mappingsReply struct {
	Mappings []mappingRecord `json:"mappings"`
}

// mappingRecord is one source-to-concept mapping as the service stores it.
type mappingRecord struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	Vocabulary string `json:"vocabulary"`
	PrefLabel  string `json:"prefLabel"`
	Remove     string `json:"remove,omitempty"`
}
