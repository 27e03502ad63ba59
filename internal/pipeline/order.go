package pipeline

import (
	"slices"

	"pmwflow/internal/config"
)

// Stage names of the default content pipeline.
const (
	StageResearch = "research"
	StagePlanning = "planning"
	StageContent  = "content"
	StageMedia    = "media"
	StagePublish  = "publish"
)

// Step describes one stage of the default order.
type Step struct {
	Name      string
	Threshold *float64
	NonFatal  bool
}

// DefaultOrder returns the stock pipeline with its judge thresholds.
// Configuration may override thresholds per stage.
func DefaultOrder() []Step {
	research := 0.75
	planning := 0.80
	content := 0.80
	return []Step{
		{Name: StageResearch, Threshold: &research},
		{Name: StagePlanning, Threshold: &planning},
		{Name: StageContent, Threshold: &content},
		{Name: StageMedia, NonFatal: true},
		{Name: StagePublish},
	}
}

// Order is the sequence stages run in.
type Order []string

// NewOrder builds an order from the configured stage list.
func NewOrder(cfg *config.Config) Order {
	return Order(cfg.StageNames())
}

// First returns the entry stage.
func (o Order) First() string {
	if len(o) == 0 {
		return ""
	}
	return o[0]
}

// Index returns the position of name, or -1.
func (o Order) Index(name string) int {
	return slices.Index(o, name)
}

// Next returns the stage after name and whether one exists.
func (o Order) Next(name string) (string, bool) {
	idx := o.Index(name)
	if idx < 0 || idx+1 >= len(o) {
		return "", false
	}
	return o[idx+1], true
}

// IsLast reports whether name is the final stage.
func (o Order) IsLast(name string) bool {
	return len(o) > 0 && o[len(o)-1] == name
}
