package plan

import "time"

// ActionRecord is the stored form of an action: elements are referenced by ID.
type ActionRecord struct {
	Kind        ActionKind `json:"kind" yaml:"kind"`
	Subject     string     `json:"subject" yaml:"subject"`
	Source      string     `json:"source,omitempty" yaml:"source,omitempty"`
	Destination string     `json:"destination,omitempty" yaml:"destination,omitempty"`
	Start       int        `json:"start" yaml:"start"`
	Finish      int        `json:"finish" yaml:"finish"`
}

// Record is the stored form of a plan, detached from its configurations.
type Record struct {
	ID        string    `json:"id" yaml:"id"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	// Source is the fingerprint of the configuration the plan applies to.
	Source   string         `json:"source" yaml:"source"`
	Duration int            `json:"duration" yaml:"duration"`
	Stats    Stats          `json:"stats" yaml:"stats"`
	Actions  []ActionRecord `json:"actions" yaml:"actions"`
}

// Record returns the stored form of the plan, with actions by finish time.
func (p *TimedReconfigurationPlan) Record() Record {
	r := Record{
		ID:        p.ID.String(),
		CreatedAt: p.CreatedAt,
		Duration:  p.Duration(),
		Stats:     p.Stats,
		Actions:   make([]ActionRecord, 0, len(p.Actions)),
	}
	if p.Source != nil {
		r.Source = p.Source.Fingerprint()
	}
	for _, a := range p.Sorted() {
		ar := ActionRecord{Kind: a.Kind, Subject: a.Subject(), Start: a.Start, Finish: a.Finish}
		if a.Source != nil {
			ar.Source = a.Source.ID
		}
		if a.Destination != nil {
			ar.Destination = a.Destination.ID
		}
		r.Actions = append(r.Actions, ar)
	}
	return r
}
