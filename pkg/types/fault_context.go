package types

import "time"

// DiagnosticFinding is one entry of the normalized diagnostic bundle produced
// by the external diagnostic tool (spec.md §3).
type DiagnosticFinding struct {
	Kind      string   `json:"kind"`
	Name      string   `json:"name"`
	Namespace string   `json:"namespace"`
	Errors    []string `json:"errors"`
	Parent    string   `json:"parent,omitempty"`
}

// FaultContext is the immutable diagnostic bundle attached to an incident
// once built; downstream agents never mutate it.
type FaultContext struct {
	Resource  ResourceRef         `json:"resource"`
	Findings  []DiagnosticFinding `json:"findings"`
	LogTail   []string            `json:"log_tail"`
	Events    []string            `json:"events"`
	Manifest  string              `json:"manifest"`
	Errors    []string            `json:"errors,omitempty"`
	BuiltAt   time.Time           `json:"built_at"`
}

// HasError reports whether the fault context recorded a named collector
// error such as "diagnostic-timeout" or "diagnostic-unavailable".
func (f FaultContext) HasError(name string) bool {
	for _, e := range f.Errors {
		if e == name {
			return true
		}
	}
	return false
}
