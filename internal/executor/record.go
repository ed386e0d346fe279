package executor

import "fmt"

// Status is an IndexRecord's place in the C8-owned state machine:
// proposed → building → active → {deprecated|dropped|rolled-back|
// failed}. Transitions only happen via this executor.
type Status string

const (
	StatusProposed   Status = "proposed"
	StatusBuilding   Status = "building"
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
	StatusDropped    Status = "dropped"
	StatusRolledBack Status = "rolled-back"
	StatusFailed     Status = "failed"
)

// legalTransitions enumerates the only moves the state machine permits.
var legalTransitions = map[Status][]Status{
	StatusProposed: {StatusBuilding, StatusFailed},
	StatusBuilding: {StatusActive, StatusFailed},
	StatusActive:   {StatusDeprecated, StatusDropped, StatusRolledBack},
}

// CheckTransition returns an error for any move not in legalTransitions;
// production code always checks this before writing a new status rather
// than panicking.
func CheckTransition(from, to Status) error {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("illegal index record transition %s -> %s", from, to)
}

// IndexRecord is a committed index.
type IndexRecord struct {
	ID          int64
	ScopeTenant string
	ScopeTable  string
	Name        string
	Kind        string
	Columns     []string
	Predicate   string
	IncludeCols []string
	Status      Status
	Version     int
	Improvement *float64
}

// Scope renders the (tenant, table) key.
func (r IndexRecord) Scope() string {
	if r.ScopeTenant == "" {
		return r.ScopeTable
	}
	return r.ScopeTenant + ":" + r.ScopeTable
}
