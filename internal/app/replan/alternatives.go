package replan

import "strings"

// AlternativeSelector holds the static capability-equivalence table: tool id
// to an ordered list of substitute tool ids, highest priority first.
type AlternativeSelector struct {
	table     map[string][]string
	available func(toolID string) bool
}

// NewAlternativeSelector copies table. available filters out substitutes
// that are not currently registered; nil accepts every entry.
func NewAlternativeSelector(table map[string][]string, available func(toolID string) bool) *AlternativeSelector {
	copied := make(map[string][]string, len(table))
	for toolID, alts := range table {
		copied[strings.TrimSpace(toolID)] = append([]string(nil), alts...)
	}
	return &AlternativeSelector{table: copied, available: available}
}

// FindAlternatives returns the table entry for toolID (empty if none).
func (s *AlternativeSelector) FindAlternatives(toolID string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.table[toolID]...)
}

// SelectBest returns the highest-priority alternative for stepID that is
// available and whose (stepID, toolID) pair has not been attempted.
func (s *AlternativeSelector) SelectBest(stepID string, alternatives []string, attempted func(stepID, toolID string) bool) (string, bool) {
	for _, candidate := range alternatives {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if attempted != nil && attempted(stepID, candidate) {
			continue
		}
		if s != nil && s.available != nil && !s.available(candidate) {
			continue
		}
		return candidate, true
	}
	return "", false
}
