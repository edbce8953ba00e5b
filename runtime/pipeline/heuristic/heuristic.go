// Package heuristic implements the six analysis stages with deterministic
// lexicon matching. It is the default stage set when no model provider is
// configured and the reference double in tests: identical inputs always
// produce identical results.
package heuristic

import (
	"sort"

	"goa.design/callanalysis/runtime/pipeline"
)

// Stages returns the six heuristic stages in execution order. A nil lexicon
// selects DefaultLexicon.
func Stages(lex *Lexicon) []pipeline.Stage {
	if lex == nil {
		lex = DefaultLexicon()
	}
	return []pipeline.Stage{
		&ConversationStage{lex: lex},
		&PsychologyStage{lex: lex},
		&ObjectionsStage{lex: lex},
		&DealRiskStage{},
		&ActionPlanStage{},
		&QualificationStage{},
	}
}

// matches returns the sorted keys of groups with at least one phrase found
// in s, ordered by descending hit count.
func matches(s string, groups map[string][]string) []string {
	type hit struct {
		name string
		n    int
	}
	var hits []hit
	for name, phrases := range groups {
		if n := count(s, phrases); n > 0 {
			hits = append(hits, hit{name, n})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].n != hits[j].n {
			return hits[i].n > hits[j].n
		}
		return hits[i].name < hits[j].name
	})
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.name
	}
	return out
}
