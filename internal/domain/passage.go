package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Passage is a statute fragment returned by the external vector index.
// The index owns it; callers only read it.
type Passage struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Source   string            `json:"source,omitempty"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// String renders the passage the way it is written to the diagnostic log.
func (p Passage) String() string {
	meta := make(map[string]string, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	if p.Source != "" {
		meta["source"] = p.Source
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("'%s': '%s'", k, meta[k]))
	}
	return fmt.Sprintf("page_content='%s' metadata={%s}", p.Text, strings.Join(pairs, ", "))
}
