package hierarchy

import (
	"math"
	"strings"

	"github.com/trialops/sdvlink-backend/internal/types"
)

type Level string

const (
	LevelSite    Level = "site"
	LevelSubject Level = "subject"
	LevelVisit   Level = "visit"
	LevelCRF     Level = "crf"
	LevelField   Level = "field"
)

// keySep joins ancestor labels into a node key. Node identity must include
// the full path: two sites can each have a subject "101", and expansion
// state tracked by bare label would collapse both at once.
const keySep = "||"

// Rollup is the numeric metric set carried by every node. On leaves it is
// copied from the merged record; on inner nodes every field is the sum of
// the children except SdvPercent, which is recomputed from the summed
// entered/verified counts.
type Rollup struct {
	DataEntered       int     `json:"data_entered"`
	DataVerified      int     `json:"data_verified"`
	DataExpected      int     `json:"data_expected"`
	DataNeedingReview int     `json:"data_needing_review"`
	SdvPercent        float64 `json:"sdv_percent"`
	OpenedQueries     int     `json:"opened_queries"`
	AnsweredQueries   int     `json:"answered_queries"`
	EstimateHours     float64 `json:"estimate_hours"`
	EstimateDays      float64 `json:"estimate_days"`
}

type Node struct {
	Key      string  `json:"key"`
	Label    string  `json:"label"`
	Level    Level   `json:"level"`
	Rollup   Rollup  `json:"rollup"`
	Children []*Node `json:"children,omitempty"`

	childIndex map[string]*Node
}

type Tree struct {
	Roots []*Node `json:"roots"`

	rootIndex map[string]*Node
}

// FlatNode is one display row of a depth-first flattening.
type FlatNode struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Level       Level  `json:"level"`
	Depth       int    `json:"depth"`
	HasChildren bool   `json:"has_children"`
	IsExpanded  bool   `json:"is_expanded"`
	Rollup      Rollup `json:"rollup"`
}

var innerLevels = []Level{LevelSite, LevelSubject, LevelVisit, LevelCRF}

// Build turns flat merged records into the Site > Subject > Visit > CRF >
// Field tree. Aggregation is incremental: as each leaf attaches, its counts
// are summed into every ancestor, so no second full pass over the tree is
// needed and the whole build stays O(n * depth).
func Build(records []*types.MergedRecord) *Tree {
	tree := &Tree{rootIndex: make(map[string]*Node)}

	for _, rec := range records {
		labels := []string{rec.SiteName, rec.SubjectID, rec.VisitName, rec.CRFName}

		path := make([]*Node, 0, len(labels))
		var parent *Node
		for depth, label := range labels {
			node := tree.child(parent, label, innerLevels[depth])
			path = append(path, node)
			parent = node
		}

		leaf := &Node{
			Key:    parent.Key + keySep + fieldLabel(rec),
			Label:  fieldLabel(rec),
			Level:  LevelField,
			Rollup: leafRollup(rec),
		}
		parent.Children = append(parent.Children, leaf)

		for _, ancestor := range path {
			addInto(&ancestor.Rollup, leaf.Rollup)
		}
	}
	return tree
}

// child finds or creates the named child under parent (or a root when
// parent is nil), preserving first-seen order.
func (t *Tree) child(parent *Node, label string, level Level) *Node {
	index := t.rootIndex
	if parent != nil {
		if parent.childIndex == nil {
			parent.childIndex = make(map[string]*Node)
		}
		index = parent.childIndex
	}
	if node, ok := index[label]; ok {
		return node
	}
	key := label
	if parent != nil {
		key = parent.Key + keySep + label
	}
	node := &Node{Key: key, Label: label, Level: level}
	index[label] = node
	if parent != nil {
		parent.Children = append(parent.Children, node)
	} else {
		t.Roots = append(t.Roots, node)
	}
	return node
}

// addInto sums a leaf's counts into an inner node and recomputes the
// node's percentage from its own summed counts. Percentages are never
// averaged across children: 1/1 and 0/99 must roll up to 1%, not 50%.
func addInto(agg *Rollup, leaf Rollup) {
	agg.DataEntered += leaf.DataEntered
	agg.DataVerified += leaf.DataVerified
	agg.DataExpected += leaf.DataExpected
	agg.DataNeedingReview += leaf.DataNeedingReview
	agg.OpenedQueries += leaf.OpenedQueries
	agg.AnsweredQueries += leaf.AnsweredQueries
	agg.EstimateHours += leaf.EstimateHours
	agg.EstimateDays += leaf.EstimateDays
	if agg.DataEntered == 0 {
		agg.SdvPercent = 0
	} else {
		// Aggregate levels report whole percents; only leaves keep the
		// 2-decimal precision.
		agg.SdvPercent = math.Round(float64(agg.DataVerified) / float64(agg.DataEntered) * 100)
	}
}

func leafRollup(rec *types.MergedRecord) Rollup {
	return Rollup{
		DataEntered:       rec.DataEntered,
		DataVerified:      rec.DataVerified,
		DataExpected:      rec.DataExpected,
		DataNeedingReview: rec.DataNeedingReview,
		SdvPercent:        rec.SdvPercent,
		OpenedQueries:     rec.OpenedQueries,
		AnsweredQueries:   rec.AnsweredQueries,
		EstimateHours:     rec.EstimateHours,
		EstimateDays:      rec.EstimateDays,
	}
}

func fieldLabel(rec *types.MergedRecord) string {
	if s := strings.TrimSpace(rec.CRFField); s != "" {
		return s
	}
	return rec.MergeKey
}

// Flatten walks the tree depth-first and emits one row per visible node.
// Children of a node whose key is absent from expanded are not emitted.
func (t *Tree) Flatten(expanded map[string]bool) []FlatNode {
	out := make([]FlatNode, 0)
	for _, root := range t.Roots {
		out = flattenInto(out, root, 0, expanded)
	}
	return out
}

func flattenInto(out []FlatNode, node *Node, depth int, expanded map[string]bool) []FlatNode {
	isExpanded := expanded[node.Key]
	out = append(out, FlatNode{
		Key:         node.Key,
		Label:       node.Label,
		Level:       node.Level,
		Depth:       depth,
		HasChildren: len(node.Children) > 0,
		IsExpanded:  isExpanded,
		Rollup:      node.Rollup,
	})
	if !isExpanded {
		return out
	}
	for _, child := range node.Children {
		out = flattenInto(out, child, depth+1, expanded)
	}
	return out
}
