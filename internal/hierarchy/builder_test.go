package hierarchy

import (
	"testing"

	"github.com/trialops/sdvlink-backend/internal/types"
)

func rec(site, subject, visit, crf, field string, entered, verified int) *types.MergedRecord {
	needing := entered - verified
	var percent float64
	if entered > 0 {
		percent = float64(verified) / float64(entered) * 100
	}
	return &types.MergedRecord{
		SiteName:          site,
		SubjectID:         subject,
		VisitName:         visit,
		CRFName:           crf,
		CRFField:          field,
		MergeKey:          subject + "|" + visit + "|" + crf + "|" + field,
		DataEntered:       entered,
		DataVerified:      verified,
		DataExpected:      1 - entered,
		DataNeedingReview: needing,
		SdvPercent:        percent,
		EstimateHours:     float64(needing) / 60,
		EstimateDays:      float64(needing) / 60 / 7,
	}
}

func TestBuildFiveLevels(t *testing.T) {
	tree := Build([]*types.MergedRecord{
		rec("Site A", "101", "Week 1", "Vitals", "Heart Rate", 1, 1),
		rec("Site A", "101", "Week 1", "Vitals", "Blood Pressure", 1, 0),
		rec("Site A", "102", "Week 1", "Vitals", "Heart Rate", 0, 0),
	})

	if len(tree.Roots) != 1 {
		t.Fatalf("expected 1 root, got %d", len(tree.Roots))
	}
	site := tree.Roots[0]
	if site.Label != "Site A" || site.Level != LevelSite {
		t.Fatalf("unexpected root %q/%s", site.Label, site.Level)
	}
	if len(site.Children) != 2 {
		t.Fatalf("expected 2 subjects, got %d", len(site.Children))
	}
	subj := site.Children[0]
	visit := subj.Children[0]
	crf := visit.Children[0]
	if len(crf.Children) != 2 {
		t.Fatalf("expected 2 field leaves, got %d", len(crf.Children))
	}
	leaf := crf.Children[0]
	if leaf.Level != LevelField || leaf.Label != "Heart Rate" {
		t.Fatalf("unexpected leaf %q/%s", leaf.Label, leaf.Level)
	}
	if leaf.Key != "Site A||101||Week 1||Vitals||Heart Rate" {
		t.Fatalf("unexpected leaf key %q", leaf.Key)
	}
}

func TestBuildRollupSums(t *testing.T) {
	tree := Build([]*types.MergedRecord{
		rec("Site A", "101", "Week 1", "Vitals", "Heart Rate", 1, 1),
		rec("Site A", "101", "Week 1", "Vitals", "Blood Pressure", 1, 0),
		rec("Site A", "101", "Week 2", "Labs", "Hemoglobin", 0, 0),
	})

	site := tree.Roots[0]
	if site.Rollup.DataEntered != 2 || site.Rollup.DataVerified != 1 {
		t.Fatalf("site rollup = %+v", site.Rollup)
	}
	if site.Rollup.DataExpected != 1 || site.Rollup.DataNeedingReview != 1 {
		t.Fatalf("site rollup = %+v", site.Rollup)
	}
	if site.Rollup.SdvPercent != 50 {
		t.Fatalf("site sdv_percent = %v, want 50", site.Rollup.SdvPercent)
	}

	// Every inner node's counts must equal the sum of its children.
	var check func(n *Node)
	check = func(n *Node) {
		if len(n.Children) == 0 {
			return
		}
		var sum Rollup
		for _, c := range n.Children {
			sum.DataEntered += c.Rollup.DataEntered
			sum.DataVerified += c.Rollup.DataVerified
			sum.DataExpected += c.Rollup.DataExpected
			sum.DataNeedingReview += c.Rollup.DataNeedingReview
			check(c)
		}
		if sum.DataEntered != n.Rollup.DataEntered || sum.DataVerified != n.Rollup.DataVerified ||
			sum.DataExpected != n.Rollup.DataExpected || sum.DataNeedingReview != n.Rollup.DataNeedingReview {
			t.Fatalf("node %q rollup %+v != child sum %+v", n.Key, n.Rollup, sum)
		}
	}
	for _, root := range tree.Roots {
		check(root)
	}
}

func TestBuildPercentFromCountsNotChildAverage(t *testing.T) {
	records := []*types.MergedRecord{rec("Site A", "101", "Week 1", "Vitals", "Heart Rate", 1, 1)}
	for i := 0; i < 99; i++ {
		records = append(records, rec("Site A", "102", "Week 1", "Vitals", fieldN(i), 1, 0))
	}
	tree := Build(records)
	site := tree.Roots[0]
	// One verified out of 100 entered is 1%, even though the two subject
	// subtrees sit at 100% and 0%.
	if site.Rollup.SdvPercent != 1 {
		t.Fatalf("site sdv_percent = %v, want 1", site.Rollup.SdvPercent)
	}
}

func fieldN(i int) string {
	return "Field " + string(rune('A'+i%26)) + string(rune('A'+i/26))
}

func TestBuildAggregatePercentIsWhole(t *testing.T) {
	tree := Build([]*types.MergedRecord{
		rec("Site A", "101", "Week 1", "Vitals", "Heart Rate", 1, 1),
		rec("Site A", "101", "Week 1", "Vitals", "Blood Pressure", 1, 0),
		rec("Site A", "101", "Week 1", "Vitals", "Temperature", 1, 0),
	})
	site := tree.Roots[0]
	// 1/3 rounds to 33, not 33.33.
	if site.Rollup.SdvPercent != 33 {
		t.Fatalf("site sdv_percent = %v, want 33", site.Rollup.SdvPercent)
	}
}

func TestBuildSameLabelDifferentParents(t *testing.T) {
	tree := Build([]*types.MergedRecord{
		rec("Site A", "101", "Week 1", "Vitals", "Heart Rate", 1, 1),
		rec("Site B", "101", "Week 1", "Vitals", "Heart Rate", 1, 0),
	})
	if len(tree.Roots) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(tree.Roots))
	}
	a := tree.Roots[0].Children[0]
	b := tree.Roots[1].Children[0]
	if a.Key == b.Key {
		t.Fatalf("subject keys collide: %q", a.Key)
	}
	if a.Rollup.DataVerified != 1 || b.Rollup.DataVerified != 0 {
		t.Fatalf("rollups crossed parents: a=%+v b=%+v", a.Rollup, b.Rollup)
	}
}

func TestFlattenCollapsedShowsRootsOnly(t *testing.T) {
	tree := Build([]*types.MergedRecord{
		rec("Site A", "101", "Week 1", "Vitals", "Heart Rate", 1, 1),
		rec("Site B", "201", "Week 1", "Vitals", "Heart Rate", 1, 0),
	})
	rows := tree.Flatten(nil)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.Depth != 0 || !row.HasChildren || row.IsExpanded {
			t.Fatalf("unexpected row %+v", row)
		}
	}
}

func TestFlattenExpandedPath(t *testing.T) {
	tree := Build([]*types.MergedRecord{
		rec("Site A", "101", "Week 1", "Vitals", "Heart Rate", 1, 1),
		rec("Site A", "102", "Week 1", "Vitals", "Heart Rate", 1, 0),
	})
	expanded := map[string]bool{
		"Site A":              true,
		"Site A||101":         true,
		"Site A||101||Week 1": true,
	}
	rows := tree.Flatten(expanded)
	// site + 2 subjects, then 101's visit and CRF (collapsed, so no leaves).
	want := []struct {
		label string
		depth int
	}{
		{"Site A", 0},
		{"101", 1},
		{"Week 1", 2},
		{"Vitals", 3},
		{"102", 1},
	}
	if len(rows) != len(want) {
		t.Fatalf("expected %d rows, got %d: %+v", len(want), len(rows), rows)
	}
	for i, w := range want {
		if rows[i].Label != w.label || rows[i].Depth != w.depth {
			t.Fatalf("row %d = %q depth %d, want %q depth %d", i, rows[i].Label, rows[i].Depth, w.label, w.depth)
		}
	}
	leafParent := rows[3]
	if !leafParent.HasChildren || leafParent.IsExpanded {
		t.Fatalf("CRF row flags wrong: %+v", leafParent)
	}
}

func TestBuildEmptyInput(t *testing.T) {
	tree := Build(nil)
	if len(tree.Roots) != 0 {
		t.Fatalf("expected empty tree, got %d roots", len(tree.Roots))
	}
	if rows := tree.Flatten(nil); len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}
