package model

// Criterion is one named sub-score of the fixed evaluation rubric, with its
// inclusive upper bound. Sub-scores are always in [0, Max].
type Criterion struct {
	Name string
	Max  int
}

// Criteria is the fixed rubric. Totals are declared out of MaxTotal.
var Criteria = []Criterion{
	{Name: "relevance", Max: 20},
	{Name: "originality", Max: 20},
	{Name: "humor", Max: 30},
	{Name: "structure", Max: 15},
	{Name: "visual", Max: 15},
}

// MaxTotal is the maximum declared total across all criteria.
const MaxTotal = 100

// CriterionMax returns the upper bound for a named criterion, or -1 when the
// criterion is not part of the rubric.
func CriterionMax(name string) int {
	for _, c := range Criteria {
		if c.Name == name {
			return c.Max
		}
	}
	return -1
}

// PanelCount is the fixed number of panels in a comic script.
const PanelCount = 4
