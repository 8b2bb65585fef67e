package services

import (
	"fmt"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
)

func invalidChoice(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrInvalidChoice, fmt.Sprintf(format, args...))
}

// ApplyChoices settles every pending filter of plan. Each pending filter
// needs exactly one choice, which either indexes its deduplicated candidate
// list or skips to text matching. Nothing is modified unless all choices
// are valid.
func ApplyChoices(plan *models.ResolvedPlan, choices []models.DisambiguationChoice) error {
	pending := make(map[int]bool)
	for _, i := range plan.PendingIndexes() {
		pending[i] = true
	}

	byFilter := make(map[int]models.DisambiguationChoice, len(choices))
	for _, c := range choices {
		if !pending[c.FilterIndex] {
			return invalidChoice("filter %d is not awaiting a choice", c.FilterIndex)
		}
		if _, dup := byFilter[c.FilterIndex]; dup {
			return invalidChoice("filter %d has more than one choice", c.FilterIndex)
		}
		if c.Skip == (c.Choice != nil) {
			return invalidChoice("filter %d needs either a choice or skip", c.FilterIndex)
		}
		if c.Choice != nil {
			n := len(DedupByEntity(plan.Filters[c.FilterIndex].Resolved))
			if *c.Choice < 0 || *c.Choice >= n {
				return invalidChoice("choice %d for filter %d is out of range [0, %d)", *c.Choice, c.FilterIndex, n)
			}
		}
		byFilter[c.FilterIndex] = c
	}
	for i := range pending {
		if _, ok := byFilter[i]; !ok {
			return invalidChoice("filter %d has no choice", i)
		}
	}

	for i, c := range byFilter {
		f := &plan.Filters[i]
		if c.Skip {
			f.Decision = models.DecisionTextMatch
			continue
		}
		picked := DedupByEntity(f.Resolved)[*c.Choice]
		f.Selected = &picked
		f.Decision = models.DecisionChosen
	}
	return nil
}
