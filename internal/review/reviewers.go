package review

import (
	"steward/internal/domain"
	"steward/internal/policy"
)

// ReviewerSet is the reviewer assignment for a set of changed files.
type ReviewerSet struct {
	Categories []policy.Category `json:"categories"`
	Required   []string          `json:"required"`
	Optional   []string          `json:"optional"`
}

// DetermineReviewersForFiles classifies every path, unions the reviewer sets
// of all matched categories and drops optional reviewers that are already
// required. With a unit, its primary agent is added as an optional
// reviewer.
func (s *Service) DetermineReviewersForFiles(files []string, unitID string) (ReviewerSet, error) {
	if unitID != "" {
		if _, ok := s.Registry.Unit(unitID); !ok {
			return ReviewerSet{}, domain.Errorf(domain.CodeUnknownUnit, "unit %q does not exist", unitID)
		}
	}
	return s.reviewersForFiles(files, unitID), nil
}

func (s *Service) reviewersForFiles(files []string, unitID string) ReviewerSet {
	seen := map[policy.Category]bool{}
	for _, f := range files {
		for _, c := range policy.ClassifyFile(f) {
			seen[c] = true
		}
	}
	var set ReviewerSet
	for _, c := range policy.Categories() {
		if !seen[c] {
			continue
		}
		set.Categories = append(set.Categories, c)
		entry := s.Registry.Category(c)
		set.Required = union(set.Required, entry.Required)
		set.Optional = union(set.Optional, entry.Optional)
	}
	if u, ok := s.Registry.Unit(unitID); ok && u.PrimaryAgent != "" && len(set.Categories) > 0 {
		set.Optional = union(set.Optional, []string{u.PrimaryAgent})
	}
	set.Optional = subtract(set.Optional, set.Required)
	if set.Required == nil {
		set.Required = []string{}
	}
	return set
}

// primaryCategory picks the first matched category in enumeration order,
// which puts the most specific domains ahead of config, content and code.
func primaryCategory(cats []policy.Category) policy.Category {
	if len(cats) == 0 {
		return ""
	}
	return cats[0]
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func subtract(in, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, s := range remove {
		drop[s] = true
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !drop[s] {
			out = append(out, s)
		}
	}
	return out
}
