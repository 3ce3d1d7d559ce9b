package model

import "sort"

// Category is one of the fixed labels allowed when tags run in closed mode.
type Category string

const (
	CategoryPersonal      Category = "personal"
	CategoryWork          Category = "work"
	CategoryHealth        Category = "health"
	CategoryFinance       Category = "finance"
	CategoryTravel        Category = "travel"
	CategoryFood          Category = "food"
	CategoryLearning      Category = "learning"
	CategoryRelationships Category = "relationships"
	CategoryProjects      Category = "projects"
	CategoryIdeas         Category = "ideas"
)

// CategoryDescription is the lookup table for the closed vocabulary.
var CategoryDescription = map[Category]string{
	CategoryPersonal:      "Personal facts, preferences and habits",
	CategoryWork:          "Job, colleagues, meetings and workplace context",
	CategoryHealth:        "Health, fitness, medication and appointments",
	CategoryFinance:       "Money, budgets, accounts and purchases",
	CategoryTravel:        "Trips, places, bookings and itineraries",
	CategoryFood:          "Food, recipes, restaurants and dietary notes",
	CategoryLearning:      "Courses, books, skills and study notes",
	CategoryRelationships: "Family, friends and important dates",
	CategoryProjects:      "Ongoing projects, tasks and goals",
	CategoryIdeas:         "Ideas, plans and things to try",
}

// Valid reports whether c belongs to the closed vocabulary.
func (c Category) Valid() bool {
	_, ok := CategoryDescription[c]
	return ok
}

// Categories returns the closed vocabulary in name order.
func Categories() []Category {
	out := make([]Category, 0, len(CategoryDescription))
	for c := range CategoryDescription {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
