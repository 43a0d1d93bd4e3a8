// Package taxonomy holds the category vocabulary presented to the model
// when it writes timeline cards.
package taxonomy

// Category is one entry in the classification vocabulary. Idle categories
// mark time away from the machine rather than an activity.
type Category struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Idle        bool   `json:"idle"`
}

// Default is the built-in vocabulary. Order matters: it is the order the
// model sees the options in.
func Default() []Category {
	return []Category{
		{Name: "Work", Description: "Professional tasks: coding, documents, meetings, email, project tools."},
		{Name: "Learning", Description: "Courses, tutorials, documentation read to build a skill."},
		{Name: "Communication", Description: "Chat, video calls, and social messaging outside of work tools."},
		{Name: "Entertainment", Description: "Videos, games, social feeds, casual browsing."},
		{Name: "Personal", Description: "Errands, finances, shopping, health, household admin."},
		{Name: "Idle", Description: "Screen on with no meaningful interaction.", Idle: true},
		{Name: "Away", Description: "User away from the machine.", Idle: true},
	}
}

// Names returns just the category names, for validation of model output.
func Names(cats []Category) []string {
	names := make([]string, 0, len(cats))
	for _, c := range cats {
		names = append(names, c.Name)
	}
	return names
}
