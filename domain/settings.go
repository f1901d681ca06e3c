package domain

// Settings represents user configurable options.
type Settings struct {
	PageSize      int  `json:"pageSize"`
	ShowCompleted bool `json:"displayCompletedTasks"`
}

// DefaultSettings returns the values used until the user changes them.
func DefaultSettings() Settings {
	return Settings{PageSize: 10, ShowCompleted: true}
}
