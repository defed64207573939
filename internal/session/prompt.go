package session

import "fmt"

const migrationPromptMessage = "Create an account to keep:"

// GenerateMigrationPrompt descreve o que o visitante preserva ao criar uma conta
func (s *Service) GenerateMigrationPrompt() MigrationPrompt {
	if !s.HasDataToMigrate() {
		return MigrationPrompt{Items: []string{}}
	}
	return buildMigrationPrompt(s.GetMigrationSummary())
}

func buildMigrationPrompt(summary MigrationSummary) MigrationPrompt {
	items := []string{}
	switch {
	case summary.SavedProperties == 1:
		items = append(items, "1 saved property")
	case summary.SavedProperties > 1:
		items = append(items, fmt.Sprintf("%d saved properties", summary.SavedProperties))
	}
	if summary.HasSessionData {
		items = append(items, "Your conversation with the AI assistant", "Your search preferences")
	}

	return MigrationPrompt{
		Show:    true,
		Message: migrationPromptMessage,
		Items:   items,
	}
}
