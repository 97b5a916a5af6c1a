// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/Lookout84/toagro-backend-sub000/internal/model"
)

// RenderTemplate replaces every {{key}} with variables[key]. Keys not
// present in the map are left as literal {{key}}: fail open, so a
// missing variable never blocks delivery.
func RenderTemplate(template string, variables map[string]string) string {
	result := template
	for k, v := range variables {
		result = strings.ReplaceAll(result, "{{"+k+"}}", v)
	}
	return result
}

// BuildRecipientVariables merges the default per-recipient mapping
// {name, email, id} with the task-level variables. Task-level values
// win on collision so an operator can override the defaults.
func BuildRecipientVariables(rec model.Recipient, taskVars map[string]string) map[string]string {
	vars := map[string]string{
		"name":  rec.Name,
		"email": rec.Email,
		"id":    rec.ID,
	}
	for k, v := range taskVars {
		vars[k] = v
	}
	return vars
}
