package taxchat

import (
	"fmt"
	"strings"
	"text/template"
)

const DefaultSystemPromptTemplate = `You are a helpful tax assistant specializing in Indian taxation. You help users understand their tax documents, calculate taxes, and provide guidance on tax-related matters. You can analyze tax documents like Form 16, ITR forms, and other financial documents. Always be clear and precise in your explanations.

Today is {{ now | date "2 January 2006" }}. The current financial year is FY {{ financialYear now }} and the matching assessment year is AY {{ assessmentYear now }}.
{{- with .Vars.audience }}
The user is {{ . }}.
{{- end }}
`

// SystemPromptData is the template input for the system prompt.
type SystemPromptData struct {
	Vars map[string]any
}

// RenderSystemPrompt executes tmpl, or the default persona when tmpl is empty.
// The prompt is rendered once per process and shared by every request.
func RenderSystemPrompt(tmpl string, vars map[string]any) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultSystemPromptTemplate
	}
	t, err := template.New("system_prompt").Funcs(PromptTemplateFuncs()).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse system prompt template: %w", err)
	}
	if vars == nil {
		vars = map[string]any{}
	}
	var sb strings.Builder
	if err := t.Execute(&sb, SystemPromptData{Vars: vars}); err != nil {
		return "", fmt.Errorf("execute system prompt template: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}
