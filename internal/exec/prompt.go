package exec

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/ShayCichocki/relay/pkg/models"
)

// DefaultPromptTemplate is used for agents without a prompt template.
const DefaultPromptTemplate = `You are {{.Agent.Name}}, acting as {{.Agent.Role}}.
Overall goal: {{.Context.Goal}}

Your task ({{.Task.Name}}):
{{.Task.Description}}
{{- if .Context.Dependencies}}

Results from earlier tasks:
{{- range .Context.Dependencies}}
### {{.Name}}
{{.Output}}
{{- end}}
{{- end}}
{{- if .Context.Memory}}

Notes you kept from earlier work:
{{- range .Context.Memory}}
- {{.}}
{{- end}}
{{- end}}
{{- if .Context.Corrective}}

{{.Context.Corrective}}
{{- end}}
{{- if .Context.Candidates}}

Candidate answers:
{{- range $i, $c := .Context.Candidates}}
--- candidate {{inc $i}} ---
{{$c}}
{{- end}}
{{- end}}
{{- if .Context.Critique}}

Critique:
{{.Context.Critique}}
{{- end}}

End your answer with a line "confidence: <0-1>".`

var funcs = template.FuncMap{
	"inc":  func(i int) int { return i + 1 },
	"join": strings.Join,
}

// Render renders the agent's prompt template for the request.
func Render(req Request) (string, error) {
	text := DefaultPromptTemplate
	if req.Agent != nil && strings.TrimSpace(req.Agent.PromptTemplate) != "" {
		text = req.Agent.PromptTemplate
	}

	if req.Agent == nil {
		req.Agent = &models.AgentDefinition{}
	}
	if req.Task == nil {
		req.Task = &models.Task{}
	}
	name := req.Agent.Name
	if name == "" {
		name = "prompt"
	}
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse prompt template for %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("render prompt for %s: %w", name, err)
	}
	return buf.String(), nil
}

var confidenceLine = regexp.MustCompile(`(?im)^\s*confidence\s*[:=]\s*([01](?:\.\d+)?)\s*$`)

// ParseConfidence strips a trailing "confidence: x" line from text and
// returns the remaining output and the parsed value, if any.
func ParseConfidence(text string) (string, *float64) {
	locs := confidenceLine.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return strings.TrimSpace(text), nil
	}
	last := locs[len(locs)-1]
	v, err := strconv.ParseFloat(text[last[2]:last[3]], 64)
	if err != nil || v < 0 || v > 1 {
		return strings.TrimSpace(text), nil
	}
	out := strings.TrimSpace(text[:last[0]] + text[last[1]:])
	return out, &v
}
