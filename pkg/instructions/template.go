package instructions

import (
	"errors"
	"fmt"
	"strings"
	"text/template"
)

var (
	// ErrTemplateTooLarge indicates the custom template exceeded the
	// configured size limit and the default template was used instead.
	ErrTemplateTooLarge = errors.New("instruction template exceeds size limit")

	// ErrTemplateCompile indicates the custom template failed to compile
	// or render and the default template was used instead.
	ErrTemplateCompile = errors.New("instruction template failed")
)

// templateFuncs are available to both custom and default templates.
var templateFuncs = template.FuncMap{
	"join": strings.Join,
}

// defaultTemplateText is the built-in instruction document.
const defaultTemplateText = `# {{.Title}}
{{- if .HasInstructionalServers}}

{{.ServerCount}} connected {{.PluralServers}} {{.IsAre}} providing instructions: {{join .ServerNames ", "}}.

Capabilities are namespaced per server. Tool names follow the pattern
` + "`{{.ToolPattern}}`" + `; resources are addressed as ` + "`<server>/<uri>`" + `.
{{- if .FilterContext}}

Active filter: {{.FilterContext}}
{{- end}}

{{.Instructions}}
{{- else if .HasServers}}

{{.ConnectedServerCount}} {{.ConnectedPluralServers}} {{.ConnectedIsAre}} connected; none provide instructions.
{{- else}}

No servers are currently connected.
{{- end}}
{{- range .Examples}}
{{.}}
{{- end}}
`

// errorDocument is returned when even the default template cannot render.
const errorDocument = "Instructions are temporarily unavailable."

// render executes the custom template when it is valid, falling back to the
// default template on size or compile/execute failure. The returned string
// is always usable; the error reports why a fallback happened.
func render(templateText string, sizeLimit int, vars Variables) (string, error) {
	if templateText != "" {
		if sizeLimit > 0 && len(templateText) > sizeLimit {
			out := renderDefault(vars)
			return out, fmt.Errorf("%w: %d bytes, limit %d", ErrTemplateTooLarge, len(templateText), sizeLimit)
		}
		out, err := execute(templateText, vars)
		if err == nil {
			return out, nil
		}
		return renderDefault(vars), fmt.Errorf("%w: %v", ErrTemplateCompile, err)
	}
	return renderDefault(vars), nil
}

func renderDefault(vars Variables) string {
	out, err := execute(defaultTemplateText, vars)
	if err != nil {
		return errorDocument
	}
	return out
}

func execute(text string, vars Variables) (string, error) {
	tmpl, err := template.New("instructions").Funcs(templateFuncs).Parse(text)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}
