package util

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

var (
	templatesMu sync.Mutex
	templates   = make(map[string]*template.Template)
)

var templateFuncs = template.FuncMap{
	"default": func(fallback, val any) any {
		if val == nil || val == "" {
			return fallback
		}
		return val
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"join": func(sep string, items any) string {
		switch list := items.(type) {
		case []string:
			return strings.Join(list, sep)
		case []any:
			parts := make([]string, len(list))
			for i, item := range list {
				parts[i] = fmt.Sprint(item)
			}
			return strings.Join(parts, sep)
		default:
			return fmt.Sprint(items)
		}
	},
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

// RenderTemplate expands {{ }} actions in worker instructions against vars.
// Text without actions is returned unchanged. Parsed templates are cached by
// their source text since the same instructions are rendered on every turn.
func RenderTemplate(text string, vars map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := parseTemplate(text)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", err
	}

	return sb.String(), nil
}

func parseTemplate(text string) (*template.Template, error) {
	templatesMu.Lock()
	defer templatesMu.Unlock()

	if tmpl, ok := templates[text]; ok {
		return tmpl, nil
	}

	tmpl, err := template.New("instructions").Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, err
	}
	templates[text] = tmpl

	return tmpl, nil
}
