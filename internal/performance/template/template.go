// Package template renders request URLs, headers and bodies with
// per-request randomized parameters.
//
// Templates use text/template syntax with a few conveniences:
//
//	{{baseUrl}}/products/{{randInt 1 100}}
//	{"id": "{{uuid}}", "name": "{{randChoice "a" "b"}}"}
//
// A bare {{name}} that is not a function is rewritten to {{.name}} and
// looked up in the variables passed to Render.
package template

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
)

var funcs = template.FuncMap{
	"randInt":    randInt,
	"randChoice": randChoice,
	"uuid":       func() string { return uuid.NewString() },
	"timestamp":  func() string { return strconv.FormatInt(time.Now().Unix(), 10) },
	"now":        func() string { return time.Now().UTC().Format(time.RFC3339) },
}

// bareVar matches {{ident}} with optional inner whitespace.
var bareVar = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Template is a compiled request template. It is safe for concurrent use.
type Template struct {
	raw  string
	tmpl *template.Template
}

// Compile parses text. Text without actions renders to itself.
func Compile(name, text string) (*Template, error) {
	t := &Template{raw: text}
	if !strings.Contains(text, "{{") {
		return t, nil
	}

	tmpl, err := template.New(name).
		Funcs(funcs).
		Option("missingkey=error").
		Parse(preprocess(text))
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", name, err)
	}
	t.tmpl = tmpl
	return t, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(name, text string) *Template {
	t, err := Compile(name, text)
	if err != nil {
		panic(err)
	}
	return t
}

// Render executes the template with vars.
func (t *Template) Render(vars map[string]any) (string, error) {
	if t == nil {
		return "", nil
	}
	if t.tmpl == nil {
		return t.raw, nil
	}

	var sb strings.Builder
	if err := t.tmpl.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("render template %q: %w", t.tmpl.Name(), err)
	}
	return sb.String(), nil
}

// Raw returns the original template text.
func (t *Template) Raw() string {
	if t == nil {
		return ""
	}
	return t.raw
}

// IsStatic reports whether the template contains no actions.
func (t *Template) IsStatic() bool {
	return t == nil || t.tmpl == nil
}

func preprocess(text string) string {
	return bareVar.ReplaceAllStringFunc(text, func(m string) string {
		name := bareVar.FindStringSubmatch(m)[1]
		if _, isFunc := funcs[name]; isFunc {
			return m
		}
		return "{{." + name + "}}"
	})
}

// randInt returns a uniform integer in [lo, hi].
func randInt(lo, hi int) (int, error) {
	if hi < lo {
		return 0, fmt.Errorf("randInt: max %d < min %d", hi, lo)
	}
	return lo + rand.IntN(hi-lo+1), nil
}

func randChoice(options ...string) (string, error) {
	if len(options) == 0 {
		return "", fmt.Errorf("randChoice: no options")
	}
	return options[rand.IntN(len(options))], nil
}
