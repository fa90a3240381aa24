// Package processor turns the text of an inbound message into reply text.
package processor

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Processor derives a reply body from the text of an inbound message.
// Implementations must honor ctx cancellation where they block.
type Processor interface {
	Process(ctx context.Context, text string) (string, error)
}

// Func adapts an ordinary function to Processor.
type Func func(ctx context.Context, text string) (string, error)

func (f Func) Process(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

const DefaultPrefix = "Processed: "

// Prefix prepends a fixed string. The zero value prepends nothing.
type Prefix string

func (p Prefix) Process(_ context.Context, text string) (string, error) {
	return string(p) + text, nil
}

// Template renders a text/template with the inbound text as .Text.
type Template struct {
	tmpl *template.Template
}

type templateData struct {
	Text string
	Now  time.Time
}

func NewTemplate(source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("template is empty")
	}
	tmpl, err := template.New("reply").Option("missingkey=error").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}
	return &Template{tmpl: tmpl}, nil
}

func (t *Template) Process(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, templateData{Text: text, Now: time.Now()}); err != nil {
		return "", fmt.Errorf("rendering template: %w", err)
	}
	return buf.String(), nil
}
