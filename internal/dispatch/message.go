package dispatch

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"affwatch/internal/programme"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
)

const changeBodyTemplate = `## Programme {{.Verb}}

| | |
|---|---|
| Market | {{.Change.MarketKey}} |
| Programme ID | {{.Change.ProgrammeID}} |
| Detected | {{.Change.DetectedAt.Format "2006-01-02 15:04:05 MST"}} |

This change was detected by comparing the latest programme list against the
last committed snapshot for {{.Change.MarketKey}}.
`

const operatorBodyTemplate = `## Operator attention required

**{{.Subject}}**

{{.Detail}}
`

func newMarkdownConverter() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithParserOptions(parser.WithAutoHeadingID()),
	)
}

func renderMarkdown(converter goldmark.Markdown, markdown string) (string, error) {
	var buf bytes.Buffer
	if err := converter.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

func changeSubject(change programme.Change) string {
	switch change.Kind {
	case programme.KindAppeared:
		return fmt.Sprintf("[affwatch] New programme %s (%s)", change.ProgrammeID, change.MarketKey)
	case programme.KindDisappeared:
		return fmt.Sprintf("[affwatch] Programme %s removed (%s)", change.ProgrammeID, change.MarketKey)
	default:
		return fmt.Sprintf("[affwatch] Programme %s changed (%s)", change.ProgrammeID, change.MarketKey)
	}
}

func (d *Dispatcher) changeBody(change programme.Change) (string, error) {
	verb := "appeared"
	if change.Kind == programme.KindDisappeared {
		verb = "disappeared"
	}
	markdown, err := renderTemplate(changeBodyTemplate, struct {
		Verb   string
		Change programme.Change
	}{Verb: verb, Change: change})
	if err != nil {
		return "", err
	}
	return renderMarkdown(d.converter, markdown)
}

func (d *Dispatcher) operatorBody(subject, detail string) (string, error) {
	markdown, err := renderTemplate(operatorBodyTemplate, struct {
		Subject string
		Detail  string
	}{Subject: subject, Detail: detail})
	if err != nil {
		return "", err
	}
	return renderMarkdown(d.converter, markdown)
}

func renderTemplate(text string, data any) (string, error) {
	tmpl, err := template.New("alert").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse alert template: %w", err)
	}
	var builder strings.Builder
	if err := tmpl.Execute(&builder, data); err != nil {
		return "", fmt.Errorf("execute alert template: %w", err)
	}
	return builder.String(), nil
}
