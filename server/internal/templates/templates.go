package templates

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

//go:embed *.html partials/*.html
var FS embed.FS

// goldmark escapes raw HTML unless html.WithUnsafe is set
var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Parse returns the parsed templates with custom functions
func Parse() (*template.Template, error) {
	funcMap := template.FuncMap{
		"formatNumber":  formatNumber,
		"formatCost":    formatCost,
		"formatMinutes": formatMinutes,
		"formatTime":    formatTime,
		"markdown":      Markdown,
	}

	return template.New("").Funcs(funcMap).ParseFS(FS, "*.html", "partials/*.html")
}

func formatNumber(n int64) string {
	return humanize.Comma(n)
}

func formatCost(cost float64) string {
	return fmt.Sprintf("$%.4f", cost)
}

func formatMinutes(seconds float64) string {
	return fmt.Sprintf("%.1f min", seconds/60)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "unknown"
	}
	return t.UTC().Format("2006-01-02 15:04 MST")
}

// Markdown renders a call summary. Raw HTML in the input is not passed through.
func Markdown(src string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(src))
	}
	return template.HTML(buf.String())
}
