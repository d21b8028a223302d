package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// MaxSMSLength bounds rendered SMS bodies, in runes (three concatenated segments).
const MaxSMSLength = 480

const sourceGeneric = "generic"

// RenderData is the template input for one queue entry.
type RenderData struct {
	Payload
	QueueID     string
	SourceTable string
	RecordID    string
	SiteName    string
}

// Renderer renders notifications from templates.
type Renderer struct {
	siteName  string
	templates map[string]*template.Template
}

// NewRenderer creates a new renderer and loads all templates.
func NewRenderer(siteName string) (*Renderer, error) {
	funcMap := template.FuncMap{
		"title":          titleCase,
		"orDash":         orDash,
		"formatDateTime": formatDateTime,
	}

	r := &Renderer{
		siteName:  siteName,
		templates: make(map[string]*template.Template),
	}

	channels := []ChannelName{ChannelEmail, ChannelSMS}
	sources := []string{SourceAppointments, SourceContactMessages, sourceGeneric}

	for _, channel := range channels {
		for _, source := range sources {
			name := templateName(channel, source)
			filename := fmt.Sprintf("templates/%s.tmpl", name)

			content, err := templatesFS.ReadFile(filename)
			if err != nil {
				return nil, fmt.Errorf("read template %s: %w", filename, err)
			}

			tmpl, err := template.New(name).Funcs(funcMap).Option("missingkey=error").Parse(string(content))
			if err != nil {
				return nil, fmt.Errorf("parse template %s: %w", name, err)
			}

			r.templates[name] = tmpl
		}
	}

	return r, nil
}

// Render renders a queue entry for the channel. Returns subject and body;
// subject is empty for SMS.
func (r *Renderer) Render(channel ChannelName, entry *QueueEntry, payload Payload) (subject, body string, err error) {
	source := entry.SourceTable
	if source != SourceAppointments && source != SourceContactMessages {
		source = sourceGeneric
	}

	name := templateName(channel, source)
	tmpl, ok := r.templates[name]
	if !ok {
		return "", "", fmt.Errorf("template not found: %s", name)
	}

	data := RenderData{
		Payload:     payload,
		QueueID:     entry.ID,
		SourceTable: entry.SourceTable,
		RecordID:    entry.RecordID,
		SiteName:    r.siteName,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("execute template %s: %w", name, err)
	}
	body = strings.TrimSpace(buf.String())

	if channel == ChannelSMS {
		return "", truncateRunes(body, MaxSMSLength), nil
	}
	return r.renderSubject(entry.SourceTable, payload), body, nil
}

func (r *Renderer) renderSubject(source string, payload Payload) string {
	switch source {
	case SourceAppointments:
		return fmt.Sprintf("[%s] Appointment request: %s for %s", r.siteName, titleCase(payload.Service), payload.FullName())
	case SourceContactMessages:
		subject := payload.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		return fmt.Sprintf("[%s] Contact message: %s", r.siteName, subject)
	default:
		return fmt.Sprintf("[%s] New %s notification", r.siteName, source)
	}
}

func templateName(channel ChannelName, source string) string {
	return fmt.Sprintf("%s_%s", channel, source)
}

// Template functions

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(strings.ReplaceAll(s, "_", " "))
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

var dateTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// formatDateTime formats the preferred date/time from the booking form.
// Unparseable values are shown as entered.
func formatDateTime(s string) string {
	if s == "" {
		return "-"
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if layout == "2006-01-02" {
				return t.Format("Mon Jan 2, 2006")
			}
			return t.Format("Mon Jan 2, 2006 3:04 PM")
		}
	}
	return s
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
