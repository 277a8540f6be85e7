package transcript

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"net/url"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"parley/internal/content"
	"parley/internal/models"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

var page = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Entries}}<div class="message{{if .Own}} own{{end}}">
<div class="meta"><span class="author">{{.Author}}</span> <time>{{.At}}</time>{{if .Status}} <span class="status">{{.Status}}</span>{{end}}</div>
<div class="body">{{.Body}}</div>
</div>
{{end}}</body>
</html>
`))

type Options struct {
	Title string
	Self  int64
	// Names maps user ids to display names; unknown ids print as "user N".
	Names map[int64]string
	// Location for timestamps, UTC when nil.
	Location *time.Location
}

type entry struct {
	Own    bool
	Author string
	At     string
	Status string
	Body   template.HTML
}

// Render writes an HTML transcript of msgs. Text bodies are treated as
// Markdown and sanitized, image bodies become <img> tags.
func Render(w io.Writer, msgs []models.Message, opts Options) error {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	title := opts.Title
	if title == "" {
		title = "Conversation"
	}

	entries := make([]entry, 0, len(msgs))
	for _, m := range msgs {
		body, err := renderBody(m)
		if err != nil {
			return fmt.Errorf("render message %s: %w", m.Key(), err)
		}
		e := entry{
			Own:    m.SenderID == opts.Self,
			Author: author(m.SenderID, opts),
			Body:   body,
		}
		if !m.CreatedAt.IsZero() {
			e.At = m.CreatedAt.In(loc).Format("2006-01-02 15:04")
		}
		if e.Own {
			e.Status = m.StatusLabel()
		}
		entries = append(entries, e)
	}

	return page.Execute(w, struct {
		Title   string
		Entries []entry
	}{title, entries})
}

func author(id int64, opts Options) string {
	if id == opts.Self {
		return "me"
	}
	if name, ok := opts.Names[id]; ok {
		return name
	}
	return fmt.Sprintf("user %d", id)
}

func renderBody(m models.Message) (template.HTML, error) {
	if m.Kind == models.KindImage {
		var buf bytes.Buffer
		for _, u := range m.Images() {
			if !safeURL(u) {
				continue
			}
			fmt.Fprintf(&buf, `<img src="%s" alt="image">`, content.Escape(u))
		}
		return template.HTML(buf.String()), nil
	}

	var buf bytes.Buffer
	if err := markdown.Convert([]byte(m.Body), &buf); err != nil {
		return "", err
	}
	return template.HTML(content.Sanitize(buf.String())), nil
}

func safeURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
