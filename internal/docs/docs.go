// Package docs renders the registered services and methods as an HTML
// reference page at GET /docs. Method descriptions are authored as
// markdown and converted with goldmark, the same renderer the teacher
// repo uses for composing HTML mail bodies.
package docs

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"

	"github.com/yuin/goldmark"

	"github.com/sideboard/sideboard/internal/registry"
)

// Handler returns an http.Handler that lists every registered service
// and method, alphabetically, with its description rendered from
// markdown and its subscribe/notify channels called out.
func Handler(reg *registry.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		services := reg.ServicesView()
		names := make([]string, 0, len(services))
		for name := range services {
			names = append(names, name)
		}
		sort.Strings(names)

		var body bytes.Buffer
		body.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>Sideboard API reference</title>")
		body.WriteString("<style>body{font-family:sans-serif;max-width:48rem;margin:2rem auto;line-height:1.5}code{background:#f0f0f0;padding:0 .3em}h2{border-bottom:1px solid #ccc}</style>")
		body.WriteString("</head><body><h1>Sideboard API reference</h1>")

		for _, name := range names {
			svc := services[name]
			fmt.Fprintf(&body, "<h2>%s</h2>", html(name))

			methodNames := make([]string, 0, len(svc.Methods))
			for m := range svc.Methods {
				methodNames = append(methodNames, m)
			}
			sort.Strings(methodNames)

			for _, mname := range methodNames {
				m := svc.Methods[mname]
				fmt.Fprintf(&body, "<h3><code>%s.%s</code></h3>", html(name), html(mname))

				if m.Description != "" {
					var rendered bytes.Buffer
					if err := goldmark.Convert([]byte(m.Description), &rendered); err == nil {
						body.Write(rendered.Bytes())
					} else {
						fmt.Fprintf(&body, "<p>%s</p>", html(m.Description))
					}
				}

				if m.Subscribable() {
					fmt.Fprintf(&body, "<p><em>subscribable via:</em> %s</p>", html(join(m.Channels)))
				}
				if m.Notifying() {
					fmt.Fprintf(&body, "<p><em>notifies:</em> %s</p>", html(join(m.Notifies)))
				}
			}
		}

		body.WriteString("</body></html>")

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(body.Bytes())
	})
}

func join(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

func html(s string) string {
	var buf bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			buf.WriteString("&lt;")
		case '>':
			buf.WriteString("&gt;")
		case '&':
			buf.WriteString("&amp;")
		default:
			buf.WriteRune(r)
		}
	}
	return buf.String()
}
