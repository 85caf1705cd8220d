/*
Package webpage renders the introspection pages served for "monitor" requests. The pages are
deliberately plain HTML - they exist so an operator pointing a browser at the proxy's internal web
space can see uptime and per-subsystem counters without any tooling.

The renderer walks the same reporter.Reporter collection the periodic status log uses, so the web
view and the log view can never disagree about what is being counted.
*/
package webpage

import (
	"html/template"
	"strings"
	"time"

	"github.com/emanuelemazza/exaproxy/internal/reporter"
)

var pageTemplate = template.Must(template.New("monitor").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>Up {{.Uptime}}</p>
{{range .Sections}}<h2>{{.Name}}</h2>
<pre>{{.Body}}</pre>
{{end}}</body>
</html>
`))

type section struct {
	Name string
	Body string
}

type pageData struct {
	Title    string
	Uptime   string
	Sections []section
}

// Pages renders introspection pages from a set of reporters.
type Pages struct {
	title     string
	started   time.Time
	reporters []reporter.Reporter
}

// New constructs a Pages renderer. The reporter slice is kept as passed: reporters appended to the
// caller's slice after New are not seen.
func New(title string, started time.Time, reporters []reporter.Reporter) *Pages {
	return &Pages{title: title, started: started, reporters: reporters}
}

// HTML renders the page for the given path below the monitor web space. "/" or "" renders every
// reporter; any other path renders just the reporter whose name matches the first path element,
// or an empty section list if there is no such reporter.
func (t *Pages) HTML(path string) string {
	want := strings.Trim(path, "/")
	if ix := strings.IndexByte(want, '/'); ix >= 0 {
		want = want[:ix]
	}

	data := pageData{
		Title:  t.title,
		Uptime: time.Since(t.started).Truncate(time.Second).String(),
	}
	for _, r := range t.reporters {
		if want != "" && r.Name() != want {
			continue
		}
		data.Sections = append(data.Sections, section{Name: r.Name(), Body: r.Report(false)})
	}

	var b strings.Builder
	if err := pageTemplate.Execute(&b, data); err != nil {
		return "<html><body>monitor page unavailable</body></html>"
	}

	return b.String()
}
