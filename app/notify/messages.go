package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/alnlab/alignview/app/backend"
)

// DigestRow is a single line of the daily digest, one observed terminal transition
type DigestRow struct {
	JobID  string
	Title  string
	Tool   string
	Status backend.JobStatus
	When   time.Time
}

const defaultErrorTmpl = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			ul {
				margin-top: -0.5em;
				margin-left: -0.5em;
			}
			pre {
				padding: 0.6em;
				font-size: 0.7em;
				background-color: #E8E2A0;
				font-family: "Menlo";
				overflow-x: auto;
				white-space: pre-wrap;
				word-wrap: break-word;
			}
			.bold {
				color: #882828;
				font-weight: 900;
			}
		</style>
	</head>

	<body>
		<p>Alignment job failed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Job: <span class="bold">{{.Job.Title}}</span> ({{.Job.ID}})</li>
			<li>Tool: <span class="bold">{{.Job.Tool}}</span></li>
			<li>Source: <span class="bold">{{.Job.SourceName}}</span></li>
		</ul>

		<pre>
{{.Job.ExitMessage}}
		</pre>
	</body>
</html>
`

const defaultCompletionTmpl = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			ul {
				margin-top: -0.5em;
				margin-left: -0.5em;
			}
			.bold {
				color: #288228;
				font-weight: 900;
			}
		</style>
	</head>

	<body>
		<p>Alignment job completed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Job: <span class="bold">{{.Job.Title}}</span> ({{.Job.ID}})</li>
			<li>Tool: <span class="bold">{{.Job.Tool}}</span></li>
			<li>Source: <span class="bold">{{.Job.SourceName}}</span></li>
		</ul>
	</body>
</html>
`

const defaultDigestTmpl = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			table {
				border-collapse: collapse;
				font-size: 0.8em;
			}
			td, th {
				padding: 0.2em 0.8em;
				text-align: left;
			}
			.bold {
				font-weight: 900;
			}
		</style>
	</head>

	<body>
		<p>Alignment digest for <span class="bold">{{.Host}}</span> since {{.Since.Format "2006-01-02 15:04"}}</p>
		<p><span class="bold">{{.Completed}}</span> completed, <span class="bold">{{.Failed}}</span> failed</p>
		<table>
			<tr><th>job</th><th>title</th><th>tool</th><th>status</th><th>when</th></tr>
			{{- range .Rows}}
			<tr><td>{{.JobID}}</td><td>{{.Title}}</td><td>{{.Tool}}</td><td>{{.Status}}</td><td>{{.When.Format "15:04:05"}}</td></tr>
			{{- end}}
		</table>
	</body>
</html>
`

// MakeErrorHTML renders the failed-job message
func (s *Service) MakeErrorHTML(job backend.Job) (string, error) {
	data := struct {
		Job  backend.Job
		TS   time.Time
		Host string
	}{Job: job, TS: time.Now(), Host: s.HostName}
	return s.render(s.ErrorTemplate, defaultErrorTmpl, data)
}

// MakeCompletionHTML renders the completed-job message
func (s *Service) MakeCompletionHTML(job backend.Job) (string, error) {
	data := struct {
		Job  backend.Job
		TS   time.Time
		Host string
	}{Job: job, TS: time.Now(), Host: s.HostName}
	return s.render(s.CompletionTemplate, defaultCompletionTmpl, data)
}

// MakeDigestHTML renders the summary of terminal transitions observed since
// the given time
func (s *Service) MakeDigestHTML(since time.Time, rows []DigestRow) (string, error) {
	completed, failed := 0, 0
	for _, r := range rows {
		switch r.Status {
		case backend.StatusSuccess:
			completed++
		case backend.StatusError:
			failed++
		}
	}
	data := struct {
		Since     time.Time
		TS        time.Time
		Host      string
		Rows      []DigestRow
		Completed int
		Failed    int
	}{Since: since, TS: time.Now(), Host: s.HostName, Rows: rows, Completed: completed, Failed: failed}
	return s.render(s.DigestTemplate, defaultDigestTmpl, data)
}

// render applies the custom template file if set and working, falls back to
// the default template otherwise
func (s *Service) render(customFile, def string, data any) (string, error) {
	if customFile != "" {
		text, err := renderFile(customFile, data)
		if err == nil {
			return text, nil
		}
		log.Printf("[WARN] can't render template %s, fallback to default, %v", customFile, err)
	}

	t, err := template.New("msg").Parse(def)
	if err != nil {
		return "", fmt.Errorf("can't parse message template: %w", err)
	}
	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply message template: %w", err)
	}
	return buf.String(), nil
}

func renderFile(fname string, data any) (string, error) {
	b, err := os.ReadFile(fname)
	if err != nil {
		return "", fmt.Errorf("can't read template: %w", err)
	}
	t, err := template.New(filepath.Base(fname)).Parse(string(b))
	if err != nil {
		return "", fmt.Errorf("can't parse template: %w", err)
	}
	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}
