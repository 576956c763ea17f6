package service

import (
	"bytes"
	"fmt"
	"text/template"
	"time"
)

// NameParser for submission titles containing template elements from nameTmpl,
// like {{.YYYYMMDD}} or {{.Tool}}, replaces all occurrences of such templates.
// Date fields are expanded in the parser's timezone.
type NameParser struct {
	timeZone *time.Location
	tmpl     nameTmpl
}

// nameTmpl used to translate templates with date and job info. Field set
// matches the probe the config validator executes title templates against.
type nameTmpl struct {
	YYYYMMDD string
	YYYYMM   string
	YYYY     string
	YYMMDD   string
	MM       string
	DD       string
	YY       string
	ISODATE  string

	UNIX     int64
	UNIXMSEC int64

	Tool   string
	Source string
}

// NewNameTemplate makes title parser for the given time, tool id and source file name
func NewNameTemplate(ts time.Time, tool, source string, options ...Option) *NameParser {
	res := &NameParser{timeZone: time.Local}
	for _, opt := range options {
		opt(res)
	}

	tsMidnight := res.toMidnight(ts)
	res.tmpl = nameTmpl{
		YYYYMMDD: tsMidnight.Format("20060102"),
		YYYYMM:   tsMidnight.Format("200601"),
		YYYY:     tsMidnight.Format("2006"),
		YYMMDD:   tsMidnight.Format("060102"),
		MM:       tsMidnight.Format("01"),
		DD:       tsMidnight.Format("02"),
		YY:       tsMidnight.Format("06"),
		ISODATE:  tsMidnight.Format("2006-01-02T00:00:00.000Z"),

		UNIX:     ts.Unix(),
		UNIXMSEC: ts.UnixMilli(),

		Tool:   tool,
		Source: source,
	}
	return res
}

// Parse translates template to the final title
func (p NameParser) Parse(titleTemplate string) (string, error) {
	t, err := template.New("title").Parse(titleTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse title template %q: %w", titleTemplate, err)
	}
	buf := bytes.Buffer{}
	if err := t.Execute(&buf, p.tmpl); err != nil {
		return "", fmt.Errorf("failed to expand title from %q: %w", titleTemplate, err)
	}
	return buf.String(), nil
}

// toMidnight get midnight time in the parser tz for given time
func (p NameParser) toMidnight(tm time.Time) time.Time {
	yy, mm, dd := tm.In(p.timeZone).Date()
	return time.Date(yy, mm, dd, 0, 0, 0, 0, p.timeZone)
}

// Option func type
type Option func(l *NameParser)

// TimeZone sets timezone used for all date expansions
func TimeZone(tz *time.Location) Option {
	return func(l *NameParser) {
		l.timeZone = tz
	}
}
