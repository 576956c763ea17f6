// Package config loads the alignview YAML configuration: the catalog of
// alignment tools offered at submit time, upload acceptance rules and the
// default title template. The file is watched for changes by modification
// time so catalog edits show up without a restart.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	log "github.com/go-pkgz/lgr"
	"gopkg.in/yaml.v3"
)

// Tool is a catalog entry offered in the submit form
type Tool struct {
	ID          string  `yaml:"id" json:"id"`
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string  `yaml:"version,omitempty" json:"version,omitempty"`
	Params      []Param `yaml:"params,omitempty" json:"params,omitempty"`
}

// Param is an extra form field a tool accepts
type Param struct {
	Name    string   `yaml:"name" json:"name"`
	Label   string   `yaml:"label,omitempty" json:"label,omitempty"`
	Options []string `yaml:"options,omitempty" json:"options,omitempty"`
	Default string   `yaml:"default,omitempty" json:"default,omitempty"`
}

// Upload holds acceptance rules for the upload widget
type Upload struct {
	Accept    []string `yaml:"accept,omitempty" json:"accept,omitempty"`
	MaxSizeMB int      `yaml:"max_size_mb,omitempty" json:"max_size_mb,omitempty"`
}

// Config is the parsed configuration file
type Config struct {
	Tools         []Tool `yaml:"tools" json:"tools"`
	Upload        Upload `yaml:"upload,omitempty" json:"upload,omitempty"`
	TitleTemplate string `yaml:"title_template,omitempty" json:"title_template,omitempty"`
}

// defaults applied when the file leaves fields out
var defaultAccept = []string{".fasta", ".fa", ".fna", ".fastq", ".fq", ".aln", ".gz"}

const defaultMaxSizeMB = 512

// Loader reads and watches a config file
type Loader struct {
	file        string
	updInterval time.Duration
}

// NewLoader creates a Loader for file, not parsing yet
func NewLoader(file string, updInterval time.Duration) *Loader {
	log.Printf("[INFO] config file %s, update check every %v", file, updInterval)
	return &Loader{file: file, updInterval: updInterval}
}

func (l *Loader) String() string { return l.file }

// Load parses and validates the config file
func (l *Loader) Load() (*Config, error) {
	data, err := os.ReadFile(l.file) // nolint:gosec // config path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", l.file, err)
	}

	res := &Config{}
	if err := yaml.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("can't parse config %s: %w", l.file, err)
	}

	res.applyDefaults()
	if err := VerifyAgainstEmbeddedSchema(res); err != nil {
		return nil, fmt.Errorf("config %s: %w", l.file, err)
	}
	return res, nil
}

// Changes returns a channel getting the full parsed config every time the
// file's modification time moves. Checked periodically, a change has to be
// at least half the interval old so intermediate saves don't fire twice.
func (l *Loader) Changes(ctx context.Context) (<-chan *Config, error) {
	mtime := func() (time.Time, error) {
		st, err := os.Stat(l.file)
		if err != nil {
			return time.Time{}, fmt.Errorf("can't stat config %s: %w", l.file, err)
		}
		return st.ModTime(), nil
	}

	lastMtime, err := mtime()
	if err != nil {
		return nil, err // the file has to exist to start the watcher
	}

	ch := make(chan *Config)
	ticker := time.NewTicker(l.updInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(ch)
				return
			case <-ticker.C:
				m, err := mtime()
				if err != nil {
					log.Printf("[WARN] can't check config %s: %v", l.file, err)
					continue
				}
				if m.Equal(lastMtime) || time.Since(m) < l.updInterval/2 {
					continue
				}
				lastMtime = m
				cfg, err := l.Load()
				if err != nil {
					log.Printf("[WARN] ignore bad config update: %v", err)
					continue
				}
				log.Printf("[INFO] config %s reloaded, %d tools", l.file, len(cfg.Tools))
				select {
				case ch <- cfg:
				case <-ctx.Done():
					close(ch)
					return
				}
			}
		}
	}()

	return ch, nil
}

// Default returns an empty configuration with defaults applied, used when
// the config file is missing or unreadable
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if len(c.Upload.Accept) == 0 {
		c.Upload.Accept = append([]string{}, defaultAccept...)
	}
	if c.Upload.MaxSizeMB == 0 {
		c.Upload.MaxSizeMB = defaultMaxSizeMB
	}
	for i, tl := range c.Tools {
		if tl.Name == "" {
			c.Tools[i].Name = tl.ID
		}
	}
}

// Tool finds a catalog entry by id
func (c *Config) Tool(id string) (Tool, bool) {
	for _, tl := range c.Tools {
		if tl.ID == id {
			return tl, true
		}
	}
	return Tool{}, false
}

// Accepts reports whether the file name passes the upload accept list.
// Matching is by extension, case-insensitive, .gz considers the inner
// extension too so name.fasta.gz passes when .fasta is accepted.
func (c *Config) Accepts(filename string) bool {
	name := strings.ToLower(filepath.Base(filename))
	for _, ext := range c.Upload.Accept {
		if strings.HasSuffix(name, strings.ToLower(ext)) {
			return true
		}
	}
	if strings.HasSuffix(name, ".gz") {
		return c.Accepts(strings.TrimSuffix(name, ".gz"))
	}
	return false
}

// MaxSizeBytes returns the upload size cap in bytes
func (c *Config) MaxSizeBytes() int64 {
	return int64(c.Upload.MaxSizeMB) * 1024 * 1024
}

// validateTemplate makes sure the title template parses and uses only
// known fields by executing it against a probe
func validateTemplate(tmpl string) error {
	if tmpl == "" {
		return nil
	}
	t, err := template.New("title").Parse(tmpl)
	if err != nil {
		return fmt.Errorf("title_template doesn't parse: %w", err)
	}
	probe := struct {
		YYYYMMDD, YYYYMM, YYYY, YYMMDD, MM, DD, YY, ISODATE string
		UNIX, UNIXMSEC                                      int64
		Tool, Source                                        string
	}{}
	if err := t.Execute(&strings.Builder{}, probe); err != nil {
		return fmt.Errorf("title_template refers to unknown fields: %w", err)
	}
	return nil
}
