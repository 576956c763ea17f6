package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
)

//go:generate go run ./internal/schema schema.json

const (
	// upload size limits accepted by validation
	minUploadMB = 1
	maxUploadMB = 10240
)

//go:embed schema.json
var embeddedSchemaData []byte

// VerifyAgainstEmbeddedSchema validates the config against the embedded JSON
// schema generated by internal/schema
func VerifyAgainstEmbeddedSchema(cfg *Config) error {
	// parse embedded schema to catch a broken build early
	var schema map[string]interface{}
	if err := json.Unmarshal(embeddedSchemaData, &schema); err != nil {
		return fmt.Errorf("parse embedded schema: %w", err)
	}

	if err := validateRequiredFields(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// validateRequiredFields performs structural validation of the config
func validateRequiredFields(cfg *Config) error {
	if len(cfg.Tools) == 0 {
		return fmt.Errorf("at least one tool is required")
	}

	seen := map[string]struct{}{}
	for i, tl := range cfg.Tools {
		if strings.TrimSpace(tl.ID) == "" {
			return fmt.Errorf("tool %d: id is required", i+1)
		}
		if _, ok := seen[tl.ID]; ok {
			return fmt.Errorf("tool %d: duplicate id %q", i+1, tl.ID)
		}
		seen[tl.ID] = struct{}{}

		for k, p := range tl.Params {
			if strings.TrimSpace(p.Name) == "" {
				return fmt.Errorf("tool %q: param %d: name is required", tl.ID, k+1)
			}
			if p.Default != "" && len(p.Options) > 0 && !contains(p.Options, p.Default) {
				return fmt.Errorf("tool %q: param %q: default %q not in options", tl.ID, p.Name, p.Default)
			}
		}
	}

	if cfg.Upload.MaxSizeMB < minUploadMB || cfg.Upload.MaxSizeMB > maxUploadMB {
		return fmt.Errorf("upload.max_size_mb must be between %d and %d", minUploadMB, maxUploadMB)
	}
	for _, ext := range cfg.Upload.Accept {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("upload.accept entry %q must start with a dot", ext)
		}
	}

	if err := validateTemplate(cfg.TitleTemplate); err != nil {
		return err
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
