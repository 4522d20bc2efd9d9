// Package config loads the state history log configuration from YAML.
package config

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pandulaDW/state-history-log/internal/log"
)

// DefaultName is the file name stem used when none is configured.
const DefaultName = "history"

// ValidationError holds one or more configuration validation failures.
type ValidationError struct {
	Errors []string
}

// Error formats all validation errors as a numbered list.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}

	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

// Load reads the YAML file at path, applies defaults and validates the result.
// Relative directories are resolved against the directory holding the file.
func Load(path string) (log.Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return log.Config{}, err
	}
	c, err := Parse(b)
	if err != nil {
		return log.Config{}, fmt.Errorf("%s: %w", path, err)
	}

	base := filepath.Dir(path)
	for _, dir := range []*string{&c.Segment.Dir, &c.Catalog.RetainedDir, &c.Catalog.ArchiveDir} {
		if *dir != "" && !filepath.IsAbs(*dir) {
			*dir = filepath.Join(base, *dir)
		}
	}
	return c, nil
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(b []byte) (log.Config, error) {
	var c log.Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return log.Config{}, err
	}
	ApplyDefaults(&c)
	if err := Validate(c); err != nil {
		return log.Config{}, err
	}
	return c, nil
}

// ApplyDefaults fills in the name and the retained directory.
func ApplyDefaults(c *log.Config) {
	if c.Segment.Name == "" {
		c.Segment.Name = DefaultName
	}
	if c.Catalog.RetainedDir == "" && c.Segment.Dir != "" {
		c.Catalog.RetainedDir = filepath.Join(c.Segment.Dir, "retained")
	}
}

// Validate returns every problem in c at once.
func Validate(c log.Config) error {
	verr := &ValidationError{}

	if c.Segment.Dir == "" {
		verr.add("segment.dir is required")
	}
	if strings.ContainsAny(c.Segment.Name, `/\`) {
		verr.add("segment.name %q must not contain path separators", c.Segment.Name)
	}
	if c.Catalog.ArchiveDir != "" && filepath.Clean(c.Catalog.ArchiveDir) == filepath.Clean(c.Catalog.RetainedDir) {
		verr.add("catalog.archive_dir must differ from catalog.retained_dir")
	}
	if c.Catalog.ArchiveDir != "" && c.Catalog.MaxRetainedFiles == 0 {
		verr.add("catalog.archive_dir is set but catalog.max_retained_files is 0, nothing is ever archived")
	}
	if c.Catalog.MaxRetainedFiles > 0 && c.Catalog.Stride == 0 {
		verr.add("catalog.max_retained_files is set but catalog.stride is 0, logs never rotate")
	}

	if len(verr.Errors) > 0 {
		return verr
	}
	return nil
}
