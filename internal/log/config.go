package log

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Mode selects how a retained log/index pair is memory-mapped.
type Mode int

const (
	// ReadOnly maps the files for reading only.
	ReadOnly Mode = iota
	// ReadWrite maps the files shared and writable, so payloads can be patched in place.
	ReadWrite
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// UnmarshalText parses "readonly" or "readwrite".
func (m *Mode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "readonly", "ro":
		*m = ReadOnly
	case "readwrite", "rw":
		*m = ReadWrite
	default:
		return fmt.Errorf("unknown mapping mode %q", text)
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Config configures the active log pair and the catalog of retained pairs.
//
// Segment.Dir and Segment.Name locate the active pair <dir>/<name>.log and
// <dir>/<name>.index. Retained pairs live in Catalog.RetainedDir named
// <name>-<first>-<last>.log. A zero MaxRetainedFiles disables retention, and
// a zero Stride disables rotation.
type Config struct {
	Segment struct {
		Dir  string `yaml:"dir"`
		Name string `yaml:"name"`
	} `yaml:"segment"`
	Catalog struct {
		RetainedDir      string `yaml:"retained_dir"`
		ArchiveDir       string `yaml:"archive_dir"`
		MaxRetainedFiles uint32 `yaml:"max_retained_files"`
		Stride           uint32 `yaml:"stride"`
		Mode             Mode   `yaml:"mode"`
	} `yaml:"catalog"`

	Logger   *zap.Logger `yaml:"-"`
	Observer Observer    `yaml:"-"`
	Verifier Verifier    `yaml:"-"`
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.L().Named("statehistory")
	}
	return c.Logger
}

func (c Config) observer() Observer {
	if c.Observer == nil {
		return noopObserver{}
	}
	return c.Observer
}

func (c Config) verifier() Verifier {
	if c.Verifier == nil {
		return noopVerifier{}
	}
	return c.Verifier
}
