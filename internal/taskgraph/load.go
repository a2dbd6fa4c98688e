package taskgraph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Iron-Ham/ladder/internal/errors"
	"gopkg.in/yaml.v3"
)

// Format is a task graph encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", errors.NewValidationError("unsupported task graph extension").WithField("path").WithValue(path)
	}
}

// LoadFile reads and decodes the task graph at path.
func LoadFile(path string) (*Graph, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task graph: %w", err)
	}
	g, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// Parse decodes a task graph. Fields the graph does not model are ignored.
func Parse(data []byte, format Format) (*Graph, error) {
	var g Graph
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, decodeError(format, err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &g); err != nil {
			return nil, decodeError(format, err)
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &g); err != nil {
			return nil, decodeError(format, err)
		}
	default:
		return nil, errors.NewValidationError("unknown task graph format").WithField("format").WithValue(string(format))
	}
	return &g, nil
}

func decodeError(format Format, err error) error {
	return errors.NewValidationError(fmt.Sprintf("decode %s task graph", format)).
		WithCause(fmt.Errorf("%w: %w", errors.ErrInvalidGraph, err))
}
