package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// ValidationError is one schema violation with its source position.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.File == "" {
		return e.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// SchemaError reports every violation found in a CUE file.
type SchemaError struct {
	Errors []ValidationError
}

func (e *SchemaError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.String())
	}
	return "configuration schema violation: " + strings.Join(msgs, "; ")
}

// FormatFromPath picks the syntax from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
}

// Load reads, decodes and validates a configuration file. Fields the file
// omits keep their Defaults() values. Relative strategy and policy paths are
// resolved against the file's directory.
func Load(path string) (*Config, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := parse(data, format, path)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes and validates configuration content.
func Parse(data []byte, format Format) (*Config, error) {
	cfg, err := parse(data, format, "inline")
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte, format Format, filename string) (*Config, error) {
	cfg := Defaults()
	var err error
	switch format {
	case FormatYAML:
		err = decodeYAML(data, cfg)
	case FormatJSON:
		err = decodeJSON(data, cfg)
	case FormatCUE:
		err = decodeCUE(data, filename, cfg)
	default:
		err = fmt.Errorf("unsupported config format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode YAML config: %w", err)
	}
	return nil
}

func decodeJSON(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return nil
}

// decodeCUE unifies the file with #Config and decodes the concrete result
// through its JSON form.
func decodeCUE(data []byte, filename string, cfg *Config) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("failed to compile config schema: %w", err)
	}

	val := ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return &SchemaError{Errors: convertCUEErrors(err)}
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Errors: convertCUEErrors(err)}
	}

	blob, err := unified.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to export CUE config: %w", err)
	}
	if err := json.Unmarshal(blob, cfg); err != nil {
		return fmt.Errorf("failed to decode CUE config: %w", err)
	}
	return nil
}

func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

func (c *Config) resolvePaths(base string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for class, script := range c.Recovery.Strategies {
		c.Recovery.Strategies[class] = resolve(script)
	}
	for i, p := range c.Policy.Paths {
		c.Policy.Paths[i] = resolve(p)
	}
}
