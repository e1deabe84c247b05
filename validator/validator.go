// Package validator is the reference content validator: it checks an
// unpacked extension package directory for unsafe content and extracts the
// descriptor from its extension.yaml manifest.
//
// A package that breaks a safety rule (too large, symlinks, special files,
// unreadable entries) is reported as not valid. A safe package whose
// manifest is missing or does not match the schema is valid but carries no
// descriptor.
package validator

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.yaml.in/yaml/v3"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/toolink/extgov/meta"
)

// ManifestName is the manifest file expected at the package root.
const ManifestName = "extension.yaml"

// DefaultMaxPackageSize bounds the total size of a package's regular files.
const DefaultMaxPackageSize int64 = 50 << 20

//go:embed schema/extension.schema.json
var schemaBytes []byte

var (
	compiledSchema *jsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
	printer        = message.NewPrinter(language.English)
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
		if err != nil {
			compileErr = fmt.Errorf("unmarshaling schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("extension.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("adding schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("extension.schema.json")
	})
	return compiledSchema, compileErr
}

// Option configures a Validator.
type Option func(*Validator)

// WithMaxPackageSize overrides DefaultMaxPackageSize. Non-positive values are ignored.
func WithMaxPackageSize(n int64) Option {
	return func(v *Validator) {
		if n > 0 {
			v.maxSize = n
		}
	}
}

// Validator validates package directories.
type Validator struct {
	maxSize int64
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{maxSize: DefaultMaxPackageSize}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate inspects the package directory at path. The returned error is
// reserved for failures of the validator itself; problems with the package
// are reported in the Validation.
func (v *Validator) Validate(path string) (*meta.Validation, error) {
	logger := log.With().Str("package", path).Logger()

	if problems := v.scan(path); len(problems) > 0 {
		logger.Warn().Strs("problems", problems).Msg("package rejected")
		return &meta.Validation{Valid: false, Errors: problems}, nil
	}

	desc, issues, err := readManifest(filepath.Join(path, ManifestName))
	if err != nil {
		return nil, err
	}
	if len(issues) > 0 {
		logger.Debug().Strs("issues", issues).Msg("manifest invalid")
		return &meta.Validation{Valid: true, Errors: issues}, nil
	}
	return &meta.Validation{Valid: true, Descriptor: desc}, nil
}

// scan walks the package and returns every safety problem found.
func (v *Validator) scan(root string) []string {
	info, err := os.Stat(root)
	if err != nil {
		return []string{fmt.Sprintf("package not readable: %v", err)}
	}
	if !info.IsDir() {
		return []string{"package is not a directory"}
	}

	var (
		problems []string
		total    int64
	)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			problems = append(problems, fmt.Sprintf("unreadable entry: %v", walkErr))
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		switch {
		case d.IsDir():
			return nil
		case d.Type()&fs.ModeSymlink != 0:
			problems = append(problems, "symbolic link not allowed: "+filepath.ToSlash(rel))
			return nil
		case !d.Type().IsRegular():
			problems = append(problems, "special file not allowed: "+filepath.ToSlash(rel))
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			problems = append(problems, fmt.Sprintf("unreadable entry %s: %v", filepath.ToSlash(rel), err))
			return nil
		}
		total += fi.Size()
		if total > v.maxSize {
			return errTooLarge
		}
		return nil
	})
	if errors.Is(err, errTooLarge) {
		problems = append(problems, fmt.Sprintf("package exceeds maximum size of %d bytes", v.maxSize))
	}
	return problems
}

var errTooLarge = errors.New("package too large")

// readManifest returns the descriptor, or the schema issues when the
// manifest is missing or invalid.
func readManifest(path string) (*meta.Descriptor, []string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, []string{ManifestName + " not found"}, nil
	}
	if err != nil {
		return nil, []string{fmt.Sprintf("%s not readable: %v", ManifestName, err)}, nil
	}

	sch, err := schema()
	if err != nil {
		return nil, nil, fmt.Errorf("validator: loading schema: %w", err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, []string{fmt.Sprintf("%s: %v", ManifestName, err)}, nil
	}
	if raw == nil {
		return nil, []string{ManifestName + " is empty"}, nil
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, []string{fmt.Sprintf("%s: %v", ManifestName, err)}, nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonData))
	if err != nil {
		return nil, []string{fmt.Sprintf("%s: %v", ManifestName, err)}, nil
	}
	if err := sch.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, issues(ve), nil
		}
		return nil, nil, fmt.Errorf("validator: %w", err)
	}

	var desc meta.Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, []string{fmt.Sprintf("%s: %v", ManifestName, err)}, nil
	}
	if err := desc.Validate(); err != nil {
		return nil, []string{err.Error()}, nil
	}
	return &desc, nil, nil
}

// issues flattens a validation error tree into "path: message" lines.
func issues(ve *jsonschema.ValidationError) []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}
		msg := e.Error()
		if e.ErrorKind != nil {
			msg = e.ErrorKind.LocalizedString(printer)
		}
		line := "/" + strings.Join(e.InstanceLocation, "/") + ": " + msg
		if !seen[line] {
			seen[line] = true
			out = append(out, line)
		}
	}
	walk(ve)
	return out
}
