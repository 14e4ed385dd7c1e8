package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/datagate-labs/datagate/internal/domain/tool"
)

// ErrInvalid marks a bundle that failed validation. The caller keeps
// the previously active bundle when a reload returns this.
var ErrInvalid = errors.New("policy bundle invalid")

// ExpressionValidator checks custom rule expressions before a bundle
// is activated. Implemented by the CEL evaluator adapter.
type ExpressionValidator interface {
	ValidateExpression(expr string) error
}

// Module file names recognized inside a bundle directory. Every file
// is optional; a missing module keeps its built-in default.
const (
	fileRBAC     = "rbac.yaml"
	fileTables   = "tables.yaml"
	fileColumns  = "columns.yaml"
	fileRows     = "rows.yaml"
	fileApproval = "approval.yaml"
	fileCustom   = "custom.yaml"
	fileCatalog  = "catalog.yaml"
)

type customFile struct {
	Rules []CustomRule `yaml:"rules"`
}

type catalogFile struct {
	RegionColumns map[string]string `yaml:"region_columns"`
}

// Load reads a bundle directory over the built-in defaults and
// validates the result. An empty dir returns the defaults unchanged.
func Load(dir string, exprs ExpressionValidator) (*Bundle, error) {
	b := Default()
	if dir != "" {
		if err := overlay(b, dir); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if err := Validate(b, exprs); err != nil {
		return nil, err
	}
	return b, nil
}

func overlay(b *Bundle, dir string) error {
	if err := readModule(filepath.Join(dir, fileRBAC), &b.RBAC); err != nil {
		return err
	}
	if err := readModule(filepath.Join(dir, fileTables), &b.Tables); err != nil {
		return err
	}
	if err := readModule(filepath.Join(dir, fileColumns), &b.Columns); err != nil {
		return err
	}
	if err := readModule(filepath.Join(dir, fileRows), &b.Rows); err != nil {
		return err
	}
	if err := readModule(filepath.Join(dir, fileApproval), &b.Approval); err != nil {
		return err
	}

	var custom customFile
	present, err := readOptional(filepath.Join(dir, fileCustom), &custom)
	if err != nil {
		return err
	}
	if present {
		b.Custom = custom.Rules
	}

	var catalog catalogFile
	present, err = readOptional(filepath.Join(dir, fileCatalog), &catalog)
	if err != nil {
		return err
	}
	if present {
		b.Catalog = catalog.RegionColumns
	}
	return nil
}

func readModule(path string, out interface{}) error {
	_, err := readOptional(path, out)
	return err
}

// readOptional unmarshals a YAML file into out, reporting whether the
// file existed. Unknown fields are rejected so a typoed key cannot
// silently disable a rule.
func readOptional(path string, out interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// Validate checks structural and semantic consistency: struct tags,
// known tool names in the RBAC matrix, qualified catalog keys, unique
// custom rule IDs, and compilable custom expressions.
func Validate(b *Bundle, exprs ExpressionValidator) error {
	v := validator.New()
	if err := v.Struct(b); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	for role, tools := range b.RBAC.Roles {
		if role == "" {
			return fmt.Errorf("%w: rbac: empty role name", ErrInvalid)
		}
		for _, t := range tools {
			if !tool.Known(t) {
				return fmt.Errorf("%w: rbac: role %q references unknown tool %q", ErrInvalid, role, t)
			}
		}
	}

	for qualified := range b.Catalog {
		if !strings.Contains(qualified, ".") {
			return fmt.Errorf("%w: catalog: table %q must be schema-qualified", ErrInvalid, qualified)
		}
	}

	seen := make(map[string]struct{}, len(b.Custom))
	for _, r := range b.Custom {
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: custom: duplicate rule id %q", ErrInvalid, r.ID)
		}
		seen[r.ID] = struct{}{}
		if exprs != nil {
			if err := exprs.ValidateExpression(r.Expression); err != nil {
				return fmt.Errorf("%w: custom rule %q: %v", ErrInvalid, r.ID, err)
			}
		}
	}
	return nil
}
