package execenv

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"path/filepath"
	"strconv"

	"github.com/fyrsmithlabs/gated/internal/validation"
)

// GoAST implements the validation.ASTParser port for Go sources under a
// project root.
type GoAST struct {
	dir string
}

// NewGoAST creates a parser rooted at the project directory.
func NewGoAST(dir string) *GoAST {
	return &GoAST{dir: dir}
}

// ParseFile parses the file and returns its first syntax error, if any.
func (a *GoAST) ParseFile(_ context.Context, path string) error {
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, filepath.Join(a.dir, path), nil, parser.AllErrors); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Imports returns the import paths declared by the file.
func (a *GoAST) Imports(_ context.Context, path string) ([]string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filepath.Join(a.dir, path), nil, parser.ImportsOnly)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	imports := make([]string, 0, len(file.Imports))
	for _, spec := range file.Imports {
		p, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			return nil, fmt.Errorf("import path %s: %w", spec.Path.Value, err)
		}
		imports = append(imports, p)
	}
	return imports, nil
}

var _ validation.ASTParser = (*GoAST)(nil)
