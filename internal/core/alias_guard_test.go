// Package core contains unit-of-work and concurrency tests along with guard
// rails that enforce architectural constraints within the core module.
package core

import (
	"fmt"
	"go/ast"
	"go/token"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/tools/go/packages"
)

var (
	corePkgOnce sync.Once
	corePkg     *packages.Package
	corePkgErr  error
)

func loadCorePackage(t *testing.T) *packages.Package {
	t.Helper()

	corePkgOnce.Do(func() {
		cfg := &packages.Config{
			Mode:  packages.NeedName | packages.NeedTypes | packages.NeedSyntax | packages.NeedCompiledGoFiles | packages.NeedFiles,
			Tests: true,
		}
		pkgs, err := packages.Load(cfg, "entitycore/internal/core")
		if err != nil {
			corePkgErr = fmt.Errorf("load core package: %w", err)
			return
		}
		for _, pkg := range pkgs {
			if len(pkg.Errors) > 0 {
				corePkgErr = fmt.Errorf("package load errors: %v", pkg.Errors)
				return
			}
			if pkg.PkgPath == "entitycore/internal/core" {
				corePkg = pkg
				return
			}
		}
		corePkgErr = fmt.Errorf("core package not found among %d loaded packages", len(pkgs))
	})
	if corePkgErr != nil {
		t.Fatalf("%v", corePkgErr)
	}
	return corePkg
}

// TestNoTypeAliases ensures the core package never reintroduces type aliases.
func TestNoTypeAliases(t *testing.T) {
	pkg := loadCorePackage(t)
	var aliases []string

	for _, file := range pkg.Syntax {
		for _, decl := range file.Decls {
			gen, ok := decl.(*ast.GenDecl)
			if !ok || gen.Tok != token.TYPE {
				continue
			}
			for _, spec := range gen.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok || !ts.Assign.IsValid() {
					continue
				}
				pos := pkg.Fset.Position(ts.Pos())
				aliases = append(aliases, fmt.Sprintf("%s:%d type %s", filepath.Base(pos.Filename), pos.Line, ts.Name.Name))
			}
		}
	}

	if len(aliases) > 0 {
		t.Fatalf("type aliases are forbidden in internal/core; found %d:\n%s", len(aliases), strings.Join(aliases, "\n"))
	}
}

// TestUnitOfWorkDoesNotExposeStoreSession guards the application unit of work
// against leaking the store-level session through its exported methods.
func TestUnitOfWorkDoesNotExposeStoreSession(t *testing.T) {
	pkg := loadCorePackage(t)
	obj := pkg.Types.Scope().Lookup("UnitOfWork")
	if obj == nil {
		t.Fatalf("UnitOfWork not found")
	}
	var leaks []string
	for _, file := range pkg.Syntax {
		for _, decl := range file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Recv == nil || !fn.Name.IsExported() || fn.Type.Results == nil {
				continue
			}
			if recvName(fn) != "UnitOfWork" {
				continue
			}
			for _, res := range fn.Type.Results.List {
				if sel, ok := res.Type.(*ast.SelectorExpr); ok && sel.Sel.Name == "EntityStoreUnitOfWork" {
					leaks = append(leaks, fn.Name.Name)
				}
			}
		}
	}
	if len(leaks) > 0 {
		t.Fatalf("UnitOfWork methods return the store session: %s", strings.Join(leaks, ", "))
	}
}

func recvName(fn *ast.FuncDecl) string {
	expr := fn.Recv.List[0].Type
	if star, ok := expr.(*ast.StarExpr); ok {
		expr = star.X
	}
	if ident, ok := expr.(*ast.Ident); ok {
		return ident.Name
	}
	return ""
}
