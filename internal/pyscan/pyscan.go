// Package pyscan inspects Python source through a tree-sitter parse tree. It
// recovers imports, top-level definitions and referenced names, and reports
// source with any syntax error as not OK.
package pyscan

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Module is the result of parsing Python text. OK is false when the parser
// reported an error or had to insert a missing token; callers treat such
// code as unparseable and skip the analysis.
type Module struct {
	OK bool

	src  []byte
	root *sitter.Node
}

// Scan parses src. It never fails: a parser error leaves an empty, not OK
// module.
func Scan(src string) Module {
	content := []byte(src)
	root, err := sitter.ParseCtx(context.Background(), content, python.GetLanguage())
	if err != nil || root == nil {
		return Module{}
	}
	return Module{OK: !root.HasError(), src: content, root: root}
}

// Import is one imported module, with the names bound by a from-import.
type Import struct {
	Module string
	Level  int
	From   bool
	Names  []Alias
	Alias  string
}

type Alias struct {
	Name string
	As   string
}

// Bound returns the name the alias binds in the importing module.
func (a Alias) Bound() string {
	if a.As != "" {
		return a.As
	}
	return a.Name
}

func (m Module) text(n *sitter.Node) string {
	return n.Content(m.src)
}

// walk visits every named node below n in source order. fn returning false
// skips the node's children.
func walk(n *sitter.Node, fn func(*sitter.Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		walk(n.NamedChild(i), fn)
	}
}

// Imports returns every import statement in the module, at any depth.
func (m Module) Imports() []Import {
	if m.root == nil {
		return nil
	}
	var out []Import
	walk(m.root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "import_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				if a, ok := m.alias(n.NamedChild(i)); ok {
					out = append(out, Import{Module: a.Name, Alias: a.As})
				}
			}
			return false
		case "import_from_statement":
			out = append(out, m.fromImport(n))
			return false
		}
		return true
	})
	return out
}

// fromImport reads `from <module> import <names>`. The first named child is
// the module; the rest are imported names or a wildcard.
func (m Module) fromImport(n *sitter.Node) Import {
	imp := Import{From: true}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if i == 0 {
			if c.Type() == "relative_import" {
				for j := 0; j < int(c.NamedChildCount()); j++ {
					part := c.NamedChild(j)
					switch part.Type() {
					case "import_prefix":
						imp.Level = strings.Count(m.text(part), ".")
					case "dotted_name":
						imp.Module = m.text(part)
					}
				}
			} else {
				imp.Module = m.text(c)
			}
			continue
		}
		if c.Type() == "wildcard_import" {
			imp.Names = append(imp.Names, Alias{Name: "*"})
			continue
		}
		if a, ok := m.alias(c); ok {
			imp.Names = append(imp.Names, a)
		}
	}
	return imp
}

func (m Module) alias(n *sitter.Node) (Alias, bool) {
	switch n.Type() {
	case "dotted_name":
		return Alias{Name: m.text(n)}, true
	case "aliased_import":
		name, as := n.ChildByFieldName("name"), n.ChildByFieldName("alias")
		if name == nil || as == nil {
			return Alias{}, false
		}
		return Alias{Name: m.text(name), As: m.text(as)}, true
	}
	return Alias{}, false
}

// TopLevelDefs returns the functions and classes defined at module level, in
// order of appearance. Decorated definitions count.
func (m Module) TopLevelDefs() []string {
	if m.root == nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for i := 0; i < int(m.root.NamedChildCount()); i++ {
		def := m.root.NamedChild(i)
		if def.Type() == "decorated_definition" {
			def = def.ChildByFieldName("definition")
		}
		if def == nil || (def.Type() != "function_definition" && def.Type() != "class_definition") {
			continue
		}
		name := def.ChildByFieldName("name")
		if name == nil {
			continue
		}
		if n := m.text(name); !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func sameNode(a, b *sitter.Node) bool {
	return a != nil && b != nil && a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte()
}

// UsedNames returns identifiers referenced outside import statements and
// definition names. Attribute names are excluded, except attributes of
// module, which count as uses of the bare name.
func (m Module) UsedNames(module string) map[string]bool {
	used := make(map[string]bool)
	if m.root == nil {
		return used
	}
	walk(m.root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "import_statement", "import_from_statement":
			return false
		case "identifier":
		default:
			return true
		}
		p := n.Parent()
		if p == nil {
			used[m.text(n)] = true
			return false
		}
		switch p.Type() {
		case "function_definition", "class_definition":
			if sameNode(n, p.ChildByFieldName("name")) {
				return false
			}
		case "attribute":
			if sameNode(n, p.ChildByFieldName("attribute")) {
				if obj := p.ChildByFieldName("object"); module != "" && obj != nil && m.text(obj) == module {
					used[m.text(n)] = true
				}
				return false
			}
		}
		used[m.text(n)] = true
		return false
	})
	return used
}

// UsesModule reports whether the code refers to module by attribute access
// or a plain import statement.
func (m Module) UsesModule(module string) bool {
	for _, imp := range m.Imports() {
		if !imp.From && imp.Module == module {
			return true
		}
	}
	found := false
	walk(m.root, func(n *sitter.Node) bool {
		if found {
			return false
		}
		if n.Type() == "attribute" {
			if obj := n.ChildByFieldName("object"); obj != nil && obj.Type() == "identifier" && m.text(obj) == module {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// ImportsAny reports whether code imports one of the given modules by
// absolute or relative name.
func ImportsAny(code string, modules []string) bool {
	want := make(map[string]bool, len(modules))
	for _, m := range modules {
		want[m] = true
	}
	for _, imp := range Scan(code).Imports() {
		if want[strings.SplitN(imp.Module, ".", 2)[0]] {
			return true
		}
	}
	return false
}
