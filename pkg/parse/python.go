package parse

import (
	"path"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/orneryd/mucode/pkg/build"
	"github.com/orneryd/mucode/pkg/storage"
)

func newPythonLanguage() *language {
	return &language{name: "python", grammar: python.GetLanguage(), extract: extractPython}
}

// pythonModuleName maps a file path to its dotted import name:
// "pkg/sub/__init__.py" → "pkg.sub", "pkg/util.py" → "pkg.util".
func pythonModuleName(p string) string {
	p = strings.TrimSuffix(strings.TrimSuffix(p, ".pyi"), ".py")
	p = strings.TrimSuffix(p, "/__init__")
	if p == "__init__" {
		return ""
	}
	return strings.ReplaceAll(p, "/", ".")
}

type pythonExtractor struct {
	src    []byte
	module string
	isInit bool
	m      *build.ModuleDef
}

func extractPython(root *sitter.Node, src []byte, file build.FileEntry) *build.ModuleDef {
	x := &pythonExtractor{
		src:    src,
		module: pythonModuleName(file.Path),
	}
	switch path.Base(file.Path) {
	case "__init__.py", "__init__.pyi":
		x.isInit = true
	}
	x.m = &build.ModuleDef{Name: x.module, Doc: pythonDocstring(root, src)}
	x.block(root)
	return x.m
}

// block visits module-level statements. Conditional and guarded blocks are
// entered so "try: import x" and platform switches still count.
func (x *pythonExtractor) block(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		stmt := n.NamedChild(i)
		switch stmt.Type() {
		case "function_definition", "class_definition", "decorated_definition":
			x.definition(stmt, "")
		case "import_statement":
			x.importStatement(stmt)
		case "import_from_statement":
			x.importFrom(stmt)
		case "expression_statement":
			for _, name := range pythonAssignedNames(stmt, x.src) {
				x.m.Symbols = append(x.m.Symbols, build.Symbol{
					Name:      name,
					Kind:      storage.KindVariable,
					LineStart: startLine(stmt),
					LineEnd:   endLine(stmt),
				})
			}
		case "if_statement", "try_statement", "with_statement",
			"block", "else_clause", "elif_clause", "except_clause", "finally_clause":
			x.block(stmt)
		}
	}
}

func (x *pythonExtractor) definition(n *sitter.Node, class string) {
	if n.Type() == "decorated_definition" {
		def := n.ChildByFieldName("definition")
		if def == nil {
			return
		}
		n = def
	}
	name := nodeText(n.ChildByFieldName("name"), x.src)
	if name == "" {
		return
	}
	body := n.ChildByFieldName("body")

	switch n.Type() {
	case "function_definition":
		kind := storage.KindFunction
		if class != "" {
			kind = storage.KindMethod
		}
		x.m.Symbols = append(x.m.Symbols, build.Symbol{
			Name:      name,
			Kind:      kind,
			Parent:    class,
			LineStart: startLine(n),
			LineEnd:   endLine(n),
			Signature: pythonFunctionSignature(n, x.src),
			Doc:       pythonDocstring(body, x.src),
			// Nested functions are not symbols; their calls count for the
			// enclosing definition.
			Calls: collectCalls(body, "call", nil, x.callee),
		})

	case "class_definition":
		if class != "" {
			// Nested classes are folded into their parent.
			return
		}
		sym := build.Symbol{
			Name:      name,
			Kind:      storage.KindClass,
			LineStart: startLine(n),
			LineEnd:   endLine(n),
			Signature: pythonClassSignature(n, x.src),
			Doc:       pythonDocstring(body, x.src),
		}
		if supers := n.ChildByFieldName("superclasses"); supers != nil {
			for i := 0; i < int(supers.NamedChildCount()); i++ {
				arg := supers.NamedChild(i)
				switch arg.Type() {
				case "identifier", "attribute":
					sym.Bases = append(sym.Bases, nodeText(arg, x.src))
				}
			}
		}
		x.m.Symbols = append(x.m.Symbols, sym)
		if body != nil {
			x.classBody(body, name)
		}
	}
}

func (x *pythonExtractor) classBody(body *sitter.Node, class string) {
	for i := 0; i < int(body.NamedChildCount()); i++ {
		stmt := body.NamedChild(i)
		switch stmt.Type() {
		case "function_definition", "decorated_definition", "class_definition":
			x.definition(stmt, class)
		case "expression_statement":
			for _, name := range pythonAssignedNames(stmt, x.src) {
				x.m.Symbols = append(x.m.Symbols, build.Symbol{
					Name:      name,
					Kind:      storage.KindVariable,
					Parent:    class,
					LineStart: startLine(stmt),
					LineEnd:   endLine(stmt),
				})
			}
		}
	}
}

func (x *pythonExtractor) callee(call *sitter.Node) string {
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "identifier", "attribute":
		return collapseWhitespace(nodeText(fn, x.src))
	}
	return ""
}

func (x *pythonExtractor) importStatement(n *sitter.Node) {
	for _, name := range fieldChildren(n, "name") {
		switch name.Type() {
		case "dotted_name":
			x.m.Imports = append(x.m.Imports, build.Import{Module: nodeText(name, x.src)})
		case "aliased_import":
			x.m.Imports = append(x.m.Imports, build.Import{
				Module: nodeText(name.ChildByFieldName("name"), x.src),
				Alias:  nodeText(name.ChildByFieldName("alias"), x.src),
			})
		}
	}
}

func (x *pythonExtractor) importFrom(n *sitter.Node) {
	modNode := n.ChildByFieldName("module_name")
	if modNode == nil {
		return
	}
	module := nodeText(modNode, x.src)
	if modNode.Type() == "relative_import" {
		module = x.absolute(module)
	}
	imp := build.Import{Module: module}
	for _, name := range fieldChildren(n, "name") {
		switch name.Type() {
		case "dotted_name":
			imp.Names = append(imp.Names, nodeText(name, x.src))
		case "aliased_import":
			imp.Names = append(imp.Names, nodeText(name.ChildByFieldName("name"), x.src))
		}
	}
	x.m.Imports = append(x.m.Imports, imp)
}

// absolute resolves a relative import such as "..util" against the
// importing module's package.
func (x *pythonExtractor) absolute(rel string) string {
	dots := len(rel) - len(strings.TrimLeft(rel, "."))
	rest := rel[dots:]

	var parts []string
	if x.module != "" {
		parts = strings.Split(x.module, ".")
	}
	// A plain module's package is its parent; a package's is itself.
	if !x.isInit && len(parts) > 0 {
		parts = parts[:len(parts)-1]
	}
	for i := 1; i < dots && len(parts) > 0; i++ {
		parts = parts[:len(parts)-1]
	}
	if rest != "" {
		parts = append(parts, rest)
	}
	return strings.Join(parts, ".")
}

// pythonAssignedNames returns the plain names bound by an assignment
// statement ("X = 1", "X: int = 1", "A = B = 2").
func pythonAssignedNames(stmt *sitter.Node, src []byte) []string {
	var out []string
	for i := 0; i < int(stmt.NamedChildCount()); i++ {
		a := stmt.NamedChild(i)
		for a != nil && a.Type() == "assignment" {
			if left := a.ChildByFieldName("left"); left != nil && left.Type() == "identifier" {
				out = append(out, nodeText(left, src))
			}
			a = a.ChildByFieldName("right")
		}
	}
	return out
}

// pythonDocstring returns the leading string literal of a module or body.
func pythonDocstring(body *sitter.Node, src []byte) string {
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	lit := first.NamedChild(0)
	if lit.Type() != "string" {
		return ""
	}
	return cleanDocstring(nodeText(lit, src))
}

func cleanDocstring(s string) string {
	s = strings.TrimLeft(s, "rRbBuUfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			s = s[len(q) : len(s)-len(q)]
			break
		}
	}
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.Join(lines, "\n")
}

func pythonClassSignature(n *sitter.Node, src []byte) string {
	name := nodeText(n.ChildByFieldName("name"), src)
	if supers := n.ChildByFieldName("superclasses"); supers != nil {
		return name + collapseWhitespace(nodeText(supers, src))
	}
	return name
}

func pythonFunctionSignature(n *sitter.Node, src []byte) string {
	sig := nodeText(n.ChildByFieldName("name"), src) +
		collapseWhitespace(nodeText(n.ChildByFieldName("parameters"), src))
	if rt := n.ChildByFieldName("return_type"); rt != nil {
		sig += " -> " + nodeText(rt, src)
	}
	return sig
}
