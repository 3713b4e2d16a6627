package parse

import (
	"path"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"github.com/orneryd/mucode/pkg/build"
	"github.com/orneryd/mucode/pkg/storage"
)

func newGoLanguage() *language {
	return &language{name: "go", grammar: golang.GetLanguage(), extract: extractGo}
}

// Go modules are packages: every file in a directory shares the directory
// as its module name, so imports resolve to all of the package's files.
func extractGo(root *sitter.Node, src []byte, file build.FileEntry) *build.ModuleDef {
	m := &build.ModuleDef{Name: path.Dir(file.Path)}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		decl := root.NamedChild(i)
		switch decl.Type() {
		case "package_clause":
			m.Doc = goDocComment(decl, src)
			if m.Name == "." {
				for j := 0; j < int(decl.NamedChildCount()); j++ {
					if c := decl.NamedChild(j); c.Type() == "package_identifier" {
						m.Name = nodeText(c, src)
					}
				}
			}
		case "import_declaration":
			goImports(decl, src, m)
		case "function_declaration":
			m.Symbols = append(m.Symbols, goFunction(decl, src, "", storage.KindFunction))
		case "method_declaration":
			recv, recvName := goReceiver(decl, src)
			sym := goFunction(decl, src, recvName, storage.KindMethod)
			sym.Parent = recv
			m.Symbols = append(m.Symbols, sym)
		case "type_declaration":
			m.Symbols = append(m.Symbols, goTypes(decl, src)...)
		case "var_declaration", "const_declaration":
			m.Symbols = append(m.Symbols, goValues(decl, src)...)
		}
	}
	return m
}

func goImports(decl *sitter.Node, src []byte, m *build.ModuleDef) {
	var specs []*sitter.Node
	for i := 0; i < int(decl.NamedChildCount()); i++ {
		c := decl.NamedChild(i)
		switch c.Type() {
		case "import_spec":
			specs = append(specs, c)
		case "import_spec_list":
			for j := 0; j < int(c.NamedChildCount()); j++ {
				if s := c.NamedChild(j); s.Type() == "import_spec" {
					specs = append(specs, s)
				}
			}
		}
	}
	for _, spec := range specs {
		p, err := strconv.Unquote(nodeText(spec.ChildByFieldName("path"), src))
		if err != nil {
			continue
		}
		imp := build.Import{Module: p}
		if name := spec.ChildByFieldName("name"); name != nil && name.Type() == "package_identifier" {
			imp.Alias = nodeText(name, src)
		}
		m.Imports = append(m.Imports, imp)
	}
}

// goFunction builds the symbol for a function or method. Calls through the
// receiver variable are rewritten to "self.x" so they resolve to the
// receiver type's own methods.
func goFunction(decl *sitter.Node, src []byte, recvName string, kind storage.NodeKind) build.Symbol {
	sym := build.Symbol{
		Name:      nodeText(decl.ChildByFieldName("name"), src),
		Kind:      kind,
		LineStart: startLine(decl),
		LineEnd:   endLine(decl),
		Signature: goSignature(decl, src),
		Doc:       goDocComment(decl, src),
	}
	sym.Calls = collectCalls(decl.ChildByFieldName("body"), "call_expression", nil, func(call *sitter.Node) string {
		fn := call.ChildByFieldName("function")
		if fn == nil {
			return ""
		}
		switch fn.Type() {
		case "identifier":
			return nodeText(fn, src)
		case "selector_expression":
			operand := fn.ChildByFieldName("operand")
			field := nodeText(fn.ChildByFieldName("field"), src)
			if operand == nil || operand.Type() != "identifier" {
				return ""
			}
			if recvName != "" && nodeText(operand, src) == recvName {
				return "self." + field
			}
			return nodeText(operand, src) + "." + field
		}
		return ""
	})
	return sym
}

// goReceiver returns the receiver's type name (pointer and type arguments
// stripped) and the receiver variable name.
func goReceiver(decl *sitter.Node, src []byte) (typeName, varName string) {
	recv := decl.ChildByFieldName("receiver")
	if recv == nil {
		return "", ""
	}
	for i := 0; i < int(recv.NamedChildCount()); i++ {
		param := recv.NamedChild(i)
		if param.Type() != "parameter_declaration" {
			continue
		}
		varName = nodeText(param.ChildByFieldName("name"), src)
		typeName = goBaseTypeName(param.ChildByFieldName("type"), src)
		return typeName, varName
	}
	return "", ""
}

// goBaseTypeName unwraps pointer and generic wrappers down to the type
// identifier: "*Store[K]" → "Store", "pkg.Type" → "pkg.Type".
func goBaseTypeName(t *sitter.Node, src []byte) string {
	for t != nil {
		switch t.Type() {
		case "type_identifier", "qualified_type":
			return nodeText(t, src)
		case "pointer_type", "generic_type", "parenthesized_type":
			var next *sitter.Node
			for i := 0; i < int(t.NamedChildCount()); i++ {
				c := t.NamedChild(i)
				if c.Type() != "type_arguments" {
					next = c
					break
				}
			}
			t = next
		default:
			return ""
		}
	}
	return ""
}

func goTypes(decl *sitter.Node, src []byte) []build.Symbol {
	var out []build.Symbol
	doc := goDocComment(decl, src)
	for i := 0; i < int(decl.NamedChildCount()); i++ {
		spec := decl.NamedChild(i)
		if spec.Type() != "type_spec" && spec.Type() != "type_alias" {
			continue
		}
		name := nodeText(spec.ChildByFieldName("name"), src)
		if name == "" {
			continue
		}
		sym := build.Symbol{
			Name:      name,
			Kind:      storage.KindClass,
			LineStart: startLine(spec),
			LineEnd:   endLine(spec),
			Signature: "type " + name,
			Doc:       doc,
		}
		if t := spec.ChildByFieldName("type"); t != nil {
			switch t.Type() {
			case "struct_type":
				sym.Signature += " struct"
				sym.Bases = goEmbedded(t, src)
			case "interface_type":
				sym.Signature += " interface"
			default:
				sym.Signature += " " + collapseWhitespace(nodeText(t, src))
			}
		}
		out = append(out, sym)
	}
	return out
}

// goEmbedded lists the embedded field types of a struct.
func goEmbedded(st *sitter.Node, src []byte) []string {
	var out []string
	for i := 0; i < int(st.NamedChildCount()); i++ {
		list := st.NamedChild(i)
		if list.Type() != "field_declaration_list" {
			continue
		}
		for j := 0; j < int(list.NamedChildCount()); j++ {
			field := list.NamedChild(j)
			if field.Type() != "field_declaration" || field.ChildByFieldName("name") != nil {
				continue
			}
			if name := goBaseTypeName(field.ChildByFieldName("type"), src); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

func goValues(decl *sitter.Node, src []byte) []build.Symbol {
	var specs []*sitter.Node
	var collect func(n *sitter.Node)
	collect = func(n *sitter.Node) {
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			switch c.Type() {
			case "var_spec", "const_spec":
				specs = append(specs, c)
			case "var_spec_list":
				collect(c)
			}
		}
	}
	collect(decl)

	var out []build.Symbol
	for _, spec := range specs {
		for _, name := range fieldChildren(spec, "name") {
			text := nodeText(name, src)
			if text == "_" {
				continue
			}
			out = append(out, build.Symbol{
				Name:      text,
				Kind:      storage.KindVariable,
				LineStart: startLine(spec),
				LineEnd:   endLine(spec),
			})
		}
	}
	return out
}

func goSignature(decl *sitter.Node, src []byte) string {
	sig := nodeText(decl.ChildByFieldName("name"), src)
	if tp := decl.ChildByFieldName("type_parameters"); tp != nil {
		sig += collapseWhitespace(nodeText(tp, src))
	}
	sig += collapseWhitespace(nodeText(decl.ChildByFieldName("parameters"), src))
	if res := decl.ChildByFieldName("result"); res != nil {
		sig += " " + collapseWhitespace(nodeText(res, src))
	}
	return sig
}

// goDocComment joins the line comments directly above n.
func goDocComment(n *sitter.Node, src []byte) string {
	var lines []string
	want := n.StartPoint().Row
	for c := n.PrevSibling(); c != nil && c.Type() == "comment"; c = c.PrevSibling() {
		if c.EndPoint().Row+1 != want {
			break
		}
		want = c.StartPoint().Row
		text := nodeText(c, src)
		switch {
		case strings.HasPrefix(text, "//"):
			text = strings.TrimSpace(strings.TrimPrefix(text, "//"))
		case strings.HasPrefix(text, "/*"):
			text = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(text, "/*"), "*/"))
		}
		lines = append([]string{text}, lines...)
	}
	return strings.Join(lines, "\n")
}
