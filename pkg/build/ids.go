package build

import "github.com/orneryd/mucode/pkg/storage"

// Node ids are derived from the file path and the qualified name, so they
// stay stable across rebuilds of unchanged definitions.
//
//	mod:<path>
//	cls:<path>:<Class>
//	fn:<path>:<func>        fn:<path>:<Class>.<method>
//	var:<path>:<name>       var:<path>:<Class>.<attr>

func moduleID(path string) string { return "mod:" + path }

func symbolID(path string, s Symbol) string {
	return kindPrefix(s.Kind) + path + ":" + s.QualName()
}

func kindPrefix(k storage.NodeKind) string {
	switch k {
	case storage.KindModule:
		return "mod:"
	case storage.KindClass:
		return "cls:"
	case storage.KindFunction, storage.KindMethod:
		return "fn:"
	case storage.KindVariable:
		return "var:"
	default:
		return "sym:"
	}
}
