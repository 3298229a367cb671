package rewrite

import (
	"regexp"
	"strings"

	"github.com/jkaninda/runbox/internal/domain"
)

var (
	esmNamedImport   = regexp.MustCompile(`(?m)^import\s*\{([^}]+)\}\s*from\s*['"]([^'"]+)['"];?`)
	esmDefaultNamed  = regexp.MustCompile(`(?m)^import\s+(\w+)\s*,\s*\{([^}]+)\}\s*from\s*['"]([^'"]+)['"];?`)
	esmNamespace     = regexp.MustCompile(`(?m)^import\s*\*\s*as\s+(\w+)\s+from\s*['"]([^'"]+)['"];?`)
	esmDefaultImport = regexp.MustCompile(`(?m)^import\s+(\w+)\s+from\s*['"]([^'"]+)['"];?`)
	esmSideEffect    = regexp.MustCompile(`(?m)^import\s*['"]([^'"]+)['"];?`)
	esmExportDefault = regexp.MustCompile(`(?m)^export\s+default\s+`)
	esmExportList    = regexp.MustCompile(`(?m)^export\s*\{([^}]+)\};?`)
	esmExportDecl    = regexp.MustCompile(`(?m)^export\s+((?:async\s+)?(?:function\*?|class|const|let|var))\s+(\w+)`)
	importAlias      = regexp.MustCompile(`(\w+)\s+as\s+(\w+)`)
)

// JavaScript converts ES module syntax to CommonJS, the module form the
// JavaScript runtime image executes. TypeScript is left alone: ts-node and
// ts-jest compile its native module syntax.
func JavaScript(code string, lang domain.Language) string {
	if lang == domain.LanguageTypeScript {
		return code
	}
	u, _ := Chain{{Name: "esm-to-cjs", Applies: hasESM, Apply: onTest(esmToCJS)}}.Run(Unit{Test: code})
	return u.Test
}

var esmMarker = regexp.MustCompile(`(?m)^(import\s|import\{|import['"*]|export\s|export\{)`)

func hasESM(u Unit) bool {
	return esmMarker.MatchString(u.Test)
}

func esmToCJS(code string) string {
	code = esmDefaultNamed.ReplaceAllStringFunc(code, func(m string) string {
		sm := esmDefaultNamed.FindStringSubmatch(m)
		return "const " + sm[1] + " = require('" + sm[3] + "');\nconst {" + destructure(sm[2]) + "} = require('" + sm[3] + "');"
	})
	code = esmNamedImport.ReplaceAllStringFunc(code, func(m string) string {
		sm := esmNamedImport.FindStringSubmatch(m)
		return "const {" + destructure(sm[1]) + "} = require('" + sm[2] + "');"
	})
	code = esmNamespace.ReplaceAllString(code, "const $1 = require('$2');")
	code = esmDefaultImport.ReplaceAllString(code, "const $1 = require('$2');")
	code = esmSideEffect.ReplaceAllString(code, "require('$1');")
	code = esmExportDefault.ReplaceAllString(code, "module.exports = ")
	code = esmExportList.ReplaceAllStringFunc(code, func(m string) string {
		sm := esmExportList.FindStringSubmatch(m)
		return "module.exports = {" + exportList(sm[1]) + "};"
	})

	var exported []string
	code = esmExportDecl.ReplaceAllStringFunc(code, func(m string) string {
		sm := esmExportDecl.FindStringSubmatch(m)
		exported = append(exported, sm[2])
		return sm[1] + " " + sm[2]
	})
	if len(exported) > 0 {
		code = strings.TrimRight(code, "\n") + "\n\nObject.assign(module.exports, { " + strings.Join(exported, ", ") + " });\n"
	}
	return code
}

// destructure turns "a, b as c" into "a, b: c".
func destructure(names string) string {
	return strings.TrimSpace(importAlias.ReplaceAllString(names, "$1: $2"))
}

// exportList turns "a, b as c" into "a, c: b".
func exportList(names string) string {
	return strings.TrimSpace(importAlias.ReplaceAllString(names, "$2: $1"))
}
