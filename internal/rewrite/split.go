package rewrite

import (
	"path"
	"regexp"
	"strings"
)

var fileMarker = regexp.MustCompile(`(?im)^(?:#|//)\s*(?:===\s*)?File:\s*(.+?)(?:\s*===)?\s*$`)

// SourceFile is one file of a multi-file source bundle.
type SourceFile struct {
	Name    string
	Content string
}

// Module returns the file name without directory or extension.
func (f SourceFile) Module() string {
	base := path.Base(f.Name)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Split breaks a bundle written with "# File: name" or "// File: name"
// markers into its files, in order. It returns nil when the text carries no
// marker. A later file with the same name replaces the earlier content.
func Split(source string) []SourceFile {
	markers := fileMarker.FindAllStringSubmatchIndex(source, -1)
	if len(markers) == 0 {
		return nil
	}
	var files []SourceFile
	index := make(map[string]int)
	for i, m := range markers {
		name := cleanFileName(source[m[2]:m[3]])
		if name == "" {
			continue
		}
		end := len(source)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		content := strings.TrimRight(strings.TrimLeft(source[m[1]:end], "\r\n"), " \t\r\n")
		if pos, ok := index[name]; ok {
			files[pos].Content = content
			continue
		}
		index[name] = len(files)
		files = append(files, SourceFile{Name: name, Content: content})
	}
	if len(files) == 0 {
		return nil
	}
	return files
}

// cleanFileName keeps bundle file names inside the job directory.
func cleanFileName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	name = path.Clean("/" + name)
	name = strings.TrimPrefix(name, "/")
	if name == "." || name == "" {
		return ""
	}
	return name
}
