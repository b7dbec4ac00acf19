package intent

import (
	"path/filepath"
	"strings"
)

// Language labels.
const (
	LangCSharp     = "csharp"
	LangJavaScript = "javascript"
	LangTypeScript = "typescript"
	LangPython     = "python"
	LangJava       = "java"
	LangCPP        = "cpp"
	LangC          = "c"
	LangGo         = "go"
	LangRust       = "rust"
	LangUnknown    = "unknown"
)

var extensionLanguages = map[string]string{
	".cs":   LangCSharp,
	".js":   LangJavaScript,
	".jsx":  LangJavaScript,
	".ts":   LangTypeScript,
	".tsx":  LangTypeScript,
	".py":   LangPython,
	".java": LangJava,
	".cpp":  LangCPP,
	".cc":   LangCPP,
	".cxx":  LangCPP,
	".c":    LangC,
	".go":   LangGo,
	".rs":   LangRust,
}

// contentMarkers are checked in order; the first language with a marker wins.
var contentMarkers = []struct {
	language string
	words    []string
}{
	{LangCSharp, []string{"using", "namespace"}},
	{LangJavaScript, []string{"function", "const"}},
	{LangPython, []string{"def", "import"}},
}

// detectLanguage uses the file extension when a path is given, otherwise
// keyword heuristics over content and then the prompt.
func detectLanguage(filePath, content, prompt string) string {
	if filePath != "" {
		if lang, ok := extensionLanguages[strings.ToLower(filepath.Ext(filePath))]; ok {
			return lang
		}
		return LangUnknown
	}
	for _, text := range []string{content, prompt} {
		if lang := languageFromText(strings.ToLower(text)); lang != LangUnknown {
			return lang
		}
	}
	return LangUnknown
}

func languageFromText(text string) string {
	if text == "" {
		return LangUnknown
	}
	for _, m := range contentMarkers {
		for _, w := range m.words {
			if containsPhrase(text, w) {
				return m.language
			}
		}
	}
	return LangUnknown
}
