package intent

import (
	"strings"
	"unicode"

	"a3sist/internal/domain"
)

// Intent labels produced by the classifier.
const (
	FixError      = "fix_error"
	GenerateTests = "generate_tests"
	GenerateDocs  = "generate_docs"
	Refactor      = "refactor"
	ExplainCode   = "explain_code"
	AnalyzeCode   = "analyze_code"
	AddFeature    = "add_feature"
	GenerateCode  = "generate_code"
)

// pattern matches when every group has at least one phrase present in the prompt.
// Several patterns may share an intent; the best scoring one wins.
// A substring pattern ignores word boundaries ("fixed", "FixError").
// A dominant pattern puts its intent first whenever it matches, whatever the scores.
type pattern struct {
	intent    string
	groups    [][]string
	substring bool
	dominant  bool
}

// patterns is ordered; earlier entries win score ties.
var patterns = []pattern{
	{intent: FixError, groups: [][]string{{"fix"}, {"error"}}, substring: true, dominant: true},
	{intent: FixError, groups: [][]string{{"fix", "resolve", "debug"}, {"error", "errors", "bug", "bugs", "exception", "crash", "failing", "broken"}}},
	{intent: FixError, groups: [][]string{{"bug", "exception", "crash", "stack trace", "null reference"}}},
	{intent: GenerateTests, groups: [][]string{{"generate", "write", "create", "add"}, {"test", "tests", "unit test", "test cases"}}},
	{intent: GenerateDocs, groups: [][]string{{"documentation", "docstring", "docstrings", "document", "doc comments"}}},
	{intent: Refactor, groups: [][]string{{"refactor", "improve structure", "clean up", "cleanup", "restructure", "simplify"}}},
	{intent: ExplainCode, groups: [][]string{{"explain", "what does", "how does", "walk me through"}}},
	{intent: AnalyzeCode, groups: [][]string{{"analyze", "analyse", "review", "inspect", "audit"}}},
	{intent: AddFeature, groups: [][]string{{"add feature", "implement", "add support", "new feature"}}},
	{intent: GenerateCode, groups: [][]string{{"generate", "create", "write", "scaffold"}}},
}

// match returns the distinct phrases of p found in text, or nil if a group missed.
func (p pattern) match(text string) []string {
	var hits []string
	seen := make(map[string]bool)
	for _, group := range p.groups {
		groupHit := false
		for _, phrase := range group {
			if p.contains(text, phrase) {
				groupHit = true
				if !seen[phrase] {
					seen[phrase] = true
					hits = append(hits, phrase)
				}
			}
		}
		if !groupHit {
			return nil
		}
	}
	return hits
}

func (p pattern) contains(text, phrase string) bool {
	if p.substring {
		return phrase != "" && strings.Contains(text, phrase)
	}
	return containsPhrase(text, phrase)
}

// containsPhrase reports whether phrase occurs in text on word boundaries.
// Both arguments are expected in lower case.
func containsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	for start := 0; start <= len(text)-len(phrase); {
		i := strings.Index(text[start:], phrase)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(phrase)
		if boundaryBefore(text, i) && boundaryAfter(text, end) {
			return true
		}
		start = i + 1
	}
	return false
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	return !isWordByte(text[i-1])
}

func boundaryAfter(text string, end int) bool {
	if end >= len(text) {
		return true
	}
	return !isWordByte(text[end])
}

func isWordByte(b byte) bool {
	return b == '_' || b >= 0x80 || unicode.IsLetter(rune(b)) || unicode.IsDigit(rune(b))
}

// suggestedAgent maps an intent to the agent type best suited to it.
func suggestedAgent(intent, language string) domain.AgentType {
	switch intent {
	case FixError:
		return domain.AgentTypeFixer
	case Refactor:
		return domain.AgentTypeRefactor
	case GenerateCode, AddFeature:
		return languageAgent(language)
	case AnalyzeCode:
		return domain.AgentTypeValidator
	case ExplainCode, GenerateDocs:
		return domain.AgentTypeKnowledge
	case GenerateTests:
		return domain.AgentTypeTestGenerator
	default:
		return domain.AgentTypeUnknown
	}
}

func languageAgent(language string) domain.AgentType {
	switch language {
	case LangCSharp:
		return domain.AgentTypeCSharp
	case LangJavaScript, LangTypeScript:
		return domain.AgentTypeJavaScript
	case LangPython:
		return domain.AgentTypePython
	default:
		return domain.AgentTypeKnowledge
	}
}
