package proposals

import (
	"encoding/json"
	"strings"
	"unicode"
)

// ContentChecks are best-effort lint flags. None of them is a correctness
// gate; callers surface a false flag as a warning only.
type ContentChecks struct {
	SpellCheck       bool `json:"spell_check"`
	GrammarCheck     bool `json:"grammar_check"`
	ProfessionalTone bool `json:"professional_tone"`
	Completeness     bool `json:"completeness"`
}

var commonMisspellings = []string{
	"teh", "recieve", "seperate", "occured", "definately",
	"accomodate", "untill", "wich", "beleive", "guarentee",
}

var informalTokens = []string{
	"lol", "gonna", "wanna", "btw", "omg", "lmao", "kinda", "gotta",
}

// ContentValidator lints proposal and template content with fixed denylists.
type ContentValidator struct{}

// Check evaluates the four independent heuristics.
func (ContentValidator) Check(c Content) ContentChecks {
	serialized := serializeContent(c)
	lower := strings.ToLower(serialized)
	return ContentChecks{
		SpellCheck:       !containsAny(lower, commonMisspellings),
		GrammarCheck:     hasUpper(serialized) && !strings.Contains(serialized, ".  ") && !strings.Contains(serialized, "...") && !strings.Contains(serialized, "…"),
		ProfessionalTone: !containsAny(lower, informalTokens),
		Completeness:     strings.TrimSpace(c.Overview) != "" && !c.Scope.IsEmpty() && c.Pricing != nil,
	}
}

// Warnings converts false flags into human-readable warnings.
func (cc ContentChecks) Warnings() []string {
	var out []string
	if !cc.Completeness {
		out = append(out, "content is incomplete: overview, scope and pricing sections are expected")
	}
	if !cc.SpellCheck {
		out = append(out, "content contains common misspellings")
	}
	if !cc.GrammarCheck {
		out = append(out, "content may have grammar or formatting issues")
	}
	if !cc.ProfessionalTone {
		out = append(out, "content contains informal language")
	}
	return out
}

func serializeContent(c Content) string {
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(raw)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func hasUpper(s string) bool {
	for _, r := range s {
		if unicode.IsUpper(r) {
			return true
		}
	}
	return false
}
