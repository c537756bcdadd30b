// Package jsonx parses JSON out of LLM responses that wrap it in prose or
// markdown fences. Parsing is lenient by design: a malformed response yields
// the zero value, never an abort.
package jsonx

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractObject unmarshals the first JSON object found in text into out.
// Lookup order: fenced code block, then the outermost {...} span, then the
// raw text. Returns false when nothing parses; out is left untouched.
func ExtractObject(text string, out interface{}) bool {
	for _, candidate := range candidates(text, "{", "}") {
		if json.Unmarshal([]byte(candidate), out) == nil {
			return true
		}
	}
	return false
}

// ExtractArray is ExtractObject for a top-level JSON array.
func ExtractArray(text string, out interface{}) bool {
	for _, candidate := range candidates(text, "[", "]") {
		if json.Unmarshal([]byte(candidate), out) == nil {
			return true
		}
	}
	return false
}

func candidates(text, open, closing string) []string {
	var list []string
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		list = append(list, strings.TrimSpace(m[1]))
	}
	start := strings.Index(text, open)
	end := strings.LastIndex(text, closing)
	if start >= 0 && end > start {
		list = append(list, text[start:end+1])
	}
	list = append(list, strings.TrimSpace(text))
	return list
}
