package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseError reports an answer without the expected structure. Raw keeps
// the full answer for manual correction.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse agent answer: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var fencedBlock = regexp.MustCompile("(?s)```[ \t]*(json|yaml|yml)[ \t]*\r?\n(.*?)```")

// ExtractBlock returns the last fenced json or yaml block in content.
func ExtractBlock(content string) (lang, body string, ok bool) {
	matches := fencedBlock.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return "", "", false
	}
	last := matches[len(matches)-1]
	return strings.ToLower(last[1]), strings.TrimSpace(last[2]), true
}

// HasStructuredBlock is the readiness predicate for flows that expect a
// fenced json or yaml block.
func HasStructuredBlock(content string) bool {
	_, body, ok := ExtractBlock(content)
	return ok && body != ""
}

// decodeBlock extracts the fenced block from raw and decodes it into out.
func decodeBlock(raw string, out any) error {
	lang, body, ok := ExtractBlock(raw)
	if !ok {
		return &ParseError{Raw: raw, Err: fmt.Errorf("no fenced json or yaml block")}
	}
	var err error
	if lang == "json" {
		err = json.Unmarshal([]byte(body), out)
	} else {
		err = yaml.Unmarshal([]byte(body), out)
	}
	if err != nil {
		return &ParseError{Raw: raw, Err: fmt.Errorf("decode %s block: %w", lang, err)}
	}
	return nil
}
