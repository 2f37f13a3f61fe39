package executor

import (
	"encoding/json"
	"strings"

	"github.com/mbrandolli/tandem/internal/backend"
	"github.com/mbrandolli/tandem/internal/task"
)

const askUserQuestionTool = "AskUserQuestion"

// parseQuestions extracts structured questions from an AskUserQuestion tool
// invocation. Returns nil for any other tool or an undecodable input, in
// which case the block falls through as a plain tool_use.
func parseQuestions(block backend.ContentBlock) []task.Question {
	if block.Name != askUserQuestionTool || len(block.Input) == 0 {
		return nil
	}

	var payload struct {
		Questions []struct {
			Question string          `json:"question"`
			Options  json.RawMessage `json:"options"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(block.Input, &payload); err != nil || len(payload.Questions) == 0 {
		return nil
	}

	out := make([]task.Question, 0, len(payload.Questions))
	for _, q := range payload.Questions {
		text := strings.TrimSpace(q.Question)
		if text == "" {
			continue
		}
		out = append(out, task.Question{
			Text:    text,
			Options: parseOptions(q.Options),
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// parseOptions accepts both plain strings and {label: ...} objects.
func parseOptions(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var asStrings []string
	if err := json.Unmarshal(raw, &asStrings); err == nil {
		return trimNonEmpty(asStrings)
	}

	var asObjects []struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal(raw, &asObjects); err == nil {
		labels := make([]string, 0, len(asObjects))
		for _, o := range asObjects {
			labels = append(labels, o.Label)
		}
		return trimNonEmpty(labels)
	}
	return nil
}

func trimNonEmpty(in []string) []string {
	out := in[:0]
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// flattenContent renders a tool_result content payload, which the backend
// emits either as a bare string or as an array of text blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}
