package session

import (
	"encoding/json"
	"regexp"
	"strings"

	"tether/internal/runtime"
	"tether/internal/storage"
)

// Tool names whose completed calls yield candidate file paths.
var fileProducingTools = map[string]struct{}{
	"write":       {},
	"edit":        {},
	"create_file": {},
}

var (
	jsonFenceRe = regexp.MustCompile("(?s)```json[ \t]*\n(.*?)(?:```|$)")
	anyFenceRe  = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*[ \t]*\n(.*?)(?:```|$)")

	// Complete "key": "string" pairs. An unterminated string value has no
	// closing quote and never matches.
	stringPairRe = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"\s*:\s*"((?:[^"\\]|\\.)*)"`)

	// Complete "key": literal pairs. The trailing terminator requirement
	// rejects a number truncated mid-generation.
	literalPairRe = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"\s*:\s*(true|false|null|-?\d+(?:\.\d+)?(?:[eE][+-]?\d+)?)\s*[,}\]\n]`)
)

// The backslash pair goes first so an escaped backslash is not re-read as the
// start of another escape.
var unescaper = strings.NewReplacer(`\\`, `\`, `\"`, `"`, `\n`, "\n")

// ExtractResult reports what the extractor recovered.
type ExtractResult struct {
	Fields    []storage.OutputField
	Mapped    int
	Recovered bool
}

// ExtractOutputs scans a session's message history for a value map and maps
// it onto the task's output fields. It never fails: when nothing usable is
// found the fields come back unchanged and Mapped is zero.
func ExtractOutputs(messages []runtime.Message, fields []storage.OutputField) ExtractResult {
	result := ExtractResult{Fields: make([]storage.OutputField, len(fields))}
	copy(result.Fields, fields)
	if len(fields) == 0 {
		return result
	}

	filePaths := collectFilePaths(messages)
	values, recovered := findValueMap(messages)
	result.Recovered = recovered

	// Lowercased name and id lookups; name wins over id.
	byName := make(map[string]any, len(values))
	for k, v := range values {
		byName[strings.ToLower(k)] = v
	}

	for i := range result.Fields {
		field := &result.Fields[i]

		if v, ok := byName[strings.ToLower(field.Name)]; ok {
			field.Value = v
			result.Mapped++
			continue
		}
		if v, ok := values[field.ID]; ok {
			field.Value = v
			result.Mapped++
			continue
		}

		// Unmapped file fields fall back to paths touched by completed
		// write/edit/create_file tool calls.
		if field.Type == storage.FieldTypeFile && len(filePaths) > 0 {
			if field.Multiple {
				field.Value = filePaths
			} else {
				field.Value = filePaths[0]
			}
			result.Mapped++
		}
	}

	return result
}

// collectFilePaths gathers the paths of every completed file-producing tool
// call across the assistant messages, oldest first, deduplicated.
func collectFilePaths(messages []runtime.Message) []string {
	var paths []string
	seen := make(map[string]struct{})

	for _, msg := range messages {
		if msg.Role != "assistant" {
			continue
		}
		for _, part := range msg.Parts {
			if part.Type != runtime.PartTool {
				continue
			}
			if _, ok := fileProducingTools[part.Tool]; !ok {
				continue
			}
			if part.State.Status != "completed" {
				continue
			}
			path := filePathFromInput(parseToolInput(part.State.Input))
			if path == "" {
				continue
			}
			if _, dup := seen[path]; dup {
				continue
			}
			seen[path] = struct{}{}
			paths = append(paths, path)
		}
	}
	return paths
}

func filePathFromInput(input map[string]any) string {
	for _, key := range []string{"filePath", "file_path", "path"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// findValueMap scans assistant messages newest-first for a fenced JSON block
// and returns the first decoded (or partially recovered) value map.
func findValueMap(messages []runtime.Message) (map[string]any, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role != "assistant" {
			continue
		}

		var text strings.Builder
		for _, part := range msg.Parts {
			if part.Type == runtime.PartText {
				text.WriteString(part.Text)
				text.WriteString("\n")
			}
		}

		block, ok := findFencedBlock(text.String())
		if !ok {
			continue
		}

		var values map[string]any
		if err := json.Unmarshal([]byte(block), &values); err == nil {
			return values, false
		}

		// Block was cut off mid-generation; salvage the complete pairs.
		if values = recoverPartialJSON(block); len(values) > 0 {
			return values, true
		}
	}
	return nil, false
}

// findFencedBlock returns the content of the first fenced code block in the
// text, preferring a block tagged json. An unterminated fence (the known
// truncation failure mode) still matches up to the end of the text.
func findFencedBlock(text string) (string, bool) {
	if m := jsonFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if m := anyFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

// recoverPartialJSON extracts complete key/value pairs from a truncated JSON
// object. String values get their \n, \" and \\ escapes undone; literal
// values must be followed by a terminator so a half-written trailing pair is
// dropped rather than guessed at.
func recoverPartialJSON(block string) map[string]any {
	values := make(map[string]any)

	for _, m := range stringPairRe.FindAllStringSubmatch(block, -1) {
		values[unescaper.Replace(m[1])] = unescaper.Replace(m[2])
	}

	for _, m := range literalPairRe.FindAllStringSubmatch(block, -1) {
		key := unescaper.Replace(m[1])
		if _, exists := values[key]; exists {
			continue
		}
		switch m[2] {
		case "true":
			values[key] = true
		case "false":
			values[key] = false
		case "null":
			values[key] = nil
		default:
			var num float64
			if err := json.Unmarshal([]byte(m[2]), &num); err == nil {
				values[key] = num
			}
		}
	}

	if len(values) == 0 {
		return nil
	}
	return values
}
