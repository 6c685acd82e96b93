package agent

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how oversized tool output is cut down before it
// enters the transcript.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// Default character limits per tool.
var defaultToolCharLimits = map[string]int{
	"read_file":         50000,
	"run_command":       30000,
	"grep":              20000,
	"list_dir":          20000,
	"apply_patch":       10000,
	"write_file":        1000,
	"delegate_workflow": 20000,
}

// Default truncation modes per tool.
var defaultTruncationModes = map[string]TruncationMode{
	"read_file":         TruncateHeadTail,
	"run_command":       TruncateHeadTail,
	"grep":              TruncateTail,
	"list_dir":          TruncateTail,
	"apply_patch":       TruncateTail,
	"write_file":        TruncateTail,
	"delegate_workflow": TruncateHeadTail,
}

// Default line limits per tool, applied after character truncation.
var defaultToolLineLimits = map[string]int{
	"run_command": 256,
	"grep":        200,
	"list_dir":    500,
}

// TruncateOutput applies character-based truncation to output.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if len(output) <= maxChars {
		return output
	}

	removed := len(output) - maxChars
	switch mode {
	case TruncateTail:
		return fmt.Sprintf("[Output truncated: first %d characters removed. Re-run with narrower parameters to see them.]\n\n", removed) +
			output[len(output)-maxChars:]
	default: // head_tail
		half := maxChars / 2
		return output[:half] +
			fmt.Sprintf("\n\n[Output truncated: %d characters removed from the middle. Re-run with narrower parameters to see them.]\n\n", removed) +
			output[len(output)-half:]
	}
}

// TruncateLines applies line-based truncation using a head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput applies the full truncation pipeline for a tool:
// character truncation first (handles pathological cases), then line
// truncation for readability. Config maps override the defaults.
func TruncateToolOutput(output, toolName string, charLimits, lineLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		maxChars, ok = defaultToolCharLimits[toolName]
		if !ok {
			maxChars = 30000
		}
	}

	mode, ok := defaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}

	result := TruncateOutput(output, maxChars, mode)

	maxLines := 0
	if lineLimits != nil {
		if ml, ok := lineLimits[toolName]; ok {
			maxLines = ml
		}
	}
	if maxLines == 0 {
		if ml, ok := defaultToolLineLimits[toolName]; ok {
			maxLines = ml
		}
	}
	if maxLines > 0 {
		result = TruncateLines(result, maxLines)
	}

	return result
}
