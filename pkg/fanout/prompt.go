package fanout

import (
	"fmt"
	"strings"
)

// Mode is the admission policy for model launches.
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeBatch      Mode = "batch"
	ModeSequential Mode = "sequential"
)

// ParseMode maps unknown or empty values to ModeBatch.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeParallel:
		return ModeParallel
	case ModeSequential:
		return ModeSequential
	default:
		return ModeBatch
	}
}

// Title is the capitalized mode name used in status messages.
func (m Mode) Title() string {
	s := string(m)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Length is the requested answer length.
type Length string

const (
	LengthBrief    Length = "brief"
	LengthShort    Length = "short"
	LengthMedium   Length = "medium"
	LengthLong     Length = "long"
	LengthDetailed Length = "detailed"
	LengthCustom   Length = "custom"
)

var lengthInstructions = map[Length]string{
	LengthBrief:    "Please provide a brief response in 1-2 sentences only.",
	LengthShort:    "Please provide a short response in 3-5 sentences.",
	LengthMedium:   "Please provide a medium-length response in 1-2 paragraphs.",
	LengthLong:     "Please provide a detailed response in 3-4 paragraphs.",
	LengthDetailed: "Please provide a comprehensive and detailed response in 5 or more paragraphs.",
}

var lengthTokens = map[Length]int{
	LengthBrief:    100,
	LengthShort:    200,
	LengthMedium:   500,
	LengthLong:     800,
	LengthDetailed: 1200,
	LengthCustom:   600,
}

// ParseLength maps unknown or empty values to LengthMedium.
func ParseLength(s string) Length {
	l := Length(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := lengthTokens[l]; ok {
		return l
	}
	return LengthMedium
}

// MaxTokens is the generation limit for a length.
func (l Length) MaxTokens() int {
	if n, ok := lengthTokens[l]; ok {
		return n
	}
	return lengthTokens[LengthMedium]
}

// DefaultCustomLines is used for LengthCustom when no line count is given.
const DefaultCustomLines = 10

// Instruction is the sentence prepended to the question. customLines is only
// used for LengthCustom.
func (l Length) Instruction(customLines int) string {
	if l == LengthCustom {
		if customLines <= 0 {
			customLines = DefaultCustomLines
		}
		return fmt.Sprintf("Please provide a response that is approximately %d lines long.", customLines)
	}
	if s, ok := lengthInstructions[l]; ok {
		return s
	}
	return lengthInstructions[LengthMedium]
}

// BuildPrompt wraps the question with the length instruction.
func BuildPrompt(question string, l Length, customLines int) string {
	return l.Instruction(customLines) +
		"\n\nQuestion: " + question +
		"\n\nPlease answer the question above following the length requirement specified."
}

// StopSequences end generation before the model starts inventing a follow-up question.
var StopSequences = []string{"\n\n\n", "Question:", "---"}
