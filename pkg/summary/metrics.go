package summary

import (
	"fmt"
	"math"
	"strings"
)

// ModelMetrics describes one completed answer.
type ModelMetrics struct {
	Rank         int      `json:"rank"`
	Model        string   `json:"model"`
	Score        float64  `json:"score"`
	WordCount    int      `json:"word_count"`
	TokenCount   int      `json:"token_count"`
	LineCount    int      `json:"line_count"`
	Completeness float64  `json:"completeness"`
	Strengths    []string `json:"strengths"`
	Weaknesses   []string `json:"weaknesses"`
	BestUseCase  string   `json:"best_use_case"`
}

// Scorer turns metrics into a ranking score; higher ranks first.
type Scorer interface {
	Score(m ModelMetrics) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(m ModelMetrics) float64

func (f ScorerFunc) Score(m ModelMetrics) float64 { return f(m) }

// CompletionBonus is added to every completed answer by DefaultScorer.
const CompletionBonus = 2.0

// DefaultScorer ranks by completeness plus a flat bonus for having completed.
var DefaultScorer Scorer = ScorerFunc(func(m ModelMetrics) float64 {
	return round1(m.Completeness + CompletionBonus)
})

const (
	useDetailed  = "detailed analysis"
	useQuick     = "quick answers"
	useGeneral   = "general purpose"
	useTechnical = "technical questions"
)

var exampleMarkers = []string{"for example", "e.g.", "for instance", "such as", "```"}

var programmingMarkers = []string{"```", "func ", "def ", "#include", "function(", "console.log", "public static", "print(", "=>"}

func wordCount(text string) int { return len(strings.Fields(text)) }

func lineCount(text string) int {
	n := 0
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			n++
		}
	}
	return n
}

func containsAny(text string, markers []string) bool {
	lower := strings.ToLower(text)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// completeness is words relative to the average, on a 0-10 scale.
func completeness(words int, avg float64) float64 {
	if avg <= 0 {
		return 0
	}
	return round1(math.Min(10, float64(words)/avg*5))
}

func bestUseCase(text string, words int) string {
	switch {
	case containsAny(text, programmingMarkers):
		return useTechnical
	case words > 500:
		return useDetailed
	case words < 200:
		return useQuick
	default:
		return useGeneral
	}
}

func assess(text string, words, lines int, avg float64) (strengths, weaknesses []string) {
	if containsAny(text, exampleMarkers) {
		strengths = append(strengths, "Includes concrete examples")
	} else {
		weaknesses = append(weaknesses, "No concrete examples")
	}
	switch {
	case lines > 3:
		strengths = append(strengths, "Structured across multiple lines")
	case lines <= 1:
		weaknesses = append(weaknesses, "Single block of text")
	}
	switch {
	case avg > 0 && float64(words) >= avg*1.2:
		strengths = append(strengths, fmt.Sprintf("More thorough than average (%d words)", words))
	case avg > 0 && float64(words) <= avg*0.5:
		weaknesses = append(weaknesses, fmt.Sprintf("Much shorter than average (%d words)", words))
	}
	if strengths == nil {
		strengths = []string{}
	}
	if weaknesses == nil {
		weaknesses = []string{}
	}
	return strengths, weaknesses
}

func round1(f float64) float64 { return math.Round(f*10) / 10 }
