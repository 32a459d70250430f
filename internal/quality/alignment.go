// Package quality implements the query-response alignment scorer: a
// deterministic, CPU-cheap estimator of whether a response addresses its
// prompt well enough for the cascade engine to accept a drafter's output
// without escalating to a verifier.
package quality

import (
	"regexp"
	"strings"
)

// Analysis is the scorer's full diagnostic output.
type Analysis struct {
	Score        float64
	Features     map[string]any
	Reasoning    string
	IsTrivial    bool
	BaselineUsed float64
}

const (
	baselineStandard = 0.20
	baselineTrivial  = 0.25
	offTopicCap      = 0.15
)

// Scorer holds the fixed vocabularies the algorithm consults. It carries no
// request-scoped state, so one Scorer is safe to share across goroutines.
type Scorer struct {
	stopwords     map[string]bool
	abbreviations map[string]bool
	synonyms      map[string][]string
}

// NewScorer builds a scorer with the production-calibrated vocabularies.
func NewScorer() *Scorer {
	return &Scorer{
		stopwords: setOf(
			"the", "is", "a", "an", "and", "or", "but", "in", "on", "at", "to", "for", "of",
			"with", "by", "from", "as", "what", "how", "why", "when", "where", "who", "which",
			"do", "does", "did", "can", "could", "would", "should",
		),
		abbreviations: setOf(
			"ai", "ml", "nlp", "llm", "gpt", "api", "sql", "nosql", "aws", "gcp", "azure",
			"cpu", "gpu", "ram", "ssd", "hdd", "html", "css", "js", "xml", "json", "yaml",
			"csv", "http", "https", "tcp", "udp", "ip", "dns", "ssh", "ftp", "url", "uri",
			"urn", "ui", "ux", "db", "ci", "cd", "ide", "sdk", "jdk", "npm", "pip", "git",
			"svn", "ios", "macos", "os", "vm", "vps", "cdn", "ssl", "tls", "orm", "mvc",
			"mvvm", "pdf", "rtf", "docx", "xlsx", "ner", "pos", "ocr", "cv", "dl", "rl", "gan",
		),
		synonyms: map[string][]string{
			"python":     {"py", "programming language"},
			"javascript": {"js", "ecmascript", "script"},
			"compare":    {"comparison", "versus", "vs", "difference", "differ"},
			"api":        {"interface", "endpoint", "application programming interface"},
			"algorithm":  {"algo", "method", "approach", "procedure"},
			"function":   {"func", "method", "routine"},
			"database":   {"db", "data store", "storage"},
			"implement":  {"implementation", "build", "create", "develop"},
		},
	}
}

func setOf(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// Score computes the alignment score and returns the full Analysis;
// callers that only need the number can ignore everything but .Score.
func (s *Scorer) Score(query, response string, queryDifficulty float64) Analysis {
	if query == "" || response == "" {
		return Analysis{Score: 0, Features: map[string]any{}, Reasoning: "empty query or response"}
	}

	features := map[string]any{}
	queryLower := strings.ToLower(strings.TrimSpace(query))
	responseLower := strings.ToLower(strings.TrimSpace(response))

	if fp, ok := s.fastPath(query, response, queryLower, responseLower, features); ok {
		return fp
	}

	trivial := s.isTrivialQuery(query, response)
	features["is_trivial"] = trivial

	baseline := baselineStandard
	if trivial {
		baseline = baselineTrivial
	}
	features["baseline"] = baseline
	score := baseline

	coverage, hasKeywords := s.keywordCoverage(queryLower, responseLower)
	features["keyword_coverage"] = coverage
	score += coverage

	importance := s.importantWords(query, response)
	features["important_coverage"] = importance
	score += importance

	length := s.lengthAppropriateness(queryDifficulty, responseLower, trivial)
	features["length_appropriateness"] = length
	score += length

	directness := s.directness(queryLower, responseLower, queryDifficulty)
	features["directness"] = directness
	score += directness

	depth := s.explanationDepth(responseLower, queryDifficulty)
	features["explanation_depth"] = depth
	score += depth

	pattern := s.answerPattern(queryLower, responseLower)
	features["answer_pattern"] = pattern
	score += pattern

	reasoning := s.reasoningChain(responseLower)
	features["reasoning_chain"] = reasoning
	score += reasoning

	if !hasKeywords && len(strings.Fields(queryLower)) > 2 {
		score = minF(score*0.60, offTopicCap)
		features["off_topic_penalty"] = true
	}

	if trivial && hasKeywords && coverage > 0 {
		score *= 1.15
		features["trivial_boost"] = true
	}

	final := clamp(score, 0, 1)
	return Analysis{
		Score:        final,
		Features:     features,
		Reasoning:    s.explain(features, final),
		IsTrivial:    trivial,
		BaselineUsed: baseline,
	}
}

// fastPath evaluates format-specific detectors in priority order. Each
// detector pairs a prompt-side check with a response-side validator; both
// must fire for the fast path to apply.
func (s *Scorer) fastPath(query, response, queryLower, responseLower string, features map[string]any) (Analysis, bool) {
	type candidate struct {
		name      string
		detect    func() bool
		validate  func() bool
		score     float64
		isTrivial bool
		baseline  float64
		label     string
	}

	candidates := []candidate{
		{
			name:      "mcq",
			detect:    func() bool { return isMCQFormat(query) },
			validate:  func() bool { return isValidMCQResponse(response) },
			score:     0.75,
			isTrivial: true,
			baseline:  baselineTrivial,
			label:     "MCQ format with valid letter answer",
		},
		{
			name:      "classification",
			detect:    func() bool { return isClassificationFormat(queryLower) },
			validate:  func() bool { return isValidClassificationResponse(responseLower) },
			score:     0.72,
			isTrivial: true,
			baseline:  baselineTrivial,
			label:     "Classification format with valid intent answer",
		},
		{
			name:      "long_context_qa",
			detect:    func() bool { return isLongContextQAFormat(query, queryLower) },
			validate:  func() bool { return isValidLongContextResponse(response, responseLower) },
			score:     0.72,
			isTrivial: false,
			baseline:  baselineStandard,
			label:     "Long context QA format with valid answer",
		},
		{
			name:      "function_call",
			detect:    func() bool { return isFunctionCallFormat(queryLower, query) },
			validate:  func() bool { return isValidFunctionCallResponse(responseLower, response) },
			score:     0.72,
			isTrivial: false,
			baseline:  baselineStandard,
			label:     "Function call format with valid tool response",
		},
		{
			name:      "roleplay",
			detect:    func() bool { return isRoleplayFormat(queryLower) },
			validate:  func() bool { return isValidRoleplayResponse(response, responseLower) },
			score:     0.70,
			isTrivial: false,
			baseline:  baselineStandard,
			label:     "Roleplay format with valid persona response",
		},
		{
			name:      "extraction",
			detect:    func() bool { return isExtractionFormat(queryLower) },
			validate:  func() bool { return isValidExtractionResponse(response) },
			score:     0.70,
			isTrivial: false,
			baseline:  baselineStandard,
			label:     "Extraction format with valid structured response",
		},
		{
			name:      "multi_turn",
			detect:    func() bool { return isMultiTurnFormat(query, queryLower) },
			validate:  func() bool { return isValidMultiTurnResponse(response, responseLower) },
			score:     0.72,
			isTrivial: false,
			baseline:  baselineStandard,
			label:     "Multi-turn conversation format with valid response",
		},
	}

	for _, c := range candidates {
		isFormat := c.detect()
		features["is_"+c.name] = isFormat
		if !isFormat {
			continue
		}
		valid := c.validate()
		features["valid_"+c.name+"_response"] = valid
		if !valid {
			continue
		}
		features["is_trivial"] = c.isTrivial
		features["baseline"] = c.baseline
		features[c.name+"_boost"] = true
		return Analysis{
			Score:        c.score,
			Features:     features,
			Reasoning:    c.label,
			IsTrivial:    c.isTrivial,
			BaselineUsed: c.baseline,
		}, true
	}
	return Analysis{}, false
}

var trivialPatterns = []string{
	"what is", "who is", "when", "where", "how many", "how much", "which",
	"calculate", "compute", "equals", "sum", "add", "subtract", "multiply",
	"divide", "capital", "color", "colour",
}

func (s *Scorer) isTrivialQuery(query, response string) bool {
	responseLen := len(strings.Fields(response))
	queryLen := len(strings.Fields(query))
	if responseLen > 3 || queryLen > 10 {
		return false
	}
	queryLower := strings.ToLower(query)
	for _, p := range trivialPatterns {
		if strings.Contains(queryLower, p) {
			return true
		}
	}
	return false
}

func (s *Scorer) extractKeywords(text string) map[string]bool {
	words := strings.Fields(strings.ToLower(text))
	keywords := make(map[string]bool)
	for _, w := range words {
		clean := strings.Trim(w, ".,!?;:\"'()[]{}")
		if clean == "" || s.stopwords[clean] {
			continue
		}
		if containsDigit(clean) {
			keywords[clean] = true
			continue
		}
		if s.abbreviations[clean] {
			keywords[clean] = true
			continue
		}
		if len(clean) > 2 {
			keywords[clean] = true
		}
	}
	return keywords
}

func (s *Scorer) keywordCoverage(queryLower, responseLower string) (float64, bool) {
	queryWords := s.extractKeywords(queryLower)
	responseWords := s.extractKeywords(responseLower)
	if len(queryWords) == 0 {
		return 0.0, true
	}

	matches := 0.0
	for word := range queryWords {
		if responseWords[word] || strings.Contains(responseLower, word) {
			matches++
		} else if syns, ok := s.synonyms[word]; ok {
			for _, syn := range syns {
				if strings.Contains(responseLower, syn) {
					matches += 0.8
					break
				}
			}
		}
	}

	responseWordCount := len(strings.Fields(responseLower))
	if responseWordCount <= 3 && len(responseWords) > 0 {
		matches = maxF(matches, 0.5)
	}

	coverageRatio := matches / float64(len(queryWords))
	hasKeywords := matches > 0 || (len(responseWords) > 0 && responseWordCount <= 3)

	switch {
	case coverageRatio >= 0.7:
		return 0.30, true
	case coverageRatio >= 0.5:
		return 0.20, true
	case coverageRatio >= 0.3:
		return 0.10, true
	case coverageRatio >= 0.1:
		return 0.00, hasKeywords
	default:
		if hasKeywords {
			return 0.00, true
		}
		return -0.10, false
	}
}

var questionStarters = setOf("What", "How", "When", "Where", "Who", "Why", "Which", "Can", "Could", "Should", "Would")

func (s *Scorer) importantWords(query, response string) float64 {
	var important []string
	for _, word := range strings.Fields(query) {
		switch {
		case word != "" && isUpper(rune(word[0])) && !questionStarters[word]:
			important = append(important, strings.ToLower(word))
		case len(word) > 8:
			important = append(important, strings.ToLower(word))
		case containsDigit(word):
			important = append(important, strings.ToLower(stripNonWordPlusMinus(word)))
		}
	}
	if len(important) == 0 {
		return 0.0
	}
	responseLower := strings.ToLower(response)
	covered := 0
	for _, w := range important {
		if strings.Contains(responseLower, w) {
			covered++
		}
	}
	ratio := float64(covered) / float64(len(important))
	switch {
	case ratio >= 0.7:
		return 0.10
	case ratio >= 0.5:
		return 0.07
	case ratio >= 0.3:
		return 0.05
	case ratio > 0:
		return 0.02
	default:
		return 0.0
	}
}

func (s *Scorer) lengthAppropriateness(queryDifficulty float64, responseLower string, trivial bool) float64 {
	responseLength := len(responseLower)

	if trivial {
		switch {
		case responseLength <= 10:
			return 0.20
		case responseLength <= 30:
			return 0.15
		case responseLength <= 50:
			return 0.10
		default:
			return 0.05
		}
	}

	var expectedMin, expectedMax, optimalMin, optimalMax int
	switch {
	case queryDifficulty < 0.3:
		expectedMin, expectedMax, optimalMin, optimalMax = 5, 100, 10, 50
	case queryDifficulty < 0.5:
		expectedMin, expectedMax, optimalMin, optimalMax = 20, 250, 40, 150
	case queryDifficulty < 0.7:
		expectedMin, expectedMax, optimalMin, optimalMax = 50, 500, 100, 300
	default:
		expectedMin, expectedMax, optimalMin, optimalMax = 100, 800, 150, 500
	}

	switch {
	case responseLength >= optimalMin && responseLength <= optimalMax:
		return 0.20
	case responseLength >= expectedMin && responseLength <= expectedMax:
		return 0.10
	case responseLength < expectedMin:
		ratio := float64(responseLength) / float64(expectedMin)
		switch {
		case ratio < 0.3:
			return -0.15
		case ratio < 0.6:
			return -0.10
		default:
			return -0.05
		}
	case responseLength > int(float64(expectedMax)*1.5):
		return -0.05
	default:
		return 0.05
	}
}

func (s *Scorer) directness(queryLower, responseLower string, queryDifficulty float64) float64 {
	if queryDifficulty >= 0.5 {
		return 0.0
	}
	sentences := strings.Split(responseLower, ".")
	if len(sentences) == 0 {
		return 0.0
	}
	first := strings.TrimSpace(sentences[0])
	switch {
	case len(first) < 40:
		return 0.15
	case len(first) < 80:
		return 0.10
	case len(first) < 150:
		return 0.05
	default:
		return 0.0
	}
}

var explanationMarkers = []string{
	"because", "therefore", "thus", "however", "although", "for example",
	"for instance", "specifically", "in other words", "that is", "namely",
	"moreover", "furthermore", "additionally", "consequently", "as a result",
	"this means", "in fact", "nevertheless", "nonetheless", "accordingly", "hence",
}

func (s *Scorer) explanationDepth(responseLower string, queryDifficulty float64) float64 {
	if queryDifficulty < 0.6 {
		return 0.0
	}
	count := 0
	for _, marker := range explanationMarkers {
		if strings.Contains(responseLower, marker) {
			count++
		}
	}
	switch {
	case count >= 4:
		return 0.20
	case count >= 3:
		return 0.15
	case count >= 2:
		return 0.10
	case count >= 1:
		return 0.05
	default:
		return 0.0
	}
}

func (s *Scorer) answerPattern(query, response string) float64 {
	score := 0.0
	switch {
	case strings.HasPrefix(query, "what is") || strings.HasPrefix(query, "what are"):
		if containsAny(response, "is", "are", "refers to", "means", "defined as") {
			score += 0.08
		}
	case strings.HasPrefix(query, "how") || strings.Contains(query, "how to"):
		if containsAny(response, "first", "then", "steps", "process", "can", "by", "using") {
			score += 0.08
		}
	case strings.HasPrefix(query, "why"):
		if containsAny(response, "because", "due to", "reason", "since", "as", "causes") {
			score += 0.08
		}
	case strings.HasPrefix(query, "when"):
		if containsAny(response, "in", "during", "year", "time", "date") {
			score += 0.08
		}
	case strings.Contains(query, "compare") || strings.Contains(query, "difference"):
		if containsAny(response, "while", "whereas", "but", "however", "unlike", "different") {
			score += 0.08
		}
	}
	if containsAny(response, "i don't know", "i'm not sure", "unclear", "uncertain") {
		score -= 0.05
	}
	return maxF(0.0, score)
}

var (
	stepIndicatorRe = regexp.MustCompile(`(?i)\b(step\s*\d|first,|second,|third,|next,|finally,)\b`)
	equationRe      = regexp.MustCompile(`\d+\s*[+\-*/]\s*\d+\s*=`)
	conclusionRe    = regexp.MustCompile(`(?i)\b(therefore|thus|so the answer|in conclusion)\b`)
	listItemRe      = regexp.MustCompile(`(?m)^\s*(?:[-*]|\d+[.)])\s+`)
)

func (s *Scorer) reasoningChain(responseLower string) float64 {
	if len(responseLower) < 100 {
		return 0.0
	}
	structural := 0.0
	if n := len(equationRe.FindAllString(responseLower, -1)); n > 0 {
		structural += 0.03 * float64(min(n, 3))
	}
	if n := len(stepIndicatorRe.FindAllString(responseLower, -1)); n > 0 {
		structural += 0.03 * float64(min(n, 3))
	}
	if conclusionRe.MatchString(responseLower) {
		structural += 0.05
	}
	if n := len(listItemRe.FindAllString(responseLower, -1)); n >= 3 {
		structural += 0.05
	}
	if strings.Contains(responseLower, "```") && len(responseLower) > 150 {
		structural += 0.03
	}
	if structural < 0.08 {
		return 0.0
	}

	bonus := 0.0
	if equationRe.MatchString(responseLower) {
		bonus += 0.03
	}
	if containsAny(responseLower, "while", "whereas", "compared to", "on the other hand") {
		bonus += 0.03
	}
	if containsAny(responseLower, "experiment", "hypothesis", "measured", "observed") {
		bonus += 0.03
	}

	return minF(structural+bonus, 0.25)
}

func (s *Scorer) explain(features map[string]any, final float64) string {
	if b, ok := features["off_topic_penalty"]; ok && b == true {
		return "Off-topic: response shares no keywords with the prompt"
	}
	if b, ok := features["is_trivial"]; ok && b == true {
		return "Trivial query with keyword-matched short answer"
	}
	return "General multi-signal score"
}

func containsDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }

func stripNonWordPlusMinus(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '+' || r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
