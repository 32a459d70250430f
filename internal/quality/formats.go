package quality

import (
	"regexp"
	"strings"
)

// This file holds the per-format fast-path detectors and response
// validators. Each pair is evaluated together in Scorer.fastPath: a format
// is recognized only when both the prompt-side detector and the
// response-side validator agree.

// --- MCQ ---

var (
	mcqChoicePatternRe = regexp.MustCompile(`(?m)\b[A-D][.)]\s`)
	mcqInstructions     = []string{
		"choose the correct answer", "select the correct answer", "pick the correct answer",
		"which of the following", "select one", "choose one", "multiple choice",
	}
	mcqAnswerPromptSuffixes = []string{"answer:", "answer"}
)

func isMCQFormat(query string) bool {
	lower := strings.ToLower(query)
	hasInstruction := false
	for _, p := range mcqInstructions {
		if strings.Contains(lower, p) {
			hasInstruction = true
			break
		}
	}
	choiceCount := len(mcqChoicePatternRe.FindAllString(query, -1))
	hasAnswerPrompt := false
	for _, p := range mcqAnswerPromptSuffixes {
		if strings.HasSuffix(strings.TrimSpace(lower), p) {
			hasAnswerPrompt = true
			break
		}
	}
	return hasInstruction || (choiceCount >= 2 && (hasInstruction || hasAnswerPrompt))
}

var (
	mcqSingleLetterRe = regexp.MustCompile(`(?i)^[A-D]$`)
	mcqLeadingLetterRe = regexp.MustCompile(`(?i)^[A-D][.)\s]`)
	mcqAnswerPatterns  = []*regexp.Regexp{
		regexp.MustCompile(`(?i)answer is [A-D]\b`),
		regexp.MustCompile(`(?i)(believe|think) (the )?answer is [A-D]\b`),
		regexp.MustCompile(`(?i)(choose|select|pick) [A-D]\b`),
		regexp.MustCompile(`(?i)^[A-D][.):]`),
		regexp.MustCompile(`(?i)correct answer is [A-D]\b`),
		regexp.MustCompile(`(?i)option [A-D]\b`),
	}
)

func isValidMCQResponse(response string) bool {
	trimmed := strings.TrimSpace(response)
	if mcqSingleLetterRe.MatchString(trimmed) {
		return true
	}
	if mcqLeadingLetterRe.MatchString(trimmed) {
		return true
	}
	for _, re := range mcqAnswerPatterns {
		if re.MatchString(trimmed) {
			return true
		}
	}
	return false
}

// --- Intent classification ---

var (
	classificationInstructions = []string{
		"classify the following", "classify this", "what is the intent",
		"determine the intent", "categorize the following", "what category",
		"which category", "label the following", "identify the intent", "classify into",
	}
	listMarkers          = []string{"options:", "categories:", "labels:", "choices:", "classes:"}
	outputFormatMarkers  = []string{"respond with only", "output format:", "answer with one word", "return only the label"}
)

func isClassificationFormat(queryLower string) bool {
	hasInstruction := containsAny(queryLower, classificationInstructions...)
	if !hasInstruction {
		return false
	}
	return containsAny(queryLower, listMarkers...) || containsAny(queryLower, outputFormatMarkers...)
}

var (
	classificationStructuredRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)intent:\s*\w+`),
		regexp.MustCompile(`(?i)category:\s*\w+`),
		regexp.MustCompile(`(?i)label:\s*\w+`),
		regexp.MustCompile(`(?i)class:\s*\w+`),
	}
	classificationNaturalPatterns = []string{
		"this is classified as", "this falls under", "the intent is",
		"this belongs to the category", "i would classify this as",
	}
)

func isValidClassificationResponse(responseLower string) bool {
	for _, re := range classificationStructuredRes {
		if re.MatchString(responseLower) {
			return true
		}
	}
	return containsAny(responseLower, classificationNaturalPatterns...)
}

// --- Long-context QA ---

var (
	qaMarkers = []string{
		"based on the above", "according to the text", "based on the context",
		"given the following", "using the information above", "from the passage",
		"based on the document", "as described above", "summarize the above",
		"according to the passage", "based on the article", "in the context provided",
	}
	functionMarkers = []string{
		"available functions", "available tools", "function schema",
		"tool definitions", "you have access to",
	}
	codeContextMarkers = []string{"```", "def ", "class ", "import ", "function ", "const ", "let ", "var "}
)

func isLongContextQAFormat(query, queryLower string) bool {
	if len(strings.Fields(query)) < 300 {
		return false
	}
	return containsAny(queryLower, qaMarkers...) ||
		containsAny(queryLower, functionMarkers...) ||
		containsAny(queryLower, codeContextMarkers...)
}

func isValidLongContextResponse(response, responseLower string) bool {
	wordCount := len(strings.Fields(response))
	if wordCount == 0 {
		return false
	}
	if wordCount <= 2 {
		stripped := strings.NewReplacer(" ", "", "-", "", "_", "").Replace(responseLower)
		if isAlphanumeric(stripped) {
			return true
		}
		switch strings.TrimSpace(responseLower) {
		case "yes", "no", "true", "false", "none", "unknown", "n/a":
			return true
		}
		return false
	}
	if containsAny(responseLower, "function_call", "tool_call", "\"name\":", "\"arguments\":") {
		return true
	}
	if containsAny(responseLower, "answer:", "the answer is", "result:") {
		return true
	}
	if wordCount >= 5 {
		if strings.ToUpper(response) == response && len(response) > 20 {
			return false
		}
		realWords := 0
		for _, w := range strings.Fields(response) {
			if len(w) > 1 && isAlpha(w) {
				realWords++
			}
		}
		return realWords >= 3
	}
	return true
}

// --- Function calling ---

var (
	functionCallSchemaPatterns = []string{
		`"name":`, `"parameters":`, `"arguments":`, `"function":`, `"tool_calls":`, `"type": "function"`,
	}
	plainTextToolPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^- \w+:`),
		regexp.MustCompile(`(?m)\n- \w+:`),
		regexp.MustCompile(`(?i)access to the following tools`),
		regexp.MustCompile(`(?i)available tools:`),
		regexp.MustCompile(`(?i)you have access to`),
	}
	functionInstructionPatterns = []string{
		"call the appropriate function", "use the following tools", "invoke a function",
		"select the right tool", "use a tool to", "call a function to",
		"which function should", "choose a tool", "use one of the following functions",
		"you may call functions", "respond with a function call",
		"invoke the necessary tool", "select an appropriate function",
		"determine which tool", "pick the right function",
	}
)

func isFunctionCallFormat(queryLower, query string) bool {
	if !containsAny(queryLower, functionMarkers...) {
		return false
	}
	for _, p := range functionCallSchemaPatterns {
		if strings.Contains(queryLower, p) {
			return true
		}
	}
	for _, re := range plainTextToolPatterns {
		if re.MatchString(query) {
			return true
		}
	}
	if containsAny(queryLower, functionInstructionPatterns...) {
		return true
	}
	count := 0
	for _, marker := range []string{"tool:", "parameters:", "tool_name:", "arguments:"} {
		if strings.Contains(queryLower, marker) {
			count++
		}
	}
	return count >= 2
}

var (
	noToolNeededPatterns = []string{
		"i don't need to use any tools", "no tool is needed", "no function call is needed",
		"i can answer this directly", "this doesn't require a tool", "i don't need a function",
		"no tools are necessary", "i can respond without using",
	}
	functionJSONPatterns = []string{`"name":`, `"arguments":`, `"parameters":`, `"function_call"`, `"tool_calls"`, `"type": "function"`}
	commonFunctionNames  = []string{
		"get_weather", "calculate", "search", "create_event", "send_email",
		"get_time", "lookup", "fetch_data", "query_database", "translate_text",
		"convert_currency", "book_flight",
	}
	functionParamPatterns = []*regexp.Regexp{
		regexp.MustCompile(`"location"`), regexp.MustCompile(`"query"`), regexp.MustCompile(`"date"`),
		regexp.MustCompile(`"amount"`), regexp.MustCompile(`"email"`), regexp.MustCompile(`"city"`),
		regexp.MustCompile(`"name"`), regexp.MustCompile(`"id"`), regexp.MustCompile(`"text"`),
		regexp.MustCompile(`"value"`), regexp.MustCompile(`"input"`),
	}
)

func isValidFunctionCallResponse(responseLower, response string) bool {
	if containsAny(responseLower, noToolNeededPatterns...) {
		return true
	}
	for _, p := range functionJSONPatterns {
		if strings.Contains(responseLower, p) {
			return true
		}
	}
	if strings.Contains(response, "```") && (strings.Contains(response, "(") || strings.Contains(response, "{")) {
		return true
	}
	if containsAny(responseLower, "function:", "tool:", "call:") {
		return true
	}
	naturalToolPhrases := []string{
		"i'll call", "i will call", "calling the", "using the tool", "i'll use the",
		"invoking", "let me call", "i'll invoke", "calling function",
		"i need to call", "using function", "let me use the",
		"i'll search for", "i'll look up", "calling the function",
		"let me fetch", "i'll fetch",
	}
	if containsAny(responseLower, naturalToolPhrases...) {
		return true
	}
	for _, name := range commonFunctionNames {
		if strings.Contains(responseLower, name) {
			return true
		}
	}
	for _, re := range functionParamPatterns {
		if re.MatchString(response) {
			return true
		}
	}
	return false
}

// --- Roleplay ---

var roleplayInstructions = []string{
	"you are now", "act as", "roleplay as", "pretend to be", "stay in character",
	"respond as if you were", "take on the role of", "play the role of", "in character as",
}

func isRoleplayFormat(queryLower string) bool {
	return containsAny(queryLower, roleplayInstructions...)
}

func isValidRoleplayResponse(response, responseLower string) bool {
	if strings.TrimSpace(response) == "" {
		return false
	}
	breakPhrases := []string{
		"as an ai language model", "i'm just an ai", "i am an ai assistant and cannot",
		"i cannot pretend", "i don't have the ability to roleplay",
	}
	if containsAny(responseLower, breakPhrases...) {
		return false
	}
	return len(strings.Fields(response)) >= 3
}

// --- Extraction ---

var extractionInstructions = []string{
	"extract the following", "extract all", "pull out the", "identify and extract",
	"extract the entities", "list all the", "extract key information",
	"find and extract", "extract the fields", "parse out the",
}

func isExtractionFormat(queryLower string) bool {
	return containsAny(queryLower, extractionInstructions...)
}

func isValidExtractionResponse(response string) bool {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return false
	}
	hasStructure := strings.Contains(trimmed, ":") ||
		listItemRe.MatchString(trimmed) ||
		strings.Contains(trimmed, "{") ||
		strings.Contains(trimmed, ",")
	return hasStructure
}

// --- Multi-turn conversation ---

var conversationTurnMarkers = []string{
	"user:", "assistant:", "human:", "ai:", "turn 1", "turn 2", "previous message",
	"in the conversation above", "continuing from", "as we discussed",
}

func isMultiTurnFormat(query, queryLower string) bool {
	markerCount := 0
	for _, m := range conversationTurnMarkers {
		if strings.Contains(queryLower, m) {
			markerCount++
		}
	}
	return markerCount >= 2
}

func isValidMultiTurnResponse(response, responseLower string) bool {
	if strings.TrimSpace(response) == "" {
		return false
	}
	confusionPhrases := []string{"i don't have access to previous", "i don't recall any prior", "what conversation are you referring to"}
	if containsAny(responseLower, confusionPhrases...) {
		return false
	}
	return len(strings.Fields(response)) >= 2
}

func isAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
	}
	return len(s) > 0
}
