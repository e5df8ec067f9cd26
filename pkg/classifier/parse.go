package classifier

import (
	"encoding/json"
	"sort"
	"strings"
	"unicode"

	"github.com/kunal/gpu-utilization-monitor/pkg/model"
)

type completionChoice struct {
	FinishReason string `json:"finish_reason"`
	Message      struct {
		Content string `json:"content"`
	} `json:"message"`
}

// verdict is the JSON object the model must return. Pointers distinguish a
// missing field from a zero value.
type verdict struct {
	Status         *string  `json:"status"`
	Confidence     *float64 `json:"confidence"`
	Reason         *string  `json:"reason"`
	Recommendation *string  `json:"recommendation"`
	AdjustedScore  *float64 `json:"adjusted_score"`
}

// parseReply validates a chat completion body and extracts the verdict.
// Every failure is a *ReplyError.
func parseReply(body []byte, deviceID string, rawScore float64) (*model.SemanticClassification, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil || envelope == nil {
		return nil, replyErrorf(string(body), "response is not a JSON object")
	}

	rawChoices, ok := envelope["choices"]
	if !ok {
		return nil, replyErrorf(string(body), "response is missing 'choices' (keys: %s)", strings.Join(sortedKeys(envelope), ", "))
	}
	var choices []completionChoice
	if err := json.Unmarshal(rawChoices, &choices); err != nil {
		return nil, replyErrorf(string(rawChoices), "malformed 'choices': %v", err)
	}
	if len(choices) == 0 {
		return nil, replyErrorf("", "'choices' is empty")
	}

	choice := choices[0]
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		if choice.FinishReason == "length" {
			return nil, replyErrorf("", "reply truncated at the token limit; raise max_completion_tokens")
		}
		finish := choice.FinishReason
		if finish == "" {
			finish = "unknown"
		}
		return nil, replyErrorf("", "reply content is empty (finish_reason: %s)", finish)
	}

	payload := stripFences(content)
	var v verdict
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return nil, replyErrorf(payload, "reply is not valid JSON: %v", err)
	}

	var missing []string
	if v.Status == nil {
		missing = append(missing, "status")
	}
	if v.Confidence == nil {
		missing = append(missing, "confidence")
	}
	if v.Reason == nil {
		missing = append(missing, "reason")
	}
	if v.Recommendation == nil {
		missing = append(missing, "recommendation")
	}
	if v.AdjustedScore == nil {
		missing = append(missing, "adjusted_score")
	}
	if len(missing) > 0 {
		return nil, replyErrorf(payload, "reply is missing required fields: %s", strings.Join(missing, ", "))
	}

	status := model.ClassifierStatus(strings.ToLower(strings.TrimSpace(*v.Status)))
	if !status.Valid() {
		return nil, replyErrorf(payload, "unknown status %q", *v.Status)
	}
	if *v.Confidence < 0 || *v.Confidence > 1 {
		return nil, replyErrorf(payload, "confidence %v outside [0,1]", *v.Confidence)
	}
	if *v.AdjustedScore < 0 || *v.AdjustedScore > 100 {
		return nil, replyErrorf(payload, "adjusted_score %v outside [0,100]", *v.AdjustedScore)
	}

	adjusted := model.Round1(*v.AdjustedScore)
	return &model.SemanticClassification{
		DeviceID:       deviceID,
		Status:         status,
		Confidence:     *v.Confidence,
		Reason:         *v.Reason,
		Recommendation: *v.Recommendation,
		RawScore:       rawScore,
		AdjustedScore:  &adjusted,
	}, nil
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && isLanguageTag(s[:nl]) {
		s = s[nl+1:]
	}
	if end := strings.Index(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

func isLanguageTag(s string) bool {
	s = strings.TrimSpace(s)
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// degraded is the result returned for any semantic-parse fault.
func degraded(deviceID string, rawScore float64, reason string) *model.SemanticClassification {
	return &model.SemanticClassification{
		DeviceID:       deviceID,
		Status:         model.ClassifierSuspicious,
		Confidence:     0,
		Reason:         "Classifier reply unusable: " + reason,
		Recommendation: "Manual review recommended",
		RawScore:       rawScore,
	}
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
