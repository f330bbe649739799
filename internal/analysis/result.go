package analysis

import (
	"encoding/json"
	"strings"

	"github.com/partlabs/eolwatch/internal/eol"
)

// maxExtractBytes bounds the brace-substring fallback so a runaway
// response cannot allocate unbounded intermediate strings.
const maxExtractBytes = 64 * 1024

// ParseAnalysisResponse decodes the model output into an AnalysisResult.
// A direct JSON parse is tried first; if the model wrapped the object in
// prose or code fences, the outermost brace-delimited substring is parsed
// instead. The decoded verdict is then validated.
func ParseAnalysisResponse(content string) (eol.AnalysisResult, error) {
	var result eol.AnalysisResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		extracted, ok := extractJSONObject(content)
		if !ok {
			return eol.AnalysisResult{}, &eol.ValidationError{Reason: "no JSON object in response"}
		}
		if err := json.Unmarshal([]byte(extracted), &result); err != nil {
			return eol.AnalysisResult{}, &eol.ValidationError{Reason: "malformed JSON object in response"}
		}
	}
	if err := validateResult(&result); err != nil {
		return eol.AnalysisResult{}, err
	}
	return result, nil
}

func extractJSONObject(content string) (string, bool) {
	if len(content) > maxExtractBytes {
		return "", false
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return content[start : end+1], true
}

func validateResult(r *eol.AnalysisResult) error {
	switch r.Status {
	case eol.VerdictActive, eol.VerdictDiscontinued, eol.VerdictUnknown:
	default:
		return &eol.ValidationError{Reason: "status must be active, discontinued or unknown"}
	}
	if strings.TrimSpace(r.Explanation) == "" {
		return &eol.ValidationError{Reason: "explanation is empty"}
	}
	if !r.Successor.Exists {
		// A successor only makes sense when the model named one.
		r.Successor = eol.Successor{}
	} else if strings.TrimSpace(r.Successor.Model) == "" {
		return &eol.ValidationError{Reason: "successor.exists set without a model"}
	}
	return nil
}
