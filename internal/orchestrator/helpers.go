package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
)

// marshalExtra serializes a QueryAnalyzer result or candidate list verbatim
// for persistence as resume state — opaque bytes from the core's
// perspective, round-tripped only for crash recovery.
func marshalExtra(v any) ([]byte, error) {
	return json.Marshal(v)
}

// queryFromPayload pulls the search query out of the persisted analyzer
// payload, falling back to the raw input text when the analyzer returned
// no query of its own.
func queryFromPayload(req *models.QuoteRequest) (string, error) {
	var payload struct {
		QueryString string `json:"query_string"`
	}
	if err := json.Unmarshal(req.ClaudePayloadJSON, &payload); err != nil {
		return "", fmt.Errorf("decode analysis payload: %w", err)
	}
	if payload.QueryString == "" {
		return req.InputText, nil
	}
	return payload.QueryString, nil
}

// decodeCandidates recovers the candidate list stashed in resume_data by
// runSearch, so a process restarted between SHOPPING_SEARCH_DONE and
// PRICE_EXTRACTION_DONE does not re-issue the shopping search.
func decodeCandidates(req *models.QuoteRequest) ([]models.Candidate, error) {
	raw, ok := req.ResumeData["candidates"]
	if !ok {
		return nil, fmt.Errorf("no candidates in resume data")
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("candidates resume data has unexpected type %T", raw)
	}
	var candidates []models.Candidate
	if err := json.Unmarshal([]byte(s), &candidates); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	return candidates, nil
}
