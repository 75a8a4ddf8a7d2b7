package intake

import (
	"encoding/json"
	"strings"

	"triage-queue-backend/internal/apperr"
	"triage-queue-backend/internal/model"
)

// Vitals are optional bedside measurements.
type Vitals struct {
	HR    *int     `json:"hr,omitempty"`
	BP    string   `json:"bp,omitempty"`
	RR    *int     `json:"rr,omitempty"`
	SpO2  *int     `json:"spo2,omitempty"`
	TempC *float64 `json:"tempC,omitempty"`
}

// Request is one intake submission.
type Request struct {
	Patient      map[string]any `json:"patient,omitempty"`
	Narrative    string         `json:"narrative"`
	PainScore    *int           `json:"painScore"`
	Vitals       Vitals         `json:"vitals"`
	Language     string         `json:"language,omitempty"`
	SpecialNeeds []string       `json:"specialNeeds,omitempty"`
}

// Validate checks required fields and fills the default language.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Narrative) == "" {
		return apperr.Validation("narrative is required")
	}
	if r.PainScore == nil {
		return apperr.Validation("painScore is required")
	}
	if *r.PainScore < 0 || *r.PainScore > 10 {
		return apperr.Validation("painScore %d is outside [0,10]", *r.PainScore)
	}
	if r.Language == "" {
		r.Language = "en"
	}
	return nil
}

// Updates are the clinical changes a re-assessment merges into the encounter.
type Updates struct {
	Narrative string  `json:"narrative,omitempty"`
	PainScore *int    `json:"painScore,omitempty"`
	Vitals    *Vitals `json:"vitals,omitempty"`
}

// Validate checks the fields that are present.
func (u Updates) Validate() error {
	if u.PainScore != nil && (*u.PainScore < 0 || *u.PainScore > 10) {
		return apperr.Validation("painScore %d is outside [0,10]", *u.PainScore)
	}
	return nil
}

// Assessment is the risk service's verdict. Only Score and Band drive the queue.
type Assessment struct {
	Score        int             `json:"score"`
	Band         model.Band      `json:"band"`
	ModelVersion string          `json:"modelVersion,omitempty"`
	Explanation  json.RawMessage `json:"explanation,omitempty"`
}

// Enrichment is the narrative extractor's output, passed through untouched.
type Enrichment struct {
	Model string          `json:"model,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}
