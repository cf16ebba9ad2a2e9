package domain

import (
	"encoding/json"
	"time"
)

// Participant is one registered student and the state of their task run.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"name"`
	GroupLabel  string    `json:"className"`
	Condition   Condition `json:"condition"`
	// ProgressMarker is the client's step cursor, persisted verbatim.
	ProgressMarker int `json:"currentStep"`

	Brainstorm string         `json:"brainstorm"`
	Pretest    string         `json:"pretest"`
	WCFResult  string         `json:"wcfResult"`
	Posttest   string         `json:"posttest"`
	Survey     map[string]any `json:"survey"`

	BrainstormElapsed int `json:"brainstormElapsed"`
	PretestElapsed    int `json:"pretestElapsed"`
	ReflectionElapsed int `json:"reflectionElapsed"`
	PosttestElapsed   int `json:"posttestElapsed"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ParticipantFields is the client-writable part of a participant. DisplayName
// and GroupLabel are pointers so an update that omits them keeps the stored
// value; every other field is overwritten and defaults to its zero value.
type ParticipantFields struct {
	DisplayName    *string
	GroupLabel     *string
	ProgressMarker int

	Brainstorm string
	Pretest    string
	WCFResult  string
	Posttest   string
	Survey     map[string]any

	BrainstormElapsed int
	PretestElapsed    int
	ReflectionElapsed int
	PosttestElapsed   int
}

// Apply overwrites p with f. It never touches ID, Condition or timestamps.
func (f ParticipantFields) Apply(p *Participant) {
	if f.DisplayName != nil {
		p.DisplayName = *f.DisplayName
	}
	if f.GroupLabel != nil {
		p.GroupLabel = *f.GroupLabel
	}
	p.ProgressMarker = f.ProgressMarker
	p.Brainstorm = f.Brainstorm
	p.Pretest = f.Pretest
	p.WCFResult = f.WCFResult
	p.Posttest = f.Posttest
	p.Survey = CloneSurvey(f.Survey)
	p.BrainstormElapsed = f.BrainstormElapsed
	p.PretestElapsed = f.PretestElapsed
	p.ReflectionElapsed = f.ReflectionElapsed
	p.PosttestElapsed = f.PosttestElapsed
}

// Clone returns a deep copy of p.
func (p Participant) Clone() Participant {
	cp := p
	cp.Survey = CloneSurvey(p.Survey)
	return cp
}

// CloneSurvey deep-copies a decoded survey payload. A nil input yields an
// empty map so records never carry a null survey.
func CloneSurvey(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	// Surveys are plain decoded JSON, so a JSON round trip is a faithful deep copy.
	raw, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// EncodeSurvey serialises a survey for storage. Nil encodes as "{}".
func EncodeSurvey(survey map[string]any) ([]byte, error) {
	if survey == nil {
		survey = map[string]any{}
	}
	return json.Marshal(survey)
}

// DecodeSurvey parses a stored survey column. Empty, "null" and a JSON string
// that itself wraps an object are all accepted so rows written by older
// clients that double-encoded the payload come back as plain objects.
func DecodeSurvey(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch typed := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return typed, nil
	case string:
		inner, err := DecodeSurvey([]byte(typed))
		if err != nil {
			return map[string]any{"value": typed}, nil
		}
		return inner, nil
	default:
		return map[string]any{"value": typed}, nil
	}
}
