package models

import "time"

// Profile holds the personalization settings collected during onboarding.
// Every field is optional; an empty value simply contributes nothing to the
// composed system prompt.
type Profile struct {
	UserID             int64     `json:"user_id"`
	PrimaryPurpose     string    `json:"primary_purpose"`
	KnowledgeLevel     string    `json:"knowledge_level"`
	ExplanationStyle   string    `json:"explanation_style"`
	ResponseLength     string    `json:"response_length"`
	LearningPreference string    `json:"learning_preference"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Known values per field, matching the onboarding survey options.
const (
	PurposeStudying    = "studying"
	PurposeProgramming = "programming"
	PurposeGeneral     = "general"

	LevelBeginner     = "beginner"
	LevelIntermediate = "intermediate"
	LevelAdvanced     = "advanced"
	LevelExpert       = "expert"

	StyleSimple    = "simple"
	StyleModerate  = "moderate"
	StyleTechnical = "technical"

	LengthShort    = "short"
	LengthMedium   = "medium"
	LengthDetailed = "detailed"

	LearnStepByStep = "step-by-step"
	LearnExamples   = "examples"
	LearnTheory     = "theory"
)
