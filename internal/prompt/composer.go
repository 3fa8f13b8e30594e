package prompt

import (
	"strings"

	"mindforge/internal/models"
)

// basePrompt anchors every conversation regardless of personalization.
const basePrompt = `You are a personalized AI study assistant designed for students. You are helpful, encouraging, and focused on learning outcomes.`

// genericClause is appended when no profile exists at all.
const genericClause = ` Provide clear, balanced explanations suitable for a general audience.`

// Clause tables, one per profile field. An unknown or empty value simply
// contributes no clause.
var purposeClauses = map[string]string{
	models.PurposeStudying:    ` The user is focused on academic learning and studying. Emphasize educational concepts, study strategies, and exam preparation.`,
	models.PurposeProgramming: ` The user is learning programming and technical skills. Include code examples, technical explanations, and practical implementations.`,
	models.PurposeGeneral:     ` The user wants to improve productivity. Focus on actionable advice, time management, and efficient workflows.`,
}

var knowledgeClauses = map[string]string{
	models.LevelBeginner:     ` The user is a beginner. Use simple language, avoid jargon, and explain concepts from the ground up. Include analogies and real-world examples.`,
	models.LevelIntermediate: ` The user has intermediate knowledge. You can use some technical terms but explain complex concepts when needed.`,
	models.LevelAdvanced:     ` The user is advanced. You can use technical language and assume foundational knowledge. Focus on depth and nuance.`,
	models.LevelExpert:       ` The user is an expert. Assume strong foundations and focus on cutting-edge details and subtleties.`,
}

var styleClauses = map[string]string{
	models.StyleSimple:    ` Use very simple, non-technical language. Break down everything into easy-to-understand pieces.`,
	models.StyleModerate:  ` Use moderate technical depth. Balance accessibility with precision.`,
	models.StyleTechnical: ` Use precise, technical language. Be thorough and accurate.`,
}

var lengthClauses = map[string]string{
	models.LengthShort:    ` Keep responses short and concise. Get to the point quickly.`,
	models.LengthMedium:   ` Provide medium-length responses with adequate detail.`,
	models.LengthDetailed: ` Provide detailed, comprehensive explanations.`,
}

var learningClauses = map[string]string{
	models.LearnStepByStep: ` Structure explanations as step-by-step guides. Number your steps clearly.`,
	models.LearnExamples:   ` Lead with examples first, then explain the underlying concepts.`,
	models.LearnTheory:     ` Start with theory and foundational concepts before moving to applications.`,
}

// Compose maps a preference profile to the system instruction sent with every
// model request. It is pure and deterministic: the same profile always yields
// the same string. Clause order is fixed: purpose, knowledge level,
// explanation style, response length, learning preference.
func Compose(profile *models.Profile) string {
	if profile == nil {
		return basePrompt + genericClause
	}

	var b strings.Builder
	b.WriteString(basePrompt)
	for _, clause := range []string{
		purposeClauses[profile.PrimaryPurpose],
		knowledgeClauses[profile.KnowledgeLevel],
		styleClauses[profile.ExplanationStyle],
		lengthClauses[profile.ResponseLength],
		learningClauses[profile.LearningPreference],
	} {
		b.WriteString(clause)
	}
	return b.String()
}
