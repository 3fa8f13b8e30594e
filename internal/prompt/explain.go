package prompt

import "fmt"

// ExplainRequest carries one topic-explanation request, including the
// optional follow-up actions ("make it simpler", "add examples") that reuse
// the previous explanation.
type ExplainRequest struct {
	Topic               string `json:"topic"`
	Style               string `json:"style"`
	AdaptToBackground   bool   `json:"adapt_to_background"`
	UserKnowledgeLevel  string `json:"user_knowledge_level,omitempty"`
	UserDomain          string `json:"user_domain,omitempty"`
	Action              string `json:"action,omitempty"`
	PreviousExplanation string `json:"previous_explanation,omitempty"`
}

const (
	ExplainActionDefault  = "explain"
	ExplainActionSimpler  = "simpler"
	ExplainActionExamples = "examples"
)

const explainBase = `You are MindForge's explanation assistant. Your purpose is to make any topic understandable. Be clear, direct, and well-structured.`

var explainStyleClauses = map[string]string{
	"new":       ` STYLE: Explain like I'm completely new. Start from absolute basics, use everyday language, define every term, build concepts step by step.`,
	"analogy":   ` STYLE: Use real-world analogies. Center explanations around relatable comparisons from everyday life (cooking, driving, sports). Make analogies the main teaching tool.`,
	"minimal":   ` STYLE: Avoid technical jargon. Use plain everyday words only. If a technical term is unavoidable, define it immediately. Focus on "what it does" not "what it's called".`,
	"technical": ` STYLE: Increase technical depth. Provide comprehensive explanations with proper terminology. Include nuances, edge cases, and connections to related concepts.`,
}

var explainLevelClauses = map[string]string{
	"beginner":     ` USER LEVEL: Beginner - Use extremely simple language, many everyday examples, explain why things matter.`,
	"intermediate": ` USER LEVEL: Intermediate - Balance accessibility with depth, can reference common concepts.`,
	"advanced":     ` USER LEVEL: Advanced - Can use technical language, focus on nuances and deeper insights.`,
	"expert":       ` USER LEVEL: Expert - Assume strong foundations, focus on cutting-edge details and subtleties.`,
}

var explainDomainClauses = map[string]string{
	"studying":    ` CONTEXT: Student - Frame in learning terms, include memory aids.`,
	"programming": ` CONTEXT: Developer - Can use programming analogies, appreciate logical structure.`,
	"general":     ` CONTEXT: General user - Use universally relatable examples.`,
}

// ComposeExplain builds the system instruction for a topic explanation.
func ComposeExplain(req ExplainRequest) string {
	prompt := explainBase
	prompt += explainStyleClauses[req.Style]

	if req.AdaptToBackground && req.UserKnowledgeLevel != "" {
		prompt += explainLevelClauses[req.UserKnowledgeLevel]
	}
	if req.AdaptToBackground && req.UserDomain != "" {
		if clause, ok := explainDomainClauses[req.UserDomain]; ok {
			prompt += clause
		} else {
			prompt += fmt.Sprintf(` Use examples from %s when possible.`, req.UserDomain)
		}
	}
	return prompt
}

// ExplainUserMessage builds the user-role message for the request, folding in
// the previous explanation for follow-up actions.
func ExplainUserMessage(req ExplainRequest) string {
	switch {
	case req.Action == ExplainActionSimpler && req.PreviousExplanation != "":
		return fmt.Sprintf("The following explanation was too complex. Please make it even simpler and more accessible:\n\n%s", req.PreviousExplanation)
	case req.Action == ExplainActionExamples && req.PreviousExplanation != "":
		return fmt.Sprintf("Please add more practical, real-world examples to this explanation:\n\n%s", req.PreviousExplanation)
	default:
		return "Please explain: " + req.Topic
	}
}
