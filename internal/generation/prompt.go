package generation

import (
	"strings"

	"github.com/tmc/langchaingo/llms"
)

const systemPromptPrefix = "You are a helpful assistant. Answer the question using only the retrieved context below. " +
	"Do not use outside knowledge. If the context is empty or does not contain the answer, say that you don't know.\n\n" +
	"Retrieved context:\n"

// SystemPrompt builds the instruction message. An empty context still yields
// a valid prompt that tells the model it has nothing to go on.
func SystemPrompt(contextText string) string {
	return systemPromptPrefix + contextText
}

// JoinContext concatenates retrieved chunk texts in rank order.
func JoinContext(texts []string) string {
	return strings.Join(texts, "\n\n")
}

// Messages returns the system and human messages sent to the model.
func Messages(contextText, question string) []llms.MessageContent {
	return []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, SystemPrompt(contextText)),
		llms.TextParts(llms.ChatMessageTypeHuman, "Question: "+question),
	}
}
