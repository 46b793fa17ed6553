package assistant

import "fmt"

const describeImagePrompt = "What's in this image?"

const summarySystem = `Only provide the summary and no other introductory text.`

const answerGuidelines = `Guidelines:
1. Use the context intelligently and integrate relevant information
2. Provide answers based on reasoning
3. Be concise and relevant
4. Engage naturally with a friendly and professional tone
5. Respond in a well-structured format without markdown: bullet points for lists or key points, line breaks between paragraphs
6. Do not describe the context or the history you were given; answer the question directly`

const declineInstruction = `If the question is a greeting (hi, how are you, hello) respond with an appropriate greeting in one line.
Otherwise respond with "Sorry i cant answer this question" and nothing else.`

const answerSystem = `You are an intelligent AI assistant capable of generating insightful, context-aware answers.
Your goal is to understand the user's question and craft a thoughtful, relevant response based on both the current context and the conversation history.`

func summaryPrompt(chunk string) string {
	return fmt.Sprintf("Summarize this text in less than 20 words: %s", chunk)
}

func answerPrompt(question, context, history string) string {
	p := fmt.Sprintf("Question: %s\nCurrent context: %s\nConversation history: %s\n\n", question, context, history)
	if context == "" {
		p += declineInstruction + "\n\n"
	}
	return p + answerGuidelines
}

func webPrompt(question, history string) string {
	return fmt.Sprintf("Question: %s\nConversation history: %s\n\n%s", question, history, answerGuidelines)
}
