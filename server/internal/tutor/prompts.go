package tutor

import (
	"fmt"
	"strings"

	"hanchat/server/internal/model"
)

const tokenizationSystemPrompt = "You are a Chinese language translation assistant. " +
	"Split the given Chinese text into individual words and provide pinyin and English translation for each word. " +
	"Preserve the exact order and the exact characters of the text, including punctuation."

const gradingSystemPrompt = "You are a strict but friendly Chinese teacher. " +
	"Grade the student's Chinese sentence on naturalness, grammar and complexity, each an integer from 0 to 5, " +
	"relative to the student's CEFR level. Give short feedback in English and an improved version of the sentence in Chinese."

const verificationSystemPrompt = "You check whether a roleplay conversation reached its goal. " +
	"Read the transcript and decide whether the goal was achieved. Answer with success and a one-sentence justification."

func defaultReplyPrompt(level string) string {
	if level == "" {
		level = "A1"
	}
	return fmt.Sprintf("You are a helpful Chinese conversation partner. Always reply in Chinese appropriate to the user's %s CEFR level. "+
		"Try to teach the user something about the topic he chose. Respond with natural Chinese text only.", level)
}

func tokenizationUserPrompt(text string) string {
	return fmt.Sprintf("Please translate this Chinese text and provide pinyin and translation for each word: %q", text)
}

func gradingUserPrompt(req model.GradeRequest) string {
	return fmt.Sprintf("Student level: %s\nConversation topic: %s\nStudent sentence: %q", req.Level, req.Topic, req.Message)
}

func verificationUserPrompt(req model.VerifyRequest) string {
	var sb strings.Builder
	sb.WriteString("Goal: ")
	sb.WriteString(req.Goal)
	sb.WriteString("\n\nTranscript:\n")
	for _, t := range req.History {
		sb.WriteString(string(t.Role))
		sb.WriteString(": ")
		sb.WriteString(t.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}
