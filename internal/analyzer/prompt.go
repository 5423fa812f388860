package analyzer

import (
	"fmt"
	"strings"

	"github.com/kalambet/sift/internal/item"
)

const analyzeSystemPrompt = `You are an assistant that analyzes content a person saved for later. Your output must be ONLY a single valid JSON object with these fields:
- "overview": a short paragraph describing what the content is and why it might matter.
- "timeline_events": an array of scheduled events found in the content, each with "date" (YYYY-MM-DD), "time" (HH:MM, 24h, optional), "duration" (optional), "principal" (who it involves, optional), "location" (optional) and "purpose" (optional). Use an empty array when the content carries no dates.
- "tags": an array of short lowercase topical tags.
- "follow_up": a single question to ask the person later if the content genuinely calls for one, otherwise an empty string.
- "consumption_time_minutes": estimated minutes needed to read or watch the content, or null when that makes no sense.

Do not include any other text, prose, or markdown.`

const followUpSystemPrompt = `You are an assistant revisiting previously analyzed content together with the person's answers to a follow-up question. Re-analyze it and output ONLY a single valid JSON object with the same fields as the original analysis: "overview", "timeline_events", "tags", "follow_up" and "consumption_time_minutes". Incorporate what the notes reveal. Ask another "follow_up" question only if one is still genuinely warranted, otherwise set it to an empty string.

Do not include any other text, prose, or markdown.`

const normalizeSystemPrompt = `You are an assistant that writes titles. Given a piece of content and its analysis, output ONLY a single valid JSON object: {"title": "..."}. The title must be short (at most ten words), descriptive and in the content's language. No other text.`

// buildAnalyzeMessages assembles the chat for a first-pass analysis. Preferred
// tags keep the vocabulary stable across an owner's items; image items are
// attached as image parts so vision models can read them.
func buildAnalyzeMessages(it item.Item, content string, preferredTags []string) []Message {
	var sb strings.Builder
	sb.WriteString(analyzeSystemPrompt)
	writePreferredTags(&sb, preferredTags)

	messages := []Message{textMessage("system", sb.String())}
	messages = append(messages, userMessage(it, content))
	return messages
}

func buildFollowUpMessages(it item.Item, prior *item.Analysis, notes []item.Note, preferredTags []string) []Message {
	var sb strings.Builder
	sb.WriteString(followUpSystemPrompt)
	writePreferredTags(&sb, preferredTags)

	var user strings.Builder
	fmt.Fprintf(&user, "Content:\n%s\n", it.Content)
	if prior != nil {
		fmt.Fprintf(&user, "\nPrevious analysis overview:\n%s\n", prior.Overview)
		if prior.FollowUp != "" {
			fmt.Fprintf(&user, "\nQuestion that was asked:\n%s\n", prior.FollowUp)
		}
	}
	user.WriteString("\nThe person's notes in response:\n")
	for _, n := range notes {
		fmt.Fprintf(&user, "- %s\n", n.Text)
	}

	return []Message{
		textMessage("system", sb.String()),
		textMessage("user", user.String()),
	}
}

func buildNormalizeMessages(it item.Item) []Message {
	var user strings.Builder
	fmt.Fprintf(&user, "Content type: %s\n", it.Type)
	if it.Title != "" {
		fmt.Fprintf(&user, "Current title: %s\n", it.Title)
	}
	fmt.Fprintf(&user, "Content:\n%s\n", clip(it.Content, 4000))
	if it.Analysis != nil && it.Analysis.Overview != "" {
		fmt.Fprintf(&user, "\nAnalysis overview:\n%s\n", it.Analysis.Overview)
	}

	return []Message{
		textMessage("system", normalizeSystemPrompt),
		textMessage("user", user.String()),
	}
}

func writePreferredTags(sb *strings.Builder, tags []string) {
	if len(tags) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n\nPrefer these existing tags when they fit: %s.", strings.Join(tags, ", "))
}

// userMessage wraps the resolved content, sending image items as image parts.
func userMessage(it item.Item, content string) Message {
	switch it.Type {
	case item.TypeImage, item.TypeScreenshot:
		parts := []ContentPart{
			{Type: "text", Text: "Analyze this image."},
			{Type: "image_url", ImageURL: &ImageURL{URL: it.Content}},
		}
		if content != "" && content != it.Content {
			parts[0].Text = "Analyze this image.\n\nContext:\n" + content
		}
		return Message{Role: "user", Content: parts}
	default:
		return textMessage("user", content)
	}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
