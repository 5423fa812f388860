package analyzer

// ChatRequest is the OpenAI-compatible chat completion request the analyzer
// sends. Responses are always requested in JSON mode.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
}

// ResponseFormat asks the model to return a JSON object.
type ResponseFormat struct {
	Type string `json:"type"`
}

// Message is a single chat message. Content is either a plain string or a
// list of ContentPart values for multimodal requests.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL points at an image, either a fetchable URL or a data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// ChatResponse is the subset of the completion response the analyzer reads.
type ChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// Content returns the first choice's message content, or "".
func (r ChatResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

func textMessage(role, text string) Message {
	return Message{Role: role, Content: text}
}
