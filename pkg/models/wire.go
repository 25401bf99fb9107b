// Wire types for the generative completion backend (Gemini-style JSON).
package models

// Role values as the completion backend expects them. User turns map to
// "user", assistant turns map to "model".
const (
	WireRoleUser  = "user"
	WireRoleModel = "model"
)

// GenerateContentRequest is the JSON body for both the text-completion and
// vision-completion endpoints. The vision request adds one inline image part.
type GenerateContentRequest struct {
	Contents          []Content          `json:"contents"`
	SystemInstruction *SystemInstruction `json:"systemInstruction,omitempty"`
}

// Content is one turn of the prompt history.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is either a text part or an inline binary part, never both.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inline_data,omitempty"`
}

// InlineData carries a base64-encoded image for the vision endpoint.
type InlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// SystemInstruction carries the fixed persona/directive prompt.
type SystemInstruction struct {
	Parts []Part `json:"parts"`
}

// GenerateContentResponse is the backend's reply.
type GenerateContentResponse struct {
	Candidates []Candidate `json:"candidates"`
}

// Candidate is one generated completion.
type Candidate struct {
	Content Content `json:"content"`
}

// FirstText returns the first candidate's first text part, or "" when the
// response carries no usable text.
func (r *GenerateContentResponse) FirstText() string {
	if r == nil || len(r.Candidates) == 0 {
		return ""
	}
	for _, p := range r.Candidates[0].Content.Parts {
		if p.Text != "" {
			return p.Text
		}
	}
	return ""
}
