package models

// ChatRequest is the chat-completion payload sent by the Raycast client.
// The model field names a catalog id, not a backend model name.
type ChatRequest struct {
	Model                        string        `json:"model"`
	Messages                     []ChatMessage `json:"messages"`
	AdditionalSystemInstructions string        `json:"additional_system_instructions,omitempty"`
}

// ChatMessage is a single role-tagged fragment of the conversation.
type ChatMessage struct {
	Author  string         `json:"author,omitempty"`
	Content MessageContent `json:"content"`
}

// MessageContent carries the optional instruction and content units of one
// message. Several fields may co-occur; each present field contributes one
// unit to the translated backend request.
type MessageContent struct {
	SystemInstructions  string   `json:"system_instructions,omitempty"`
	CommandInstructions string   `json:"command_instructions,omitempty"`
	Text                string   `json:"text,omitempty"`
	Temperature         *float64 `json:"temperature,omitempty"`
}
