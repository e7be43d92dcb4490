package gemini

import "encoding/json"

// Wire types for the BidiGenerateContent websocket protocol. Outbound
// messages use snake_case field names, inbound messages arrive in
// camelCase; both shapes are fixed by the service.

type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model             string           `json:"model"`
	GenerationConfig  generationConfig `json:"generation_config"`
	SystemInstruction *content         `json:"system_instruction,omitempty"`
	Tools             []tool           `json:"tools,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"response_modalities"`
	SpeechConfig       speechConfig `json:"speech_config"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voice_config"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuilt_voice_config"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voice_name"`
}

type tool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"client_content"`
}

type clientContent struct {
	TurnComplete bool       `json:"turn_complete"`
	Turns        []userTurn `json:"turns"`
}

type userTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data"`
}

type serverMessage struct {
	Error         json.RawMessage `json:"error,omitempty"`
	SetupComplete json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent  `json:"serverContent,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}
