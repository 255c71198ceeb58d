package realtime

import (
	"voice-gateway/pkg/functions"
	"voice-gateway/pkg/media"
)

// Client event types
const (
	typeSessionUpdate      = "session.update"
	typeResponseCreate     = "response.create"
	typeItemCreate         = "conversation.item.create"
	typeInputAudioAppend   = "input_audio_buffer.append"
	itemMessage            = "message"
	itemFunctionCallOutput = "function_call_output"
)

// Server event types. The GA names are accepted alongside the beta ones.
const (
	eventSessionCreated      = "session.created"
	eventSessionUpdated      = "session.updated"
	eventResponseCreated     = "response.created"
	eventResponseDone        = "response.done"
	eventAudioDelta          = "response.audio.delta"
	eventOutputAudioDelta    = "response.output_audio.delta"
	eventAudioDone           = "response.audio.done"
	eventOutputAudioDone     = "response.output_audio.done"
	eventAudioTranscriptDone = "response.audio_transcript.done"
	eventOutputTranscript    = "response.output_audio_transcript.done"
	eventFunctionCallDone    = "response.function_call_arguments.done"
	eventInputTranscribed    = "conversation.item.input_audio_transcription.completed"
	eventSpeechStarted       = "input_audio_buffer.speech_started"
	eventError               = "error"
)

// Audio formats understood by the provider
const (
	formatPCM16    = "pcm16"
	formatG711Alaw = "g711_alaw"
	formatG711Ulaw = "g711_ulaw"

	pcm16Rate = 24000
)

const transcriptionModel = "whisper-1"

type clientEvent struct {
	EventID  string            `json:"event_id,omitempty"`
	Type     string            `json:"type"`
	Session  *sessionConfig    `json:"session,omitempty"`
	Item     *conversationItem `json:"item,omitempty"`
	Response *responseConfig   `json:"response,omitempty"`
	Audio    string            `json:"audio,omitempty"`
}

type sessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection"`
	Tools                   []functions.ToolSpec `json:"tools"`
	ToolChoice              string               `json:"tool_choice"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseConfig struct {
	Instructions string `json:"instructions,omitempty"`
}

type serverEvent struct {
	Type       string       `json:"type"`
	EventID    string       `json:"event_id"`
	Delta      string       `json:"delta"`
	ItemID     string       `json:"item_id"`
	CallID     string       `json:"call_id"`
	Name       string       `json:"name"`
	Arguments  string       `json:"arguments"`
	Transcript string       `json:"transcript"`
	Error      *errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	EventID string `json:"event_id"`
}

// audioFormatFor picks the provider format for the call codec. G.711 passes through
// untouched; everything else is exchanged as 24 kHz PCM.
func audioFormatFor(codec media.Codec) string {
	switch {
	case codec.Is(media.CodecPCMA):
		return formatG711Alaw
	case codec.Is(media.CodecPCMU):
		return formatG711Ulaw
	default:
		return formatPCM16
	}
}
