package server

import "encoding/json"

// Client → server message types.
const (
	MsgIdentify              = "identify"
	MsgSendMessage           = "send_message"
	MsgStopResponse          = "stop_response"
	MsgGetEmotion            = "get_emotion"
	MsgVoiceCommand          = "voice_command"
	MsgGetHistory            = "get_conversation_history"
	MsgGetEmotionHistory     = "get_emotion_history"
	MsgClearHistory          = "clear_history"
	MsgGetAnalytics          = "get_analytics"
	MsgSaveCalibrationSample = "save_calibration_sample"
	MsgCheckCalibration      = "check_calibration"
	MsgClearCalibration      = "clear_calibration"
	MsgCameraFrame           = "camera_frame"
	MsgCameraToggle          = "camera_toggle"
)

// Server → client message types.
const (
	MsgIdentified             = "identified"
	MsgMessageResponse        = "message_response"
	MsgMessageChunk           = "message_chunk"
	MsgAudioReady             = "audio_ready"
	MsgEmotionUpdate          = "emotion_update"
	MsgMoodUpdate             = "mood_update"
	MsgCommandResponse        = "command_response"
	MsgConversationHistory    = "conversation_history"
	MsgEmotionHistory         = "emotion_history"
	MsgHistoryCleared         = "history_cleared"
	MsgAnalyticsData          = "analytics_data"
	MsgCalibrationSampleSaved = "calibration_sample_saved"
	MsgCalibrationStatus      = "calibration_status"
	MsgCalibrationCleared     = "calibration_cleared"
	MsgCameraStatus           = "camera_status"
	MsgError                  = "error"
)

// Envelope is the wire format of every websocket message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type identifyPayload struct {
	UserID string `json:"user_id"`
}

type sendMessagePayload struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream,omitempty"`
}

type voiceCommandPayload struct {
	Text string `json:"text"`
}

type historyPayload struct {
	Limit int `json:"limit,omitempty"`
	Hours int `json:"hours,omitempty"`
}

type analyticsPayload struct {
	Days int `json:"days,omitempty"`
}

type calibrationSamplePayload struct {
	Emotion string `json:"emotion"`
	Frame   string `json:"frame"`
}

type cameraFramePayload struct {
	Image  string `json:"image"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type cameraTogglePayload struct {
	Enabled bool `json:"enabled"`
}

type errorPayload struct {
	Message string `json:"message"`
}
