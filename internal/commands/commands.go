// Package commands parses spoken control phrases such as
// "roomie, switch personality to calm".
package commands

import (
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Type identifies a recognised command.
type Type string

const (
	ChangePersonality Type = "change_personality"
	ShowStats         Type = "show_stats"
	ClearConversation Type = "clear_conversation"
	ExportHistory     Type = "export_history"
	StopListening     Type = "stop_listening"
	StartListening    Type = "start_listening"
	Help              Type = "help"
	Greeting          Type = "greeting"
)

// MinConfidence is the lowest parse confidence that Execute acts on.
const MinConfidence = 0.7

// AutoPersonality hands persona selection back to the detected mood.
const AutoPersonality = "auto"

const (
	activatedConfidence = 1.0
	implicitConfidence  = 0.7
)

// Patterns are tried in order; the first match wins.
var patterns = []struct {
	typ Type
	re  *regexp.Regexp
}{
	{ChangePersonality, regexp.MustCompile(`(?:change|switch|set)\s+(?:personality|mood|to)\s+(?:to\s+)?(\w+)`)},
	{ShowStats, regexp.MustCompile(`(?:show|display|open)\s+(?:my\s+)?(?:stats|statistics|analytics|dashboard)`)},
	{ClearConversation, regexp.MustCompile(`(?:clear|delete|remove)\s+(?:conversation|chat|history)`)},
	{ExportHistory, regexp.MustCompile(`(?:export|download|save)\s+(?:my\s+)?(?:history|conversation|chat)`)},
	{StopListening, regexp.MustCompile(`(?:stop|pause)\s+listening`)},
	{StartListening, regexp.MustCompile(`(?:start|resume)\s+listening`)},
	{Help, regexp.MustCompile(`(?:help|what can you do|commands)`)},
	{Greeting, regexp.MustCompile(`(?:hello|hi|hey)\s+roomie`)},
}

var activationPrefix = regexp.MustCompile(`^(?:hey\s+)?roomie[,\s]+`)

// personalities maps spoken words to mood names understood by the persona layer.
var personalities = map[string]string{
	"cheerful":  "cheerful",
	"happy":     "cheerful",
	"energetic": "cheerful",
	"sad":       "low",
	"low":       "low",
	"calm":      "low",
	"neutral":   "neutral",
	"normal":    "neutral",
	"balanced":  "neutral",
	"stressed":  "stressed",
	"anxious":   "stressed",
	"angry":     "angry",
	"mad":       "angry",
	"auto":      AutoPersonality,
	"automatic": AutoPersonality,
	"default":   AutoPersonality,
}

// Command is the result of parsing an utterance.
type Command struct {
	Type       Type              `json:"command,omitempty"`
	Params     map[string]string `json:"params"`
	Confidence float64           `json:"confidence"`
	Text       string            `json:"original_text"`
}

// Found reports whether a command was recognised.
func (c Command) Found() bool { return c.Type != "" }

// Result describes what executing a command means for the client.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Action  string         `json:"action,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Parse detects a command in text. Unrecognised text yields a Command with
// an empty Type and zero confidence.
func Parse(text string) Command {
	text = strings.ToLower(strings.TrimSpace(text))
	cmd := Command{Params: map[string]string{}, Text: text}

	activated := strings.HasPrefix(text, "roomie") || strings.Contains(text, "hey roomie")
	clean := activationPrefix.ReplaceAllString(text, "")

	for _, p := range patterns {
		m := p.re.FindStringSubmatch(clean)
		if m == nil {
			continue
		}
		cmd.Type = p.typ
		cmd.Confidence = implicitConfidence
		if activated {
			cmd.Confidence = activatedConfidence
		}
		if p.typ == ChangePersonality {
			cmd.Params["personality"] = Personality(m[1])
		}
		return cmd
	}
	return cmd
}

// Personality maps a spoken word to a mood name, defaulting to neutral.
func Personality(word string) string {
	if p, ok := personalities[strings.ToLower(word)]; ok {
		return p
	}
	return "neutral"
}

// Handler executes parsed commands and keeps the listening toggle for one
// session.
type Handler struct {
	mu        sync.Mutex
	listening bool
	logger    zerolog.Logger
}

// NewHandler creates a handler that starts out listening.
func NewHandler(logger zerolog.Logger) *Handler {
	return &Handler{
		listening: true,
		logger:    logger.With().Str("component", "commands").Logger(),
	}
}

// Listening reports whether voice commands are currently enabled.
func (h *Handler) Listening() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listening
}

// Execute turns a parsed command into a client-facing result. Commands below
// MinConfidence are rejected.
func (h *Handler) Execute(cmd Command) Result {
	if !cmd.Found() {
		return Result{Message: "No command detected"}
	}
	if cmd.Confidence < MinConfidence {
		return Result{Message: "Command not confident enough"}
	}

	h.logger.Info().
		Str("command", string(cmd.Type)).
		Interface("params", cmd.Params).
		Msg("Executing voice command")

	switch cmd.Type {
	case ChangePersonality:
		p := cmd.Params["personality"]
		if p == "" {
			p = "neutral"
		}
		if p == AutoPersonality {
			return Result{
				Success: true,
				Message: "Personality will follow your mood again",
				Action:  string(ChangePersonality),
				Data:    map[string]any{"personality": p},
			}
		}
		return Result{
			Success: true,
			Message: "Switching to " + p + " personality",
			Action:  string(ChangePersonality),
			Data:    map[string]any{"personality": p},
		}
	case ShowStats:
		return Result{Success: true, Message: "Opening analytics dashboard", Action: "show_analytics", Data: map[string]any{}}
	case ClearConversation:
		return Result{Success: true, Message: "Clearing conversation history", Action: string(ClearConversation), Data: map[string]any{}}
	case ExportHistory:
		return Result{Success: true, Message: "Exporting conversation history", Action: string(ExportHistory), Data: map[string]any{}}
	case StopListening:
		h.setListening(false)
		return Result{Success: true, Message: "Stopped listening for voice commands", Action: "toggle_listening", Data: map[string]any{"enabled": false}}
	case StartListening:
		h.setListening(true)
		return Result{Success: true, Message: "Resumed listening for voice commands", Action: "toggle_listening", Data: map[string]any{"enabled": true}}
	case Help:
		return Result{Success: true, Message: HelpText, Action: "show_help", Data: map[string]any{}}
	case Greeting:
		return Result{Success: true, Message: "Hello! How can I help you today?", Action: string(Greeting), Data: map[string]any{}}
	}
	return Result{Message: "Unknown command: " + string(cmd.Type)}
}

func (h *Handler) setListening(v bool) {
	h.mu.Lock()
	h.listening = v
	h.mu.Unlock()
}

// HelpText lists the supported phrases.
const HelpText = `Available voice commands:

- "ROOMie, change personality to [cheerful/calm/neutral]"
- "ROOMie, set personality to auto"
- "ROOMie, show my stats"
- "ROOMie, clear conversation"
- "ROOMie, export history"
- "ROOMie, stop listening"
- "ROOMie, help"

Just say "ROOMie" followed by your command!`
