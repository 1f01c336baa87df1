package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/normanking/cortexcompanion/internal/commands"
)

// CommandOutcome is the reply to a voice command. IsMessage is set when the
// text was not a command and should be sent as a normal turn instead.
type CommandOutcome struct {
	commands.Result
	IsMessage bool `json:"is_message,omitempty"`
}

// HandleCommand parses and executes a voice command for userID, applying the
// side effects that touch user state.
func (o *Orchestrator) HandleCommand(ctx context.Context, h *commands.Handler, userID, text string) (CommandOutcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return CommandOutcome{Result: commands.Result{Message: "No command text received"}}, nil
	}

	cmd := commands.Parse(text)
	if !cmd.Found() || cmd.Confidence < commands.MinConfidence {
		return CommandOutcome{
			Result:    commands.Result{Message: "Not a recognized command"},
			IsMessage: true,
		}, nil
	}

	if userID == "" && (cmd.Type == commands.ChangePersonality || cmd.Type == commands.ClearConversation) {
		return CommandOutcome{}, &InputError{Field: "user_id", Message: "user not identified"}
	}

	res := h.Execute(cmd)
	if !res.Success {
		return CommandOutcome{Result: res}, nil
	}

	switch cmd.Type {
	case commands.ChangePersonality:
		p := cmd.Params["personality"]
		if p == commands.AutoPersonality {
			if err := o.store.DeletePreference(ctx, userID, PersonalityKey); err != nil {
				return CommandOutcome{}, fmt.Errorf("clear personality: %w", err)
			}
			o.logger.Info().Str("user_id", userID).Msg("Personality override cleared")
			break
		}
		if err := o.store.SetPreference(ctx, userID, PersonalityKey, p); err != nil {
			return CommandOutcome{}, fmt.Errorf("store personality: %w", err)
		}
		o.logger.Info().Str("user_id", userID).Str("personality", p).Msg("Personality override set")
	case commands.ClearConversation:
		if err := o.store.ClearHistory(ctx, userID); err != nil {
			return CommandOutcome{}, fmt.Errorf("clear history: %w", err)
		}
		o.tracker.Forget(userID)
		o.logger.Info().Str("user_id", userID).Msg("Conversation cleared by command")
	}
	return CommandOutcome{Result: res}, nil
}
