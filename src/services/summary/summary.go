package summary

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/square-key-labs/voiceline-ai/src/logger"
	"github.com/square-key-labs/voiceline-ai/src/session"
)

// Config configures the post-call summary service
type Config struct {
	APIKey string
	// Model defaults to gemini-2.0-flash.
	Model string
}

// Service produces a short written summary of a finished call's transcript.
// Runs strictly after teardown; it never touches a live session.
type Service struct {
	client *genai.Client
	model  string
	log    *logger.Logger
}

// NewService creates a summary service
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &Service{
		client: client,
		model:  cfg.Model,
		log:    logger.WithPrefix("Summary"),
	}, nil
}

// Summarize returns a brief summary of the transcript, or an error when the
// transcript is empty or the model call fails.
func (s *Service) Summarize(ctx context.Context, transcript []session.TranscriptEntry) (string, error) {
	if len(transcript) == 0 {
		return "", fmt.Errorf("empty transcript")
	}

	prompt := buildPrompt(transcript)
	resp, err := s.client.Models.GenerateContent(ctx, s.model, []*genai.Content{
		{Role: "user", Parts: []*genai.Part{{Text: prompt}}},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("genai generate: %w", err)
	}

	var sb strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("model returned no text")
	}

	s.log.Debug("summarized %d transcript entries", len(transcript))
	return strings.TrimSpace(sb.String()), nil
}

// buildPrompt renders the transcript as a labeled dialogue for the model
func buildPrompt(transcript []session.TranscriptEntry) string {
	var sb strings.Builder
	sb.WriteString("Summarize this voice call in two or three sentences, noting any follow-ups the caller asked for.\n\n")
	for _, entry := range transcript {
		label := "Caller"
		if entry.Role == session.RoleAssistant {
			label = "Agent"
		}
		fmt.Fprintf(&sb, "%s: %s\n", label, entry.Text)
	}
	return sb.String()
}
