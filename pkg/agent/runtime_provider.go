package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/nanny/pkg/session"
)

// ProviderRuntime executes turns against an LLM provider, walking the
// configured auth profiles in priority order and retrying transient
// failures.
type ProviderRuntime struct {
	factory  ProviderCreator
	profiles []AuthProfile
	config   AgentConfig
}

// NewProviderRuntime builds a runtime over the given auth profiles.
func NewProviderRuntime(profiles []AuthProfile, config AgentConfig) (*ProviderRuntime, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if config.Model == "" {
		config = DefaultConfig()
	}
	return &ProviderRuntime{
		factory:  &ProviderFactory{},
		profiles: profiles,
		config:   config,
	}, nil
}

// RunTurn renders the session history into provider messages and asks
// the model for the next reply.
func (r *ProviderRuntime) RunTurn(ctx context.Context, turn Turn) (TurnResult, error) {
	request := LLMRequest{
		Model:        r.config.Model,
		Messages:     historyMessages(turn.Session.History()),
		Temperature:  r.config.Temperature,
		MaxTokens:    r.config.MaxTokens,
		SystemPrompt: r.config.SystemPrompt,
	}

	var lastErr error
	for _, profile := range r.profiles {
		provider, err := r.factory.NewProvider(profile)
		if err != nil {
			lastErr = err
			continue
		}

		response, err := r.callWithRetry(ctx, provider, request)
		if err != nil {
			log.Warn().
				Err(err).
				Str("provider", profile.Provider).
				Str("sessionId", turn.Session.ID).
				Msg("Provider call failed, trying next profile")
			lastErr = err
			continue
		}
		return TurnResult{ResponseText: response.Content}, nil
	}
	return TurnResult{}, fmt.Errorf("all providers failed: %w", lastErr)
}

func (r *ProviderRuntime) callWithRetry(ctx context.Context, provider LLMProvider, request LLMRequest) (*LLMResponse, error) {
	retries := r.config.MaxRetries
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		response, err := provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			break
		}
	}
	return nil, lastErr
}

func historyMessages(history []session.HistoryEntry) []AgentMessage {
	messages := make([]AgentMessage, 0, len(history))
	for _, entry := range history {
		role := entry.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		messages = append(messages, AgentMessage{Role: role, Content: entry.Text})
	}
	return messages
}
