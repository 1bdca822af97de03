// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient is an LLMClient backed by an OpenAI-compatible API.
//
// # Description
//
// Serves as the primary inference backend. Supports token streaming and
// function-calling tool rounds. The base URL is overridable so the same
// client also serves OpenAI-compatible gateways.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying SDK client is stateless per call.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a client from OPENAI_API_KEY and optional
// OPENAI_BASE_URL.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}, nil
}

// Generate implements the LLMClient interface for single-prompt completion.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	req := openai.ChatCompletionRequest{
		Model: os.Getenv("OPENAI_MODEL"),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements the LLMClient streaming interface.
//
// # Description
//
// Opens a completion stream and forwards deltas as token events. Tool-call
// deltas are accumulated by index until the round finishes with
// finish_reason=tool_calls, then delivered as complete tool-call events
// followed by done. Usage is requested via stream options and attached to
// the done event when the provider reports it.
//
// # Limitations
//
//   - Parallel tool calls are delivered in index order, not arrival order.
func (o *OpenAIClient) ChatStream(ctx context.Context, model string,
	messages []ChatMessage, params GenerationParams, callback StreamCallback) error {

	req := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      toOpenAIMessages(messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	for _, t := range params.Tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.InputSchema),
			},
		})
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("openai stream open: %w", err)
	}
	defer stream.Close()

	// Tool call deltas arrive fragmented; accumulate arguments by index.
	pending := map[int]*toolCallAccumulator{}
	var usage *TokenUsage
	sawToolFinish := false

	for {
		resp, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return fmt.Errorf("openai stream recv: %w", recvErr)
		}

		if resp.Usage != nil {
			usage = &TokenUsage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			if err := callback(StreamEvent{Type: StreamEventToken, Content: choice.Delta.Content}); err != nil {
				return err
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc, ok := pending[idx]
			if !ok {
				pc = &toolCallAccumulator{}
				pending[idx] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args = append(pc.args, tc.Function.Arguments...)
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			sawToolFinish = true
		}
	}

	if sawToolFinish || len(pending) > 0 {
		if err := emitAccumulatedToolCalls(pending, callback); err != nil {
			return err
		}
	}

	return callback(StreamEvent{Type: StreamEventDone, Usage: usage})
}

// toolCallAccumulator collects the fragmented deltas of one tool call.
type toolCallAccumulator struct {
	id   string
	name string
	args []byte
}

// emitAccumulatedToolCalls delivers accumulated tool calls as complete
// events in index order. Provider delta indexes are not guaranteed
// contiguous, so iteration goes over the sorted keys rather than counting
// from zero.
func emitAccumulatedToolCalls(pending map[int]*toolCallAccumulator, callback StreamCallback) error {
	indexes := make([]int, 0, len(pending))
	for idx := range pending {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		pc := pending[idx]
		args := pc.args
		if len(args) == 0 {
			args = []byte("{}")
		}
		event := StreamEvent{
			Type:     StreamEventToolCall,
			ToolCall: &ToolCall{ID: pc.id, Name: pc.name, Args: json.RawMessage(args)},
		}
		if err := callback(event); err != nil {
			return err
		}
	}
	return nil
}

// toOpenAIMessages converts wire messages to SDK messages, carrying tool
// rounds through the assistant/tool role mapping.
func toOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

var _ LLMClient = (*OpenAIClient)(nil)
