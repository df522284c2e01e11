//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

// Package openai resolves analysis commands directly against an
// OpenAI-compatible chat completion API, for deployments that bypass
// the hosted resolver service.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/chatexcel/datalab/resolver"
)

const defaultModel = "gpt-4o-mini"

const systemPrompt = `You compile data analysis requests into Python code.
The code runs in a session where pandas (pd), numpy (np) and
matplotlib.pyplot (plt) are imported and the listed files sit in the
working directory. Decide next_step first:
- "execute_command" when the request is a clear analysis task: emit code,
  and list in output_filename every result file the code writes.
- "need_more_info" when the request is ambiguous: ask one question in message.
- "out_of_scope" when the request is not about analyzing the given tables.
Read input files by their exact names. Print tabular answers.`

// commandSchema constrains the completion to the resolved command shape.
var commandSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"next_step": map[string]any{
			"type": "string",
			"enum": []string{"execute_command", "need_more_info", "out_of_scope"},
		},
		"command": map[string]any{
			"type": []string{"object", "null"},
			"properties": map[string]any{
				"code":            map[string]any{"type": "string"},
				"output_filename": map[string]any{
					"type":  []string{"array", "null"},
					"items": map[string]any{"type": "string"},
				},
			},
			"required":             []string{"code", "output_filename"},
			"additionalProperties": false,
		},
		"message": map[string]any{"type": "string"},
	},
	"required":             []string{"next_step", "command", "message"},
	"additionalProperties": false,
}

// Option defines configuration options for Resolver.
type Option func(*Resolver)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(r *Resolver) {
		r.apiKey = key
	}
}

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(baseURL string) Option {
	return func(r *Resolver) {
		r.baseURL = baseURL
	}
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(r *Resolver) {
		r.model = model
	}
}

// Resolver compiles analysis requests via chat completions.
type Resolver struct {
	apiKey  string
	baseURL string
	model   string
	client  openai.Client
}

var _ resolver.Resolver = (*Resolver)(nil)

// New creates an OpenAI-backed resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		model: defaultModel,
	}
	for _, opt := range opts {
		opt(r)
	}

	var clientOpts []openaiopt.RequestOption
	if r.apiKey != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(r.apiKey))
	}
	if r.baseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(r.baseURL))
	}
	r.client = openai.NewClient(clientOpts...)
	return r
}

// Resolve sends the request as a strict structured-output completion
// and parses the answer.
func (r *Resolver) Resolve(ctx context.Context, req resolver.AnalysisRequest) (resolver.ResolvedCommand, error) {
	if err := req.Validate(); err != nil {
		return resolver.ResolvedCommand{}, err
	}

	tables, err := json.Marshal(req.TableInfo)
	if err != nil {
		return resolver.ResolvedCommand{}, fmt.Errorf("marshal table info: %w", err)
	}
	userMsg := fmt.Sprintf("Mode: %s\nTables:\n%s\nRequest: %s", req.Mode, tables, req.UserInput)

	chatRequest := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(r.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userMsg),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "resolved_command",
					Schema:      commandSchema,
					Strict:      openai.Bool(true),
					Description: openai.String("Compiled analysis command"),
				},
			},
		},
	}

	completion, err := r.client.Chat.Completions.New(ctx, chatRequest)
	if err != nil {
		return resolver.ResolvedCommand{}, fmt.Errorf("%w: %v", resolver.ErrServiceUnavailable, err)
	}
	if len(completion.Choices) == 0 {
		return resolver.ResolvedCommand{}, fmt.Errorf("completion has no choices")
	}

	return ParseCompletion(completion.Choices[0].Message.Content)
}

// ParseCompletion decodes a completion payload into a resolved
// command. A command without code degrades to need_more_info.
func ParseCompletion(content string) (resolver.ResolvedCommand, error) {
	var cmd resolver.ResolvedCommand
	if err := json.Unmarshal([]byte(content), &cmd); err != nil {
		return resolver.ResolvedCommand{}, fmt.Errorf("decode completion: %w", err)
	}
	if cmd.NextStep == resolver.StepExecute && (cmd.Command == nil || cmd.Command.Code == "") {
		cmd.NextStep = resolver.StepNeedMoreInfo
		cmd.Command = nil
		if cmd.Message == "" {
			cmd.Message = "Could you rephrase what you want computed?"
		}
	}
	return cmd, nil
}
