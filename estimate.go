package inferbatch

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Encoder splits text into BPE tokens. tokenizer.Codec satisfies it.
type Encoder interface {
	Encode(text string) ([]uint, []string, error)
}

// TokenEstimator predicts the prompt tokens of a request before it is sent.
type TokenEstimator interface {
	EstimateTokens(messages []Message, tools []Tool) (int64, error)
}

// Chat framing overheads added by the provider around each message.
const replyPrimingTokens = 3

type modelProfile struct {
	encoding         tokenizer.Encoding
	tokensPerMessage int64
	tokensPerName    int64
	funcInit         int64
}

// profileFor returns the encoding and framing constants of a model family.
// Unknown models fall back to the cl100k_base profile.
func profileFor(model string) modelProfile {
	switch {
	case strings.HasPrefix(model, "gpt-3.5-turbo-0301"):
		return modelProfile{encoding: tokenizer.Cl100kBase, tokensPerMessage: 4, tokensPerName: -1, funcInit: 10}
	case strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "chatgpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4.5"),
		strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return modelProfile{encoding: tokenizer.O200kBase, tokensPerMessage: 3, tokensPerName: 1, funcInit: 7}
	default:
		return modelProfile{encoding: tokenizer.Cl100kBase, tokensPerMessage: 3, tokensPerName: 1, funcInit: 10}
	}
}

// codecCache shares loaded BPE vocabularies across estimators.
var codecCache sync.Map // tokenizer.Encoding -> tokenizer.Codec

func codecFor(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	if c, ok := codecCache.Load(enc); ok {
		return c.(tokenizer.Codec), nil
	}
	c, err := tokenizer.Get(enc)
	if err != nil {
		return nil, err
	}
	actual, _ := codecCache.LoadOrStore(enc, c)
	return actual.(tokenizer.Codec), nil
}

// Estimator counts prompt tokens for messages, images and tool definitions.
// It is safe for concurrent use.
type Estimator struct {
	model   string
	profile modelProfile
	enc     Encoder
}

var _ TokenEstimator = (*Estimator)(nil)

// NewEstimator creates an estimator using the BPE encoding of the model family.
func NewEstimator(model string) (*Estimator, error) {
	p := profileFor(model)
	codec, err := codecFor(p.encoding)
	if err != nil {
		return nil, fmt.Errorf("inferbatch: load encoding %s: %w", p.encoding, err)
	}
	return &Estimator{model: model, profile: p, enc: codec}, nil
}

// NewEstimatorWithEncoder creates an estimator with a custom encoder.
// The model still selects the framing constants.
func NewEstimatorWithEncoder(model string, enc Encoder) *Estimator {
	return &Estimator{model: model, profile: profileFor(model), enc: enc}
}

// Model returns the model the estimator was built for.
func (e *Estimator) Model() string { return e.model }

// EstimateTokens returns message tokens plus function-definition tokens.
func (e *Estimator) EstimateTokens(messages []Message, tools []Tool) (int64, error) {
	msg, err := e.MessageTokens(messages)
	if err != nil {
		return 0, err
	}
	fn, err := e.FunctionTokens(tools)
	if err != nil {
		return 0, err
	}
	return msg + fn, nil
}

// MessageTokens counts the prompt tokens of a conversation, including the
// per-message framing and the reply priming added once per request.
func (e *Estimator) MessageTokens(messages []Message) (int64, error) {
	var total int64
	for i, m := range messages {
		total += e.profile.tokensPerMessage

		n, err := e.count(m.Role)
		if err != nil {
			return 0, err
		}
		total += n

		for j, part := range m.Content {
			switch p := part.(type) {
			case TextPart:
				n, err = e.count(p.Text)
			case ImagePart:
				n, err = imagePartTokens(p)
			default:
				err = fmt.Errorf("%w: unsupported content part %T", ErrEstimation, part)
			}
			if err != nil {
				return 0, fmt.Errorf("message[%d] part[%d]: %w", i, j, err)
			}
			total += n
		}

		if m.Name != "" {
			n, err = e.count(m.Name)
			if err != nil {
				return 0, err
			}
			total += n + e.profile.tokensPerName
		}
		if m.ToolCallID != "" {
			n, err = e.count(m.ToolCallID)
			if err != nil {
				return 0, err
			}
			total += n
		}
		for _, call := range m.ToolCalls {
			for _, text := range []string{call.Function.Name, call.Function.Arguments} {
				n, err = e.count(text)
				if err != nil {
					return 0, fmt.Errorf("message[%d] tool call %s: %w", i, call.ID, err)
				}
				total += n
			}
		}
	}
	total += replyPrimingTokens
	return total, nil
}

func (e *Estimator) count(text string) (int64, error) {
	if text == "" {
		return 0, nil
	}
	ids, _, err := e.enc.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("%w: encode: %v", ErrEstimation, err)
	}
	return int64(len(ids)), nil
}
