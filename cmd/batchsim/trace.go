package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/inferloop/batchcore/internal/admission"
	"github.com/inferloop/batchcore/internal/request"
	"github.com/inferloop/batchcore/internal/sequence"
)

// traceRequest is one entry of a serve trace file: a prompt expressed
// as raw token ids plus its sampling/stopping configuration.
type traceRequest struct {
	ID           string  `yaml:"id"`
	Priority     string  `yaml:"priority"`
	N            int     `yaml:"n"`
	Prompt       []int32 `yaml:"prompt"`
	Capacity     int     `yaml:"capacity"`
	MaxNewTokens int     `yaml:"max_new_tokens"`
	EOSTokenID   int32   `yaml:"eos_token_id"`
	Echo         bool    `yaml:"echo"`
}

func loadTrace(path string) ([]traceRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trace: read %s: %w", path, err)
	}
	var trace []traceRequest
	if err := yaml.Unmarshal(data, &trace); err != nil {
		return nil, fmt.Errorf("trace: parse %s: %w", path, err)
	}
	return trace, nil
}

func priorityFromName(name string) request.Priority {
	switch name {
	case "high":
		return request.PriorityHigh
	case "low":
		return request.PriorityLow
	default:
		return request.PriorityNormal
	}
}

func (tr traceRequest) toParams() admission.NewRequestParams {
	capacity := tr.Capacity
	maxNew := tr.MaxNewTokens
	if maxNew <= 0 {
		maxNew = 64
	}
	if capacity < len(tr.Prompt)+maxNew {
		capacity = len(tr.Prompt) + maxNew + 1
	}
	return admission.NewRequestParams{
		ID:       tr.ID,
		Priority: priorityFromName(tr.Priority),
		N:        tr.N,
		Prompt:   tr.Prompt,
		Capacity: capacity,
		Sampling: sequence.SamplingParams{Temperature: 1, TopP: 1},
		Stop: sequence.StoppingCriteria{
			MaxNewTokens: maxNew,
			EOSTokenID:   tr.EOSTokenID,
		},
		Echo: tr.Echo,
	}
}
