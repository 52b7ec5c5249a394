// Package workload generates synthetic request streams for the scheduler:
// prompt and output lengths drawn from configurable distributions, arrivals
// spread over scheduler cycles.
package workload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Spec describes a synthetic workload.
type Spec struct {
	Seed         int64    `yaml:"seed"`
	Requests     int      `yaml:"requests"`
	Prompt       DistSpec `yaml:"prompt"`
	Output       DistSpec `yaml:"output"`
	PrefixTokens int      `yaml:"prefix_tokens"` // shared prefix prepended to every prompt
	Rate         float64  `yaml:"rate"`          // mean arrivals per cycle; 0 submits everything at cycle 0
	PriorityMax  int      `yaml:"priority_max"`  // priorities are drawn uniformly from [0, PriorityMax]
	VocabSize    int      `yaml:"vocab_size"`    // token ids are drawn from [0, VocabSize)
}

// DistSpec selects a length distribution and its parameters.
type DistSpec struct {
	Type   string             `yaml:"type"` // constant, gaussian or exponential
	Params map[string]float64 `yaml:"params"`
}

var validDistTypes = map[string]bool{"constant": true, "gaussian": true, "exponential": true}

// DefaultSpec returns a mixed workload of short and long prompts.
func DefaultSpec() Spec {
	return Spec{
		Seed:     42,
		Requests: 100,
		Prompt: DistSpec{Type: "gaussian", Params: map[string]float64{
			"mean": 1024, "std_dev": 768, "min": 16, "max": 8192,
		}},
		Output: DistSpec{Type: "exponential", Params: map[string]float64{
			"mean": 64, "max": 512,
		}},
		Rate:        2,
		PriorityMax: 3,
		VocabSize:   32000,
	}
}

// LoadSpec reads a YAML workload file over DefaultSpec.
func LoadSpec(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("reading workload spec: %w", err)
	}
	spec := DefaultSpec()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&spec); err != nil && !errors.Is(err, io.EOF) {
		return Spec{}, fmt.Errorf("parsing workload spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// Validate checks that all fields in the spec are valid.
func (s Spec) Validate() error {
	if s.Requests < 0 {
		return fmt.Errorf("requests must be non-negative, got %d", s.Requests)
	}
	if s.Rate < 0 {
		return fmt.Errorf("rate must be non-negative, got %f", s.Rate)
	}
	if s.PrefixTokens < 0 {
		return fmt.Errorf("prefix_tokens must be non-negative, got %d", s.PrefixTokens)
	}
	if s.PriorityMax < 0 {
		return fmt.Errorf("priority_max must be non-negative, got %d", s.PriorityMax)
	}
	if s.VocabSize <= 0 {
		return fmt.Errorf("vocab_size must be positive, got %d", s.VocabSize)
	}
	if err := s.Prompt.validate("prompt"); err != nil {
		return err
	}
	return s.Output.validate("output")
}

func (d DistSpec) validate(field string) error {
	if !validDistTypes[d.Type] {
		return fmt.Errorf("%s: unknown distribution %q; valid: constant, gaussian, exponential", field, d.Type)
	}
	_, err := NewLengthSampler(d)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}
