// Package tokens estimates prompt sizes of batch input files.
package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	// Encodings ship with the binary so counting never reaches the network.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

type Counter struct {
	model string
	enc   *tiktoken.Tiktoken
}

// NewCounter resolves the encoding used by model (e.g. "gpt-4").
func NewCounter(model string) (*Counter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("load encoding for %s: %w", model, err)
	}
	return &Counter{model: model, enc: enc}, nil
}

// Count returns the number of tokens in content.
func (c *Counter) Count(content []byte) (int, error) {
	return len(c.enc.Encode(string(content), nil, nil)), nil
}

func (c *Counter) Model() string { return c.model }
