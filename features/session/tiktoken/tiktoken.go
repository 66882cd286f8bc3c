// Package tiktoken provides a session.TokenEstimator that counts tokens with
// OpenAI's BPE vocabularies instead of the runtime's character heuristic.
// Vocabularies are fetched and cached by the underlying library on first use.
package tiktoken

import (
	"fmt"
	"sync"

	tiktokengo "github.com/pkoukk/tiktoken-go"

	"tactus.dev/tactus/runtime/procedure/session"
)

const fallbackEncoding = "cl100k_base"

// Encodings load large rank tables; cache them per model so repeated
// constructors share the table.
var (
	encodingCache = make(map[string]*tiktokengo.Tiktoken)
	cacheMu       sync.Mutex
)

// Estimator counts tokens with the BPE vocabulary of a model.
type Estimator struct {
	encoding *tiktokengo.Tiktoken
	model    string
}

var _ session.TokenEstimator = (*Estimator)(nil)

// New returns an estimator for the given model. Models without a registered
// vocabulary fall back to cl100k_base, which tracks GPT-4-family tokenizers
// and is a close proxy for Claude models.
func New(model string) (*Estimator, error) {
	enc, err := encodingFor(model)
	if err != nil {
		return nil, err
	}
	return &Estimator{encoding: enc, model: model}, nil
}

// Estimate implements session.TokenEstimator.
func (e *Estimator) Estimate(text string) int {
	return len(e.encoding.Encode(text, nil, nil))
}

// Model returns the model name the estimator was built for.
func (e *Estimator) Model() string { return e.model }

func encodingFor(model string) (*tiktokengo.Tiktoken, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if enc, ok := encodingCache[model]; ok {
		return enc, nil
	}
	enc, err := tiktokengo.EncodingForModel(model)
	if err != nil {
		enc, err = tiktokengo.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("load %s encoding: %w", fallbackEncoding, err)
		}
	}
	encodingCache[model] = enc
	return enc, nil
}
