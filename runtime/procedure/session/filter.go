package session

// Filter shapes the message window handed to the model on each turn. Filters
// never mutate the underlying history; they operate on the copy the agent
// passes in.
type Filter interface {
	Apply(msgs []Message) []Message
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(msgs []Message) []Message

// Apply implements Filter.
func (f FilterFunc) Apply(msgs []Message) []Message { return f(msgs) }

// TokenEstimator estimates the token footprint of a piece of text. The
// default is a character heuristic; features/session/tiktoken provides an
// exact BPE implementation.
type TokenEstimator interface {
	Estimate(text string) int
}

// EstimatorFunc adapts a function to TokenEstimator.
type EstimatorFunc func(text string) int

// Estimate implements TokenEstimator.
func (f EstimatorFunc) Estimate(text string) int { return f(text) }

// HeuristicEstimator approximates GPT-family tokenization at four characters
// per token, rounding up.
type HeuristicEstimator struct{}

// Estimate implements TokenEstimator.
func (HeuristicEstimator) Estimate(text string) int {
	return (len(text) + 3) / 4
}

// messageCost charges content plus a small per-message overhead, mirroring
// how chat APIs bill role and framing tokens.
func messageCost(est TokenEstimator, m Message) int {
	cost := est.Estimate(m.Content) + 4
	for _, tc := range m.ToolCalls {
		cost += est.Estimate(tc.Name) + 8
	}
	return cost
}

// TokenBudget returns a filter that drops the oldest non-system messages
// until the estimated window fits max tokens. System messages always
// survive; a nil estimator uses the heuristic.
func TokenBudget(max int, est TokenEstimator) Filter {
	if est == nil {
		est = HeuristicEstimator{}
	}
	return FilterFunc(func(msgs []Message) []Message {
		if max <= 0 {
			return msgs
		}
		total := 0
		for _, m := range msgs {
			total += messageCost(est, m)
		}
		if total <= max {
			return msgs
		}

		// Walk newest-to-oldest, keeping what fits; system messages are
		// charged up front so they always survive.
		budget := max
		keep := make([]bool, len(msgs))
		for i, m := range msgs {
			if m.Role == RoleSystem {
				keep[i] = true
				budget -= messageCost(est, m)
			}
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			if keep[i] {
				continue
			}
			cost := messageCost(est, msgs[i])
			if cost > budget {
				break
			}
			keep[i] = true
			budget -= cost
		}

		out := make([]Message, 0, len(msgs))
		for i, m := range msgs {
			if keep[i] {
				out = append(out, m)
			}
		}
		return out
	})
}

// LimitToolResults returns a filter that keeps only the most recent k tool
// result messages, dropping older ones. Non-tool messages pass through.
func LimitToolResults(k int) Filter {
	return FilterFunc(func(msgs []Message) []Message {
		if k < 0 {
			return msgs
		}
		seen := 0
		keep := make([]bool, len(msgs))
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role != RoleTool {
				keep[i] = true
				continue
			}
			if seen < k {
				keep[i] = true
				seen++
			}
		}
		out := make([]Message, 0, len(msgs))
		for i, m := range msgs {
			if keep[i] {
				out = append(out, m)
			}
		}
		return out
	})
}

// HideClass returns a filter that removes messages of the given visibility
// classes from the model's window.
func HideClass(classes ...Visibility) Filter {
	hidden := make(map[Visibility]bool, len(classes))
	for _, c := range classes {
		hidden[c] = true
	}
	return FilterFunc(func(msgs []Message) []Message {
		out := make([]Message, 0, len(msgs))
		for _, m := range msgs {
			if !hidden[m.Visibility] {
				out = append(out, m)
			}
		}
		return out
	})
}

// Chain composes filters left to right.
func Chain(filters ...Filter) Filter {
	return FilterFunc(func(msgs []Message) []Message {
		for _, f := range filters {
			if f != nil {
				msgs = f.Apply(msgs)
			}
		}
		return msgs
	})
}
