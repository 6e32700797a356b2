package models

// LLMCallStat records token consumption for a single LLM call.
// Accumulated per agent run and surfaced in terminal event metadata.
type LLMCallStat struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// SumTokens returns the total input and output tokens across stats.
func SumTokens(stats []LLMCallStat) (in, out int) {
	for _, s := range stats {
		in += s.InputTokens
		out += s.OutputTokens
	}
	return in, out
}
