package models

// LLMConfig describes one OpenAI-compatible endpoint + model + key.
// Prices are per 1M tokens. Strengths/weaknesses are free-form notes the
// planner reads when choosing a model for a subtask.
type LLMConfig struct {
	ID               string  `json:"id"`
	Model            string  `json:"model"`
	Endpoint         string  `json:"endpoint"`
	APIKey           string  `json:"apiKey,omitempty"`
	ContextLength    int     `json:"contextLength,omitempty"`
	InputPricePer1M  float64 `json:"inputPricePer1M"`
	OutputPricePer1M float64 `json:"outputPricePer1M"`
	Temperature      float64 `json:"temperature"`
	Strengths        string  `json:"strengths,omitempty"`
	Weaknesses       string  `json:"weaknesses,omitempty"`
}

// CostPer1M is the planner-facing price signal: input + output rate.
func (c *LLMConfig) CostPer1M() float64 {
	return c.InputPricePer1M + c.OutputPricePer1M
}

// LlmSummary is what the planner sees when it asks which models are usable.
type LlmSummary struct {
	ID          string  `json:"id"`
	Model       string  `json:"model"`
	Strengths   string  `json:"strengths,omitempty"`
	Weaknesses  string  `json:"weaknesses,omitempty"`
	CostPer1M   float64 `json:"costPer1M"`
	IsAvailable bool    `json:"isAvailable"`
}
