package openaicompat

// Option tweaks the outgoing chat completions request. The engine sets only
// the sampling knobs it exposes through its own config; everything else rides
// on the upstream defaults.
type Option func(*ChatRequest)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(r *ChatRequest) { r.Temperature = &t }
}

// WithTopP sets the nucleus sampling cutoff.
func WithTopP(p float64) Option {
	return func(r *ChatRequest) { r.TopP = &p }
}

// WithMaxTokens caps the completion length in tokens.
func WithMaxTokens(n int) Option {
	return func(r *ChatRequest) { r.MaxTokens = n }
}

// WithStop sets stop sequences that end the completion early.
func WithStop(s ...string) Option {
	return func(r *ChatRequest) { r.Stop = s }
}
