package classifier

// Providers understood by New.
const (
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
	ProviderGemini     = "gemini"
)

// DefaultEndpoint is the OpenRouter chat completions URL.
const DefaultEndpoint = "https://openrouter.ai/api/v1/chat/completions"
