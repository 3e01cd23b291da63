package types

// InferRequest represents an inference request payload.
type InferRequest struct {
	// Optional model identifier. If empty, the server default is used.
	// example: tinyllama-q4
	Model string `json:"model,omitempty" example:"tinyllama-q4"`
	// Required prompt text to generate a completion for.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// If true, stream results as NDJSON tokens. When false, a single JSON object is returned.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	// Keep the backend context between calls and resume it from the prompt cache.
	// example: false
	Stateful bool `json:"stateful,omitempty" example:"false"`
	// Existing instance to run on. Only meaningful for stateful requests.
	// example: 3f1d52c6-2b1e-4e64-9a5f-5a3f3b0d9e10
	InstanceID string `json:"instance_id,omitempty" example:"3f1d52c6-2b1e-4e64-9a5f-5a3f3b0d9e10"`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float32 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float32 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Optional stop sequences. Generation stops when any sequence is matched.
	// example: ["\n\n","END"]
	Stop []string `json:"stop,omitempty" example:"[\"\\n\\n\",\"END\"]"`
	// Random seed for reproducibility; 0 or omitted lets the server choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
	// Repeat penalty applied by llama backends.
	// example: 1.1
	RepeatPenalty float32 `json:"repeat_penalty,omitempty" example:"1.1"`
}

// Overrides converts the flat request fields into override structs. Zero
// values are treated as unset.
func (r InferRequest) Overrides() (*LoadOverrides, *InferenceOverrides) {
	lo := &LoadOverrides{}
	io := &InferenceOverrides{}
	if r.Seed != 0 {
		seed := r.Seed
		lo.Seed = &seed
	}
	if r.MaxTokens > 0 {
		n := r.MaxTokens
		io.MaxTokens = &n
	}
	if r.Temperature > 0 {
		t := r.Temperature
		io.Temperature = &t
	}
	if r.TopP > 0 {
		p := r.TopP
		io.TopP = &p
	}
	if r.TopK > 0 {
		k := r.TopK
		io.TopK = &k
	}
	if r.RepeatPenalty > 0 {
		rp := r.RepeatPenalty
		io.RepeatPenalty = &rp
	}
	if len(r.Stop) > 0 {
		io.Antiprompts = append([]string(nil), r.Stop...)
	}
	return lo, io
}

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	// One of system, user, assistant.
	// example: user
	Role string `json:"role" example:"user"`
	// example: How are you?
	Content string `json:"content" example:"How are you?"`
	// Optional display name overriding the role's default.
	// example: Alice
	Name string `json:"name,omitempty" example:"Alice"`
}

// ChatRequest is the payload for POST /chat. Messages holds the full
// conversation so far; only the part not yet reflected in a cached state is
// sent to the backend.
type ChatRequest struct {
	// example: tinyllama-q4
	Model    string        `json:"model,omitempty" example:"tinyllama-q4"`
	Messages []ChatMessage `json:"messages"`
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
}

// StreamToken is one NDJSON line carrying a generated fragment.
type StreamToken struct {
	Token string `json:"token"`
}

// ResultError describes a failure recorded during generation.
type ResultError struct {
	// example: OutOfMemoryError
	Type string `json:"type" example:"OutOfMemoryError"`
	// example: backend ran out of memory
	Message string `json:"message" example:"backend ran out of memory"`
}

// InferResponse is the final NDJSON line (or the whole body when not streaming).
type InferResponse struct {
	Done bool `json:"done"`
	// example: Hello! How can I help?
	Content string `json:"content"`
	// example: 3f1d52c6-2b1e-4e64-9a5f-5a3f3b0d9e10
	InstanceID string `json:"instance_id,omitempty"`
	// example: 12
	Tokens int `json:"tokens"`
	// example: 7
	PromptTokens int `json:"prompt_tokens"`
	// example: 21.5
	TokensPerSec float64      `json:"tokens_per_sec"`
	Error        *ResultError `json:"error,omitempty"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// InstanceStatus summarizes a registered instance for /status.
type InstanceStatus struct {
	// example: 3f1d52c6-2b1e-4e64-9a5f-5a3f3b0d9e10
	ID string `json:"id" example:"3f1d52c6-2b1e-4e64-9a5f-5a3f3b0d9e10"`
	// ID of the model this instance serves.
	// example: tinyllama-q4
	ModelID string `json:"model_id" example:"tinyllama-q4"`
	// Current state machine state.
	// example: InferenceFinished
	State string `json:"state" example:"InferenceFinished"`
	// example: true
	Stateful bool `json:"stateful" example:"true"`
	// example: false
	Running bool `json:"running" example:"false"`
	// Whether backend handles are currently held.
	// example: true
	Loaded bool `json:"loaded" example:"true"`
	// Last time this instance served a request (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
	// Number of requests queued for this instance.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Instances []InstanceStatus `json:"instances"`
	// Requests waiting for dispatch across all instances.
	// example: 2
	QueueLen int `json:"queue_len" example:"2"`
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
	// ID of the currently running instance, if any.
	Running string `json:"running,omitempty"`
	// Last error observed by the scheduler (if any).
	LastError string `json:"last_error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// example: 12
	DispatchedTotal uint64 `json:"dispatched_total" example:"12"`
	// example: 3
	UnloadsTotal uint64 `json:"unloads_total" example:"3"`
}

// PurgeResponse reports the result of DELETE /cache/{model}.
type PurgeResponse struct {
	// example: tinyllama-q4
	Model string `json:"model"`
	// example: 3
	Removed int `json:"removed"`
}
