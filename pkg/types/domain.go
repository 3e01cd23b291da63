package types

// Model is a model definition: where the weights live, which backend runs
// them, and the load and inference parameters resolved for it.
type Model struct {
	// Stable identifier for the model.
	// example: tinyllama-q4
	ID string `json:"id" yaml:"id" toml:"id" example:"tinyllama-q4"`
	// Human-friendly name.
	// example: TinyLlama (Q4)
	Name string `json:"name" yaml:"name" toml:"name" example:"TinyLlama (Q4)"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/TinyLlama.Q4_K_M.gguf
	Path string `json:"path" yaml:"path" toml:"path" example:"/home/user/models/TinyLlama.Q4_K_M.gguf"`
	// Quantization level or variant string.
	// example: Q4_K_M
	Quant string `json:"quant" yaml:"quant" toml:"quant" example:"Q4_K_M"`
	// Optional family (e.g., llama, mistral, phi).
	// example: llama
	Family string `json:"family,omitempty" yaml:"family" toml:"family" example:"llama"`
	// Backend kind used to run the model (llama, llama-server).
	// example: llama-server
	Backend string `json:"backend,omitempty" yaml:"backend" toml:"backend" example:"llama-server"`
	// Short content digest of the weights file; part of the prompt cache key.
	// example: 9f2c41d0a7b3e615
	ContentHash string `json:"content_hash,omitempty" yaml:"-" toml:"-" example:"9f2c41d0a7b3e615"`
	// Keep the backend resident between runs instead of releasing it at unload.
	KeepLoaded bool `json:"keep_loaded,omitempty" yaml:"keep_loaded" toml:"keep_loaded"`

	Load  LoadParams      `json:"load" yaml:"load" toml:"load"`
	Infer InferenceParams `json:"infer" yaml:"infer" toml:"infer"`
}

// LoadParams control how weights and contexts are created.
type LoadParams struct {
	ContextSize   int     `json:"context_size" yaml:"context_size" toml:"context_size"`
	BatchSize     int     `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	GPULayers     int     `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	RopeFreqBase  float32 `json:"rope_freq_base" yaml:"rope_freq_base" toml:"rope_freq_base"`
	RopeFreqScale float32 `json:"rope_freq_scale" yaml:"rope_freq_scale" toml:"rope_freq_scale"`
	MMap          bool    `json:"mmap" yaml:"mmap" toml:"mmap"`
	MLock         bool    `json:"mlock" yaml:"mlock" toml:"mlock"`
	Threads       int     `json:"threads" yaml:"threads" toml:"threads"`
	Seed          int64   `json:"seed" yaml:"seed" toml:"seed"`
}

// InferenceParams control sampling and prompt templating for one run.
type InferenceParams struct {
	Temperature      float32  `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopK             int      `json:"top_k" yaml:"top_k" toml:"top_k"`
	TopP             float32  `json:"top_p" yaml:"top_p" toml:"top_p"`
	RepeatPenalty    float32  `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
	PresencePenalty  float32  `json:"presence_penalty" yaml:"presence_penalty" toml:"presence_penalty"`
	FrequencyPenalty float32  `json:"frequency_penalty" yaml:"frequency_penalty" toml:"frequency_penalty"`
	MaxTokens        int      `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	Antiprompts      []string `json:"antiprompts,omitempty" yaml:"antiprompts" toml:"antiprompts"`
	PrePrompt        string   `json:"pre_prompt,omitempty" yaml:"pre_prompt" toml:"pre_prompt"`
	PrePromptPrefix  string   `json:"pre_prompt_prefix,omitempty" yaml:"pre_prompt_prefix" toml:"pre_prompt_prefix"`
	PrePromptSuffix  string   `json:"pre_prompt_suffix,omitempty" yaml:"pre_prompt_suffix" toml:"pre_prompt_suffix"`
	InputPrefix      string   `json:"input_prefix,omitempty" yaml:"input_prefix" toml:"input_prefix"`
	InputSuffix      string   `json:"input_suffix,omitempty" yaml:"input_suffix" toml:"input_suffix"`
}

// DefaultLoadParams returns the load parameters used when neither config nor
// model definition provides a value.
func DefaultLoadParams() LoadParams {
	return LoadParams{
		ContextSize:   2048,
		BatchSize:     512,
		RopeFreqBase:  10000,
		RopeFreqScale: 1,
		MMap:          true,
		Threads:       4,
		Seed:          -1,
	}
}

// DefaultInferenceParams returns the sampling defaults.
func DefaultInferenceParams() InferenceParams {
	return InferenceParams{
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.95,
		RepeatPenalty: 1.1,
		MaxTokens:     256,
	}
}

// LoadOverrides carries per-request replacements for LoadParams. Nil fields
// leave the base value untouched.
type LoadOverrides struct {
	ContextSize   *int     `json:"context_size,omitempty" yaml:"context_size,omitempty" toml:"context_size,omitempty"`
	BatchSize     *int     `json:"batch_size,omitempty" yaml:"batch_size,omitempty" toml:"batch_size,omitempty"`
	GPULayers     *int     `json:"gpu_layers,omitempty" yaml:"gpu_layers,omitempty" toml:"gpu_layers,omitempty"`
	RopeFreqBase  *float32 `json:"rope_freq_base,omitempty" yaml:"rope_freq_base,omitempty" toml:"rope_freq_base,omitempty"`
	RopeFreqScale *float32 `json:"rope_freq_scale,omitempty" yaml:"rope_freq_scale,omitempty" toml:"rope_freq_scale,omitempty"`
	MMap          *bool    `json:"mmap,omitempty" yaml:"mmap,omitempty" toml:"mmap,omitempty"`
	MLock         *bool    `json:"mlock,omitempty" yaml:"mlock,omitempty" toml:"mlock,omitempty"`
	Threads       *int     `json:"threads,omitempty" yaml:"threads,omitempty" toml:"threads,omitempty"`
	Seed          *int64   `json:"seed,omitempty" yaml:"seed,omitempty" toml:"seed,omitempty"`
}

// Apply returns p with every non-nil override copied in.
func (p LoadParams) Apply(o *LoadOverrides) LoadParams {
	if o == nil {
		return p
	}
	if o.ContextSize != nil {
		p.ContextSize = *o.ContextSize
	}
	if o.BatchSize != nil {
		p.BatchSize = *o.BatchSize
	}
	if o.GPULayers != nil {
		p.GPULayers = *o.GPULayers
	}
	if o.RopeFreqBase != nil {
		p.RopeFreqBase = *o.RopeFreqBase
	}
	if o.RopeFreqScale != nil {
		p.RopeFreqScale = *o.RopeFreqScale
	}
	if o.MMap != nil {
		p.MMap = *o.MMap
	}
	if o.MLock != nil {
		p.MLock = *o.MLock
	}
	if o.Threads != nil {
		p.Threads = *o.Threads
	}
	if o.Seed != nil {
		p.Seed = *o.Seed
	}
	return p
}

// InferenceOverrides carries per-request replacements for InferenceParams.
type InferenceOverrides struct {
	Temperature      *float32 `json:"temperature,omitempty" yaml:"temperature,omitempty" toml:"temperature,omitempty"`
	TopK             *int     `json:"top_k,omitempty" yaml:"top_k,omitempty" toml:"top_k,omitempty"`
	TopP             *float32 `json:"top_p,omitempty" yaml:"top_p,omitempty" toml:"top_p,omitempty"`
	RepeatPenalty    *float32 `json:"repeat_penalty,omitempty" yaml:"repeat_penalty,omitempty" toml:"repeat_penalty,omitempty"`
	PresencePenalty  *float32 `json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty" toml:"presence_penalty,omitempty"`
	FrequencyPenalty *float32 `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty" toml:"frequency_penalty,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" toml:"max_tokens,omitempty"`
	Antiprompts      []string `json:"antiprompts,omitempty" yaml:"antiprompts,omitempty" toml:"antiprompts,omitempty"`
	PrePrompt        *string  `json:"pre_prompt,omitempty" yaml:"pre_prompt,omitempty" toml:"pre_prompt,omitempty"`
	PrePromptPrefix  *string  `json:"pre_prompt_prefix,omitempty" yaml:"pre_prompt_prefix,omitempty" toml:"pre_prompt_prefix,omitempty"`
	PrePromptSuffix  *string  `json:"pre_prompt_suffix,omitempty" yaml:"pre_prompt_suffix,omitempty" toml:"pre_prompt_suffix,omitempty"`
	InputPrefix      *string  `json:"input_prefix,omitempty" yaml:"input_prefix,omitempty" toml:"input_prefix,omitempty"`
	InputSuffix      *string  `json:"input_suffix,omitempty" yaml:"input_suffix,omitempty" toml:"input_suffix,omitempty"`
}

// Apply returns p with every non-nil override copied in. A non-nil
// Antiprompts slice replaces the base list; the slice is copied.
func (p InferenceParams) Apply(o *InferenceOverrides) InferenceParams {
	p.Antiprompts = append([]string(nil), p.Antiprompts...)
	if o == nil {
		return p
	}
	if o.Temperature != nil {
		p.Temperature = *o.Temperature
	}
	if o.TopK != nil {
		p.TopK = *o.TopK
	}
	if o.TopP != nil {
		p.TopP = *o.TopP
	}
	if o.RepeatPenalty != nil {
		p.RepeatPenalty = *o.RepeatPenalty
	}
	if o.PresencePenalty != nil {
		p.PresencePenalty = *o.PresencePenalty
	}
	if o.FrequencyPenalty != nil {
		p.FrequencyPenalty = *o.FrequencyPenalty
	}
	if o.MaxTokens != nil {
		p.MaxTokens = *o.MaxTokens
	}
	if o.Antiprompts != nil {
		p.Antiprompts = append([]string(nil), o.Antiprompts...)
	}
	if o.PrePrompt != nil {
		p.PrePrompt = *o.PrePrompt
	}
	if o.PrePromptPrefix != nil {
		p.PrePromptPrefix = *o.PrePromptPrefix
	}
	if o.PrePromptSuffix != nil {
		p.PrePromptSuffix = *o.PrePromptSuffix
	}
	if o.InputPrefix != nil {
		p.InputPrefix = *o.InputPrefix
	}
	if o.InputSuffix != nil {
		p.InputSuffix = *o.InputSuffix
	}
	return p
}
