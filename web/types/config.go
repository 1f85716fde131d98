package types

import "math"

// CacheType selects the engine's weight cache backend.
type CacheType string

const (
	CacheTypeCache   CacheType = "cache"
	CacheTypeIndexDB CacheType = "index_db"
)

// ModelClientType selects which chat backend serves requests.
type ModelClientType string

const (
	ModelClientWebLLM ModelClientType = "webllm"
	ModelClientMLCAPI ModelClientType = "mlc-llm-api"
)

// DefaultInputTemplate wraps raw user input unchanged.
const DefaultInputTemplate = "{{input}}"

// ModelConfig is the authoritative sampling configuration.
type ModelConfig struct {
	Model             string  `json:"model"`
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p"`
	PresencePenalty   float64 `json:"presence_penalty"`
	FrequencyPenalty  float64 `json:"frequency_penalty"`
	MaxTokens         int     `json:"max_tokens"`
	ContextWindowSize *int    `json:"context_window_size,omitempty"`
	MLCEndpoint       string  `json:"mlc_endpoint"`
}

// ModelConfigPatch is a partial update of a ModelConfig. Nil fields are
// left untouched.
type ModelConfigPatch struct {
	Model             *string  `json:"model,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	PresencePenalty   *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty  *float64 `json:"frequency_penalty,omitempty"`
	MaxTokens         *int     `json:"max_tokens,omitempty"`
	ContextWindowSize *int     `json:"context_window_size,omitempty"`
	MLCEndpoint       *string  `json:"mlc_endpoint,omitempty"`
}

// Apply returns cfg with the patch merged over it. Numeric fields pass
// through the validator clamps.
func (p ModelConfigPatch) Apply(cfg ModelConfig) ModelConfig {
	if p.Model != nil {
		cfg.Model = *p.Model
	}
	if p.Temperature != nil {
		cfg.Temperature = ClampTemperature(*p.Temperature)
	}
	if p.TopP != nil {
		cfg.TopP = ClampTopP(*p.TopP)
	}
	if p.PresencePenalty != nil {
		cfg.PresencePenalty = ClampPenalty(*p.PresencePenalty)
	}
	if p.FrequencyPenalty != nil {
		cfg.FrequencyPenalty = ClampPenalty(*p.FrequencyPenalty)
	}
	if p.MaxTokens != nil {
		cfg.MaxTokens = ClampMaxTokens(*p.MaxTokens)
	}
	if p.ContextWindowSize != nil {
		v := *p.ContextWindowSize
		cfg.ContextWindowSize = &v
	}
	if p.MLCEndpoint != nil {
		cfg.MLCEndpoint = *p.MLCEndpoint
	}
	return cfg
}

// Clone returns a deep copy.
func (p ModelConfigPatch) Clone() ModelConfigPatch {
	out := ModelConfigPatch{}
	if p.Model != nil {
		v := *p.Model
		out.Model = &v
	}
	if p.Temperature != nil {
		v := *p.Temperature
		out.Temperature = &v
	}
	if p.TopP != nil {
		v := *p.TopP
		out.TopP = &v
	}
	if p.PresencePenalty != nil {
		v := *p.PresencePenalty
		out.PresencePenalty = &v
	}
	if p.FrequencyPenalty != nil {
		v := *p.FrequencyPenalty
		out.FrequencyPenalty = &v
	}
	if p.MaxTokens != nil {
		v := *p.MaxTokens
		out.MaxTokens = &v
	}
	if p.ContextWindowSize != nil {
		v := *p.ContextWindowSize
		out.ContextWindowSize = &v
	}
	if p.MLCEndpoint != nil {
		v := *p.MLCEndpoint
		out.MLCEndpoint = &v
	}
	return out
}

func limitNumber(x, lo, hi, def float64) float64 {
	if math.IsNaN(x) {
		return def
	}
	return math.Min(hi, math.Max(lo, x))
}

func ClampMaxTokens(x int) int {
	if x < 0 || x > 512000 {
		return 1024
	}
	return x
}

func ClampPenalty(x float64) float64 { return limitNumber(x, -2, 2, 0) }

func ClampTemperature(x float64) float64 { return limitNumber(x, 0, 2, 1) }

func ClampTopP(x float64) float64 { return limitNumber(x, 0, 1, 1) }

// RecommendedConfig holds the per-model sampling defaults from the catalog.
type RecommendedConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
}

// Patch converts the recommendation to a config patch.
func (r RecommendedConfig) Patch() ModelConfigPatch {
	return ModelConfigPatch{
		Temperature:      r.Temperature,
		TopP:             r.TopP,
		PresencePenalty:  r.PresencePenalty,
		FrequencyPenalty: r.FrequencyPenalty,
	}.Clone()
}

// ModelRecord is one catalog entry.
type ModelRecord struct {
	Name                    string            `json:"name"`
	DisplayName             string            `json:"display_name"`
	Provider                string            `json:"provider,omitempty"`
	Size                    string            `json:"size,omitempty"`
	Quantization            string            `json:"quantization,omitempty"`
	ContextLength           string            `json:"context_length,omitempty"`
	Family                  string            `json:"family,omitempty"`
	VRAMRequiredMB          float64           `json:"vram_required_MB,omitempty"`
	BufferSizeRequiredBytes int64             `json:"buffer_size_required_bytes,omitempty"`
	LowResourceRequired     bool              `json:"low_resource_required,omitempty"`
	RequiredFeatures        []string          `json:"required_features,omitempty"`
	RecommendedConfig       RecommendedConfig `json:"recommended_config"`
}

// LLMConfig is the per-request configuration handed to a chat client.
// Optional fields are pointers so absent values stay out of the request body
// and out of reload comparisons.
type LLMConfig struct {
	Model            string    `json:"model"`
	Cache            CacheType `json:"cache,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	Stream           bool      `json:"stream"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	EnableThinking   bool      `json:"enable_thinking,omitempty"`
}

// ChatConfig is the app level chat configuration passed into every session
// operation.
type ChatConfig struct {
	SendMemory                     bool            `json:"sendMemory"`
	HistoryMessageCount            int             `json:"historyMessageCount"`
	CompressMessageLengthThreshold int             `json:"compressMessageLengthThreshold"`
	EnableInjectSystemPrompts      bool            `json:"enableInjectSystemPrompts"`
	EnableAutoGenerateTitle        bool            `json:"enableAutoGenerateTitle"`
	HideBuiltinTemplates           bool            `json:"hideBuiltinTemplates"`
	Template                       string          `json:"template"`
	CacheType                      CacheType       `json:"cacheType"`
	EnableThinking                 bool            `json:"enableThinking"`
	ModelClientType                ModelClientType `json:"modelClientType"`
	Models                         []ModelRecord   `json:"models"`
	ModelConfig                    ModelConfig     `json:"modelConfig"`
	Lang                           string          `json:"lang"`
	LogLevel                       string          `json:"logLevel"`
}

// DefaultModels is the builtin model catalog for the in-process engine.
var DefaultModels = []ModelRecord{
	{
		Name:          "Llama-3.2-1B-Instruct-q4f16_1-MLC",
		DisplayName:   "Llama",
		Provider:      "Meta",
		Size:          "1B",
		Quantization:  "q4f16_1",
		ContextLength: "4k",
		Family:        "Llama 3.2",
		RecommendedConfig: RecommendedConfig{
			Temperature: floatPtr(0.6),
			TopP:        floatPtr(0.9),
		},
	},
	{
		Name:          "Qwen3-0.6B-q4f16_1-MLC",
		DisplayName:   "Qwen",
		Provider:      "Alibaba",
		Size:          "0.6B",
		Quantization:  "q4f16_1",
		ContextLength: "4k",
		Family:        "Qwen 3",
		RecommendedConfig: RecommendedConfig{
			Temperature:      floatPtr(0.7),
			TopP:             floatPtr(0.95),
			PresencePenalty:  floatPtr(0),
			FrequencyPenalty: floatPtr(0),
		},
	},
}

func floatPtr(v float64) *float64 { return &v }

// DefaultModelConfig is the model config used before the user changes anything.
func DefaultModelConfig() ModelConfig {
	cfg := ModelConfig{
		Temperature: 1.0,
		TopP:        1,
		MaxTokens:   4000,
	}
	if len(DefaultModels) > 0 {
		cfg.Model = DefaultModels[0].Name
		cfg = DefaultModels[0].RecommendedConfig.Patch().Apply(cfg)
	}
	return cfg
}

// DefaultChatConfig returns the initial chat configuration.
func DefaultChatConfig() ChatConfig {
	models := make([]ModelRecord, len(DefaultModels))
	copy(models, DefaultModels)
	return ChatConfig{
		SendMemory:                     true,
		HistoryMessageCount:            4,
		CompressMessageLengthThreshold: 1000,
		EnableAutoGenerateTitle:        true,
		Template:                       DefaultInputTemplate,
		CacheType:                      CacheTypeCache,
		ModelClientType:                ModelClientWebLLM,
		Models:                         models,
		ModelConfig:                    DefaultModelConfig(),
		Lang:                           "en",
		LogLevel:                       "INFO",
	}
}

// FindModel looks a record up by name.
func (c ChatConfig) FindModel(name string) (ModelRecord, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelRecord{}, false
}

// LLMConfig derives the per-request config for the current model.
func (c ChatConfig) LLMConfig(mc ModelConfig) LLMConfig {
	maxTokens := mc.MaxTokens
	temp, topP := mc.Temperature, mc.TopP
	pp, fp := mc.PresencePenalty, mc.FrequencyPenalty
	return LLMConfig{
		Model:            mc.Model,
		Cache:            c.CacheType,
		Temperature:      &temp,
		TopP:             &topP,
		Stream:           true,
		PresencePenalty:  &pp,
		FrequencyPenalty: &fp,
		MaxTokens:        &maxTokens,
		EnableThinking:   c.EnableThinking,
	}
}

// PatchOf returns a patch that sets every field of cfg.
func PatchOf(cfg ModelConfig) ModelConfigPatch {
	return ModelConfigPatch{
		Model:             &cfg.Model,
		Temperature:       &cfg.Temperature,
		TopP:              &cfg.TopP,
		PresencePenalty:   &cfg.PresencePenalty,
		FrequencyPenalty:  &cfg.FrequencyPenalty,
		MaxTokens:         &cfg.MaxTokens,
		ContextWindowSize: cfg.ContextWindowSize,
		MLCEndpoint:       &cfg.MLCEndpoint,
	}.Clone()
}

// Clone returns a deep copy.
func (c ChatConfig) Clone() ChatConfig {
	models := make([]ModelRecord, len(c.Models))
	for i, m := range c.Models {
		m.RequiredFeatures = append([]string(nil), m.RequiredFeatures...)
		m.RecommendedConfig = RecommendedConfig{
			Temperature:      cloneFloat(m.RecommendedConfig.Temperature),
			TopP:             cloneFloat(m.RecommendedConfig.TopP),
			PresencePenalty:  cloneFloat(m.RecommendedConfig.PresencePenalty),
			FrequencyPenalty: cloneFloat(m.RecommendedConfig.FrequencyPenalty),
		}
		models[i] = m
	}
	c.Models = models
	if c.ModelConfig.ContextWindowSize != nil {
		v := *c.ModelConfig.ContextWindowSize
		c.ModelConfig.ContextWindowSize = &v
	}
	return c
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
