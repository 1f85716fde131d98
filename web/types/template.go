package types

import "time"

// BuiltinTemplateID is the first id of the reserved builtin range.
const BuiltinTemplateID = 100000

// DefaultTemplateAvatar is used for templates created without an avatar.
const DefaultTemplateAvatar = "mlc-ai"

// Template is a persona: a fixed preamble plus model config overrides.
// ModelConfig holds the overrides; with SyncGlobalConfig set the global
// model config is used instead.
type Template struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Avatar           string           `json:"avatar"`
	Context          []ChatMessage    `json:"context"`
	HideContext      bool             `json:"hideContext,omitempty"`
	SyncGlobalConfig bool             `json:"syncGlobalConfig,omitempty"`
	ModelConfig      ModelConfigPatch `json:"modelConfig"`
	Lang             string           `json:"lang"`
	Builtin          bool             `json:"builtin"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// EmptyTemplate is the template attached to a session started without one.
func EmptyTemplate() Template {
	return Template{
		Avatar:           DefaultTemplateAvatar,
		Name:             DefaultTopic,
		Context:          []ChatMessage{},
		SyncGlobalConfig: true,
		Lang:             "en",
		CreatedAt:        time.Now(),
	}
}

// ResolveModelConfig applies the template's overrides to global unless the
// template follows the global config.
func (t Template) ResolveModelConfig(global ModelConfig) ModelConfig {
	if t.SyncGlobalConfig {
		return global
	}
	return t.ModelConfig.Apply(global)
}

// Clone returns a deep copy.
func (t Template) Clone() Template {
	t.Context = CloneMessages(t.Context)
	t.ModelConfig = t.ModelConfig.Clone()
	return t
}
