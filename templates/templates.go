// Package templates manages personas: the builtin read-only set and the
// user's own templates persisted in the store.
package templates

import (
	"context"
	_ "embed"
	"encoding/json"
	"slices"
	"strconv"
	"sync"
	"time"

	"webllm-chat/database"
	"webllm-chat/errors"
	"webllm-chat/web/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

//go:embed builtin.json
var builtinJSON []byte

var (
	builtinOnce sync.Once
	builtins    []types.Template
)

// Builtins returns the builtin templates with ids assigned from
// types.BuiltinTemplateID upwards.
func Builtins() []types.Template {
	builtinOnce.Do(func() {
		var parsed []types.Template
		if err := json.Unmarshal(builtinJSON, &parsed); err != nil {
			panic("templates: invalid builtin.json: " + err.Error())
		}
		for i := range parsed {
			parsed[i].ID = strconv.Itoa(types.BuiltinTemplateID + i)
			parsed[i].Builtin = true
			if parsed[i].Context == nil {
				parsed[i].Context = []types.ChatMessage{}
			}
		}
		builtins = parsed
	})
	out := make([]types.Template, len(builtins))
	for i, t := range builtins {
		out[i] = t.Clone()
	}
	return out
}

// IsBuiltinID reports whether id lies in the reserved builtin range.
func IsBuiltinID(id string) bool {
	n, err := strconv.Atoi(id)
	return err == nil && n >= types.BuiltinTemplateID
}

// State is the persisted form of the user templates.
type State struct {
	Templates map[string]types.Template `json:"templates"`
}

func defaultState() State {
	return State{Templates: map[string]types.Template{}}
}

func cloneState(s State) State {
	out := State{Templates: make(map[string]types.Template, len(s.Templates))}
	for id, t := range s.Templates {
		out.Templates[id] = t.Clone()
	}
	return out
}

// Store holds user templates.
type Store struct {
	store  *database.Store[State]
	logger *zap.Logger
}

// Open loads the template store from backend.
func Open(ctx context.Context, backend database.Backend, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	st, err := database.OpenStore(ctx, backend, database.Schema[State]{
		Key:     database.TemplateStoreKey,
		Version: database.TemplateStoreVersion,
		Default: defaultState,
		Clone:   cloneState,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &Store{store: st, logger: logger}, nil
}

// Create stores a new user template. Zero fields take the empty template's
// values; the id, builtin flag and creation time are always assigned here.
func (s *Store) Create(ctx context.Context, tmpl types.Template, global types.ModelConfig) (types.Template, error) {
	base := types.EmptyTemplate()
	if tmpl.Name == "" {
		tmpl.Name = base.Name
	}
	if tmpl.Avatar == "" {
		tmpl.Avatar = base.Avatar
	}
	if tmpl.Lang == "" {
		tmpl.Lang = base.Lang
	}
	if tmpl.Context == nil {
		tmpl.Context = []types.ChatMessage{}
	}
	// new templates start from the global config
	tmpl.ModelConfig = types.PatchOf(tmpl.ModelConfig.Apply(global))
	tmpl.ID = uuid.New().String()
	tmpl.Builtin = false
	tmpl.CreatedAt = time.Now()

	_, err := s.store.Set(ctx, func(st *State) {
		st.Templates[tmpl.ID] = tmpl.Clone()
	})
	if err != nil {
		return types.Template{}, err
	}
	s.logger.Debug("Created template", zap.String("id", tmpl.ID), zap.String("name", tmpl.Name))
	return tmpl, nil
}

// Update applies fn to the template with id.
func (s *Store) Update(ctx context.Context, id string, fn func(*types.Template)) (types.Template, error) {
	if IsBuiltinID(id) {
		return types.Template{}, errors.WrapErrorf(errors.ErrReadOnly, "template %s is builtin", id)
	}
	var updated types.Template
	var found bool
	_, err := s.store.Set(ctx, func(st *State) {
		t, ok := st.Templates[id]
		if !ok {
			return
		}
		found = true
		fn(&t)
		t.ID, t.Builtin = id, false
		st.Templates[id] = t
		updated = t.Clone()
	})
	if err != nil {
		return types.Template{}, err
	}
	if !found {
		return types.Template{}, errors.WrapErrorf(errors.ErrNotFound, "template %s", id)
	}
	return updated, nil
}

// Delete removes a user template. Deleting a missing template is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if IsBuiltinID(id) {
		return errors.WrapErrorf(errors.ErrReadOnly, "template %s is builtin", id)
	}
	_, err := s.store.Set(ctx, func(st *State) {
		delete(st.Templates, id)
	})
	return err
}

// Get looks a template up among user and builtin templates.
func (s *Store) Get(id string) (types.Template, bool) {
	if IsBuiltinID(id) {
		for _, t := range Builtins() {
			if t.ID == id {
				return t, true
			}
		}
		return types.Template{}, false
	}
	t, ok := s.store.Get().Templates[id]
	return t, ok
}

// All lists user templates newest first, followed by the builtins unless the
// config hides them. Builtin overrides are merged over the global model
// config.
func (s *Store) All(cfg types.ChatConfig) []types.Template {
	st := s.store.Get()
	out := make([]types.Template, 0, len(st.Templates))
	for _, t := range st.Templates {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b types.Template) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if cfg.HideBuiltinTemplates {
		return out
	}
	for _, t := range Builtins() {
		t.ModelConfig = types.PatchOf(t.ModelConfig.Apply(cfg.ModelConfig))
		out = append(out, t)
	}
	return out
}
