package lora

import (
	"strings"

	"github.com/samber/lo"

	"github.com/hhnqqq/gemma-long-rope/optimizations"
	"github.com/hhnqqq/gemma-long-rope/params"
)

// BindingKind is decided once, before training starts, for every linear in
// the model.
type BindingKind int

const (
	Frozen BindingKind = iota
	AdapterAttached
	FullyTrainable
)

type Binding struct {
	Layer *Linear
	Kind  BindingKind
}

// Options mirrors the adapter block of the training config.
type Options struct {
	Rank         int
	Alpha        float64
	LRMultA      float64
	LRMultB      float64
	Include      []string // name patterns (substring match); empty = qkv projections
	Exclude      []string // wins over Include
	DoRA         bool
	FullFineTune bool
}

// defaultTargets matches the q/k/v projections when no include list is
// given.
var defaultTargets = []string{"q_proj", "k_proj", "v_proj"}

// Manager owns the adapter-to-layer bindings and the resulting parameter
// groups. It is built once from a validated mapping; nothing is patched at
// runtime.
type Manager struct {
	Bindings []Binding
	opts     Options
}

// Attach resolves the include/exclude patterns against every linear in the
// model, attaches adapters, and freezes base weights (unless FullFineTune).
// Patterns that match nothing are a ConfigError so typos surface before the
// first step.
func Attach(layers []*Linear, opts Options) (*Manager, error) {
	if opts.Rank <= 0 {
		return nil, params.Errorf("adapter_rank", "must be positive, got %d", opts.Rank)
	}
	if opts.Alpha <= 0 {
		return nil, params.Errorf("adapter_alpha", "must be positive, got %g", opts.Alpha)
	}
	if opts.LRMultA <= 0 {
		opts.LRMultA = 1.0
	}
	if opts.LRMultB <= 0 {
		opts.LRMultB = opts.LRMultA
	}
	include := opts.Include
	if len(include) == 0 {
		include = defaultTargets
	}

	for _, pat := range include {
		pat := pat
		if !lo.SomeBy(layers, func(l *Linear) bool { return strings.Contains(l.Name, pat) }) {
			return nil, params.Errorf("adapter_include", "pattern %q matches no layer", pat)
		}
	}

	m := &Manager{opts: opts}
	for _, layer := range layers {
		kind := Frozen
		included := lo.SomeBy(include, func(pat string) bool { return strings.Contains(layer.Name, pat) })
		excluded := lo.SomeBy(opts.Exclude, func(pat string) bool { return strings.Contains(layer.Name, pat) })
		switch {
		case included && !excluded:
			kind = AdapterAttached
		case opts.FullFineTune:
			kind = FullyTrainable
		}

		switch kind {
		case AdapterAttached:
			layer.Adapter = NewAdapter(layer.W, opts.Rank, opts.Alpha, opts.LRMultA, opts.LRMultB, opts.DoRA)
			layer.Trainable = opts.FullFineTune
		case FullyTrainable:
			layer.Trainable = true
		case Frozen:
			layer.Trainable = false
		}
		m.Bindings = append(m.Bindings, Binding{Layer: layer, Kind: kind})
	}
	// exclusion wins per layer, but it must not win everywhere: a run that
	// attaches zero adapters would silently train nothing
	if len(m.Attached()) == 0 {
		return nil, params.Errorf("adapter_include", "include/exclude patterns leave no layer with an adapter")
	}
	return m, nil
}

// ParameterGroups returns the optimizer grouping: the base weights (frozen
// unless FullFineTune) and one group per adapter matrix so A and B can run
// at different rates.
func (m *Manager) ParameterGroups() []*optimizations.ParamGroup {
	base := optimizations.NewParamGroup("base", 1.0, m.opts.FullFineTune)
	groupA := optimizations.NewParamGroup("adapter_a", m.opts.LRMultA, true)
	groupB := optimizations.NewParamGroup("adapter_b", m.opts.LRMultB, true)

	for _, b := range m.Bindings {
		l := b.Layer
		if l.Trainable {
			base.Add(l.W, l.GradW)
		} else {
			base.Add(l.W, nil)
		}
		if l.Adapter != nil {
			groupA.Add(l.Adapter.A, l.Adapter.GradA)
			groupB.Add(l.Adapter.B, l.Adapter.GradB)
		}
	}
	return []*optimizations.ParamGroup{base, groupA, groupB}
}

// Attached returns the layers that carry an adapter.
func (m *Manager) Attached() []*Linear {
	return lo.FilterMap(m.Bindings, func(b Binding, _ int) (*Linear, bool) {
		return b.Layer, b.Kind == AdapterAttached
	})
}

// MergeAll folds every adapter into its base weight for export and removes
// it. After merging the model is a plain dense stack again.
func (m *Manager) MergeAll() {
	for i := range m.Bindings {
		l := m.Bindings[i].Layer
		if l.Adapter == nil {
			continue
		}
		l.Adapter.MergeInto(l.W)
		l.Adapter = nil
		m.Bindings[i].Kind = Frozen
		if m.opts.FullFineTune {
			m.Bindings[i].Kind = FullyTrainable
		}
	}
}
