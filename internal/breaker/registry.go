package breaker

import (
	"sort"
	"sync"
)

// Registry は名前付きブレーカーの集合を管理する。
// 依存先ごとに初回アクセス時に遅延生成し、依存先別の閾値設定を
// 適用できる。
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	defaults  Settings
	overrides map[string]Settings

	onTransition TransitionFunc
}

// NewRegistry はRegistryを生成する。
// overridesには依存先名ごとの個別設定を渡す。設定がない依存先には
// defaultsが適用される。
func NewRegistry(defaults Settings, overrides map[string]Settings) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		defaults:  defaults,
		overrides: overrides,
	}
}

// SetTransitionFunc は全ブレーカーの状態遷移フックを設定する。
// 既存のブレーカーにも適用される。
func (r *Registry) SetTransitionFunc(fn TransitionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onTransition = fn
	for _, b := range r.breakers {
		b.SetTransitionFunc(fn)
	}
}

// Get は指定した依存先のブレーカーを取得する。存在しない場合は
// 生成する。
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	settings := r.defaults
	if o, ok := r.overrides[name]; ok {
		settings = o
	}

	b := New(name, settings)
	if r.onTransition != nil {
		b.SetTransitionFunc(r.onTransition)
	}
	r.breakers[name] = b
	return b
}

// Snapshot は全ブレーカーの統計情報を名前順で返す。
// 運用者向けエンドポイント用。
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Name < stats[j].Name
	})
	return stats
}

// Lookup は指定した依存先のブレーカーを返す。存在しない場合はnil。
// 運用者の手動操作（リセットなど）で、誤って新規生成しないために使う。
func (r *Registry) Lookup(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakers[name]
}
