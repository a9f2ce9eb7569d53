package actor

import (
	"sort"
	"sync"
)

// Namespace 以邏輯名稱定址的 Actor 目錄
//
// Get 是 get-or-create：同名請求永遠拿到同一個實例，
// 不存在時才呼叫 factory 建立。factory 在鎖內執行，因此不能反過來呼叫 Namespace。
type Namespace[T any] struct {
	mu      sync.Mutex
	items   map[string]T
	factory func(name string) T
}

// NewNamespace 創建命名空間
func NewNamespace[T any](factory func(name string) T) *Namespace[T] {
	return &Namespace[T]{
		items:   make(map[string]T),
		factory: factory,
	}
}

// Get 取得或建立指定名稱的實例
func (n *Namespace[T]) Get(name string) T {
	n.mu.Lock()
	defer n.mu.Unlock()

	if item, ok := n.items[name]; ok {
		return item
	}
	item := n.factory(name)
	n.items[name] = item
	return item
}

// Lookup 只查詢，不建立
func (n *Namespace[T]) Lookup(name string) (T, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	item, ok := n.items[name]
	return item, ok
}

// RemoveIf 當 match 對目前的實例返回 true 時移除
//
// 用來避免誤刪：舊實例回報閒置時，名稱可能已經指向新的實例。
func (n *Namespace[T]) RemoveIf(name string, match func(T) bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	item, ok := n.items[name]
	if !ok || !match(item) {
		return false
	}
	delete(n.items, name)
	return true
}

// Drain 移除並返回所有實例
func (n *Namespace[T]) Drain() []T {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]T, 0, len(n.items))
	for name, item := range n.items {
		out = append(out, item)
		delete(n.items, name)
	}
	return out
}

// Names 返回排序後的所有名稱
func (n *Namespace[T]) Names() []string {
	n.mu.Lock()
	names := make([]string, 0, len(n.items))
	for name := range n.items {
		names = append(names, name)
	}
	n.mu.Unlock()

	sort.Strings(names)
	return names
}

// Len 返回實例數量
func (n *Namespace[T]) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.items)
}
