// Package actor 提供單 goroutine 郵箱模型，讓每個邏輯實體的狀態只被一個執行緒修改。
package actor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// 系統設計問題：
//   佇列、房間、排行榜都是「全域唯一」的狀態擁有者，如何在不共享可變記憶體的前提下
//   處理大量並發請求？
//
// 核心挑戰：
//   1. 串行化：同一實體的操作必須一個接一個執行
//   2. 不阻塞：投遞訊息的一方不能因為郵箱滿了而卡住（否則 A 等 B、B 等 A 會死鎖）
//   3. 跨實體呼叫：A 呼叫 B 時，A 的郵箱要能繼續處理其他訊息
//
// 設計方案：
//   ✅ 無界 FIFO 郵箱（slice + 訊號 channel）
//   ✅ 單一 goroutine 依序執行閉包
//   ✅ Ask 以 context 限制等待時間
//   ✅ panic 只影響當前訊息，不會殺死整個 Actor

// ErrStopped Actor 已停止，不再接受訊息
var ErrStopped = errors.New("actor stopped")

// Actor 單一郵箱的執行單元
//
// 所有狀態修改都以閉包形式投遞到郵箱，由 run goroutine 依序執行。
// 閉包內可以安全讀寫該 Actor 擁有的狀態，不需要額外加鎖。
//
// 注意：不要在閉包內對同一個 Actor 呼叫 Do / Ask，會永遠等不到結果。
type Actor struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	signal chan struct{}
	done   chan struct{}
}

// New 創建並啟動 Actor
func New(name string, logger *slog.Logger) *Actor {
	a := &Actor{
		name:   name,
		logger: logger.With("actor", name),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Name 返回 Actor 的邏輯名稱
func (a *Actor) Name() string {
	return a.name
}

// Post 投遞訊息（fire-and-forget）
//
// 返回 false 表示 Actor 已停止，訊息被丟棄。
func (a *Actor) Post(fn func()) bool {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return false
	}
	a.queue = append(a.queue, fn)
	a.mu.Unlock()

	a.wake()
	return true
}

// Do 投遞訊息並等待執行完成
func (a *Actor) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !a.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ask 在 Actor 內執行 fn 並取回結果
func Ask[T any](ctx context.Context, a *Actor, fn func() T) (T, error) {
	var out T
	if err := a.Do(ctx, func() { out = fn() }); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Stop 停止接受新訊息；已排隊的訊息仍會執行完畢
//
// 可以在 Actor 自己的閉包內呼叫。需要等待結束時使用 Done。
func (a *Actor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	a.wake()
}

// Done 在 run goroutine 結束後關閉
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// Pending 返回郵箱中尚未執行的訊息數
func (a *Actor) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

func (a *Actor) wake() {
	select {
	case a.signal <- struct{}{}:
	default:
	}
}

func (a *Actor) run() {
	defer close(a.done)

	for range a.signal {
		for {
			a.mu.Lock()
			if len(a.queue) == 0 {
				stopped := a.stopped
				a.mu.Unlock()
				if stopped {
					return
				}
				break
			}
			fn := a.queue[0]
			a.queue[0] = nil
			a.queue = a.queue[1:]
			a.mu.Unlock()

			a.invoke(fn)
		}
	}
}

// invoke 執行單一訊息，panic 只記錄不擴散
func (a *Actor) invoke(fn func()) {
	defer func() {
		if err := recover(); err != nil {
			a.logger.Error("處理訊息時發生 panic", "error", err)
		}
	}()
	fn()
}
