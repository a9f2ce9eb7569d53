package actor

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer 屬於某個 Actor 的可取消計時器
//
// 到期回呼會投遞回擁有者的郵箱執行。每次 Schedule / Stop 都會遞增世代，
// 已經觸發但還在郵箱排隊的舊回呼會因世代不符而被忽略。
//
// Schedule、Stop、Pending 只能在擁有者的閉包內呼叫。
type Timer struct {
	owner *Actor
	clock clockwork.Clock
	t     clockwork.Timer
	gen   uint64
}

// NewTimer 創建綁定在 Actor 上的計時器
func (a *Actor) NewTimer(clock clockwork.Clock) *Timer {
	return &Timer{owner: a, clock: clock}
}

// Schedule 取消舊的排程，d 之後在 Actor 內執行 fn
func (t *Timer) Schedule(d time.Duration, fn func()) {
	t.Stop()
	gen := t.gen
	t.t = t.clock.AfterFunc(d, func() {
		t.owner.Post(func() {
			if t.gen != gen {
				return
			}
			t.t = nil
			fn()
		})
	})
}

// Stop 取消排程
func (t *Timer) Stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
}

// Pending 是否有尚未觸發的排程
func (t *Timer) Pending() bool {
	return t.t != nil
}
