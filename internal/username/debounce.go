package username

import (
	"context"
	"sync"
	"time"
)

// Debouncer は最後の入力から一定時間経過した後にタスクを実行する、キャンセル可能な遅延タスク。
// 新しいScheduleは保留中のタイマーを止め、実行中タスクのコンテキストもキャンセルする。
// タスクの結果が最新の入力に対応するかはIsLatestで確認する（完了順ではなくキーで判定する）。
type Debouncer struct {
	delay time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	cancel context.CancelFunc
	latest string
	active bool
}

// NewDebouncer はDebouncerを生成する。
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay}
}

// Schedule はkeyに対するタスクをdelay後に実行するよう予約する。
// 既に予約済みのタスクは破棄される。
func (d *Debouncer) Schedule(key string, fn func(ctx context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.latest = key
	d.active = true
	d.timer = time.AfterFunc(d.delay, func() {
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	})
}

// Cancel は保留中・実行中のタスクを破棄する。以後IsLatestは常にfalseを返す。
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()
	d.latest = ""
	d.active = false
}

// IsLatest はkeyが最後にScheduleされたキーかを返す。
func (d *Debouncer) IsLatest(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active && d.latest == key
}

func (d *Debouncer) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}
