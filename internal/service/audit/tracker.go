package audit

import (
	"context"
	"sync"
	"time"
)

type trackerKey struct{}

// Tracker считает записи аудита, поставленные в рамках одного запроса.
type Tracker struct {
	wg sync.WaitGroup
}

// Track привязывает к ctx новый Tracker.
func Track(ctx context.Context) (context.Context, *Tracker) {
	t := &Tracker{}
	return context.WithValue(ctx, trackerKey{}, t), t
}

func trackerFrom(ctx context.Context) *Tracker {
	t, _ := ctx.Value(trackerKey{}).(*Tracker)
	return t
}

func (t *Tracker) add() {
	if t != nil {
		t.wg.Add(1)
	}
}

func (t *Tracker) done() {
	if t != nil {
		t.wg.Done()
	}
}

// Wait ждёт записи всех отслеживаемых записей не дольше timeout.
// Возвращает false, если время вышло.
func (t *Tracker) Wait(timeout time.Duration) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
