package scada

import (
	"sync"
	"time"

	"github.com/thegridelectric/gwproactor/internal/message"
	"github.com/thegridelectric/gwproactor/internal/proactor"
)

// ticker is the goroutine behind a runnable actor. Every period it puts a
// tick addressed to the actor on the receive queue, so the actor's work
// still happens on the dispatch loop.
type ticker struct {
	svc    proactor.Services
	name   string
	period time.Duration

	once    *sync.Once
	started bool
	stop    chan struct{}
	done    chan struct{}
}

func newTicker(svc proactor.Services, name string, period time.Duration) ticker {
	return ticker{
		svc:    svc,
		name:   name,
		period: period,
		once:   new(sync.Once),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (t *ticker) Start() error {
	t.started = true
	go func() {
		defer close(t.done)
		tk := time.NewTicker(t.period)
		defer tk.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-tk.C:
				t.svc.SendThreadsafe(message.New(t.name, t.name, &tick{}))
			}
		}
	}()
	return nil
}

func (t *ticker) Stop() {
	t.once.Do(func() { close(t.stop) })
}

func (t *ticker) Join() error {
	if !t.started {
		return nil
	}
	<-t.done
	return nil
}

// pat tells the watchdog the actor is alive.
func (t *ticker) pat() {
	t.svc.Send(message.New(t.name, t.svc.Name(), &message.PatWatchdog{}))
}
