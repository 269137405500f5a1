package app

import (
	"os"
	"sync"
	"time"
)

// BellRinger rings the terminal bell until stopped. Good enough for the
// CLI client; a GUI would plug in its own core.Ringer.
type BellRinger struct {
	mu   sync.Mutex
	stop chan struct{}
}

func (r *BellRinger) Play() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return
	}
	stop := make(chan struct{})
	r.stop = stop
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			_, _ = os.Stdout.Write([]byte{'\a'})
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (r *BellRinger) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop == nil {
		return
	}
	close(r.stop)
	r.stop = nil
}

// NopRinger is silent. Used headless and in tests.
type NopRinger struct{}

func (NopRinger) Play() {}
func (NopRinger) Stop() {}
