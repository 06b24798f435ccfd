package node

import "time"

type timerFactory func(time.Duration) <-chan time.Time

// EpochTimer drives the node's local epoch counter. Unlike a gossip
// heartbeat it must not be randomized: every node advances its epochs on the
// same fixed duration.
type EpochTimer struct {
	timerFactory timerFactory
	tickCh       chan struct{}      //sends a signal to the listening process
	resetCh      chan time.Duration //receives instruction to re-arm the timer
	stopCh       chan struct{}      //receives instruction to stop the timer
	shutdownCh   chan struct{}      //receives instruction to exit Run loop
}

// NewEpochTimer returns a timer armed by time.After.
func NewEpochTimer() *EpochTimer {
	return &EpochTimer{
		timerFactory: func(d time.Duration) <-chan time.Time {
			if d == 0 {
				return nil
			}
			return time.After(d)
		},
		tickCh:     make(chan struct{}),
		resetCh:    make(chan time.Duration),
		stopCh:     make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// Run loops forever, ticking and re-arming. An init duration of 0 leaves the
// timer disarmed until the first reset.
func (c *EpochTimer) Run(init time.Duration) {
	timer := c.timerFactory(init)
	for {
		select {
		case <-timer:
			select {
			case c.tickCh <- struct{}{}:
			case <-c.shutdownCh:
				return
			}
			timer = nil
		case d := <-c.resetCh:
			timer = c.timerFactory(d)
		case <-c.stopCh:
			timer = nil
		case <-c.shutdownCh:
			return
		}
	}
}

// Shutdown exits the Run loop.
func (c *EpochTimer) Shutdown() {
	close(c.shutdownCh)
}
