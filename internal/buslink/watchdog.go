package buslink

import (
	"errors"
	"time"
)

const (
	// watchdogTick is how often a serial link's liveness is reviewed.
	watchdogTick = 2 * time.Second
	// silenceWindow is how long a serial link may stay silent before the
	// watchdog probes the device.
	silenceWindow = 10 * time.Second
)

var errDeviceSilent = errors.New("buslink: link silent and device no longer present")

// watchdogLoop guards serial-backed links. Some USB-CAN adapters vanish
// without raising a read error until the next I/O attempt, so after a
// silence window the device is probed directly and the link force-stopped
// when it is gone.
func (l *Link) watchdogLoop(c *connState) {
	defer close(c.wdDone)
	ticker := l.clk.Ticker(watchdogTick)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		last := time.Unix(0, l.lastFrame.Load())
		if l.clk.Now().Sub(last) < silenceWindow {
			continue
		}
		if c.tr.Alive() {
			continue
		}
		l.failLink(c, errDeviceSilent)
		return
	}
}
