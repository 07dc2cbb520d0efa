package transport

import (
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// devicePatterns covers the usual USB-serial device names. tarm/serial
// offers no enumeration, so the watcher polls the filesystem.
var devicePatterns = []string{
	"/dev/ttyUSB*",
	"/dev/ttyACM*",
	"/dev/tty.usb*",
	"/dev/cu.usb*",
	"/dev/tty.wchusbserial*",
}

// ListDevices returns the currently attached candidate serial devices,
// sorted.
func ListDevices() []string {
	var devices []string
	for _, pattern := range devicePatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		devices = append(devices, matches...)
	}
	sort.Strings(devices)
	return devices
}

// Watcher polls the device list and reports every change on Changes.
type Watcher struct {
	interval time.Duration
	list     func() []string
	changes  chan []string
	stop     chan struct{}
}

func NewWatcher(interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	w := &Watcher{
		interval: interval,
		list:     ListDevices,
		changes:  make(chan []string, 1),
		stop:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// Changes yields the full device list each time it differs from the
// previous poll. The initial list is always delivered.
func (w *Watcher) Changes() <-chan []string { return w.changes }

func (w *Watcher) Stop() { close(w.stop) }

func (w *Watcher) loop() {
	last := "\x00" // never equal to a real list
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		devices := w.list()
		key := strings.Join(devices, "\n")
		if key != last {
			last = key
			select {
			case w.changes <- devices:
			case <-w.stop:
				return
			}
		}

		select {
		case <-ticker.C:
		case <-w.stop:
			return
		}
	}
}
