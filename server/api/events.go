package api

import (
	"net/http"
	"time"

	"github.com/idevmgr/idevd-go/core"
	"github.com/idevmgr/idevd-go/memorywriter"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Websocket feed of device list changes, for GUIs that would otherwise
// poll /listen in a loop.

const eventsPollInterval = time.Second

type deviceEvent struct {
	Event   string                `json:"event"` // attached | detached
	Device  core.DeviceInfo       `json:"device"`
	Devices []core.EnumerateEntry `json:"devices"`
}

type events struct {
	core     *core.Core
	logger   *memorywriter.MemoryWriter
	upgrader websocket.Upgrader
}

func ServeEvents(r *mux.Router, c *core.Core, l *memorywriter.MemoryWriter) {
	e := &events{
		core:   c,
		logger: l,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return corsValidator()(r.Header.Get("Origin"))
			},
		},
	}
	r.HandleFunc("/events", e.stream)
}

func (e *events) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Log("events - upgrade failed: " + err.Error())
		return
	}
	defer conn.Close()

	e.logger.Log("events - stream opened")

	// Reader goroutine notices the peer going away; writes happen only
	// from this goroutine, WriteJSON is not thread safe.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var last []core.EnumerateEntry
	ticker := time.NewTicker(eventsPollInterval)
	defer ticker.Stop()

	for {
		entries, err := e.core.Enumerate()
		if err != nil {
			e.logger.Log("events - enumerate failed: " + err.Error())
			return
		}
		for _, ev := range diffEntries(last, entries) {
			ev.Devices = entries
			if err := conn.WriteJSON(ev); err != nil {
				e.logger.Log("events - write failed: " + err.Error())
				return
			}
		}
		last = entries

		select {
		case <-gone:
			e.logger.Log("events - stream closed by peer")
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// diffEntries turns two device list snapshots into attach/detach events.
func diffEntries(prev, cur []core.EnumerateEntry) []deviceEvent {
	var evs []deviceEvent
	for _, n := range cur {
		found := false
		for _, o := range prev {
			if o.UDID == n.UDID {
				found = true
				break
			}
		}
		if !found {
			evs = append(evs, deviceEvent{Event: "attached", Device: n.DeviceInfo})
		}
	}
	for _, o := range prev {
		found := false
		for _, n := range cur {
			if n.UDID == o.UDID {
				found = true
				break
			}
		}
		if !found {
			evs = append(evs, deviceEvent{Event: "detached", Device: o.DeviceInfo})
		}
	}
	return evs
}
