package siteagent

import (
	"github.com/cqp-go/siteagent/internal/domain"
)

// setLinkState updates the recorded state for dest and broadcasts the
// change to every GetLinkStatus subscriber. Mirrors
// original_source/SiteAgent.cpp's SendStatusUpdate: one mutex guards both
// the state map and the subscriber list for the whole call.
func (a *Agent) setLinkState(dest domain.SiteId, state LinkState) {
	a.setLinkStateWithCode(dest, state, 0)
}

func (a *Agent) setLinkStateWithCode(dest domain.SiteId, state LinkState, errorCode int) {
	a.linkMu.Lock()
	defer a.linkMu.Unlock()
	a.linkState[dest] = state
	event := LinkStatus{SiteTo: dest, State: state, ErrorCode: errorCode}
	for _, ch := range a.subscribers {
		select {
		case ch <- event:
		default:
			// Slow subscriber; drop rather than block the state transition.
		}
	}
}

// GetLinkStatus returns the current state of the link to dest.
func (a *Agent) GetLinkStatus(dest domain.SiteId) LinkState {
	a.linkMu.Lock()
	defer a.linkMu.Unlock()
	return a.linkState[dest]
}

// SubscribeLinkStatus registers a channel that receives every link state
// transition until unsubscribe is called. The channel is buffered so a
// websocket writer goroutine can drain it independently.
func (a *Agent) SubscribeLinkStatus() (ch <-chan LinkStatus, unsubscribe func()) {
	a.linkMu.Lock()
	id := a.nextSubID
	a.nextSubID++
	out := make(chan LinkStatus, 16)
	a.subscribers[id] = out
	a.linkMu.Unlock()

	return out, func() {
		a.linkMu.Lock()
		defer a.linkMu.Unlock()
		if c, ok := a.subscribers[id]; ok {
			delete(a.subscribers, id)
			close(c)
		}
	}
}
