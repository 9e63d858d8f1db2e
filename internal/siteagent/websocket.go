package siteagent

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var linkStatusUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// LinkStatusWebsocket serves ISiteDetails.GetLinkStatus: a server-streaming
// subscription that pushes every link state transition, plus a 1-second
// keepalive poll per spec.md §5's cancellation-observation interval.
// Grounded on the reference repo's forex WebSocketHandler (upgrade, initial
// snapshot, ticker-driven push loop, context-cancel exit).
func (a *Agent) LinkStatusWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := linkStatusUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Error("link status websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	events, unsubscribe := a.SubscribeLinkStatus()
	defer unsubscribe()

	a.sendLinkSnapshot(conn)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (a *Agent) sendLinkSnapshot(conn *websocket.Conn) {
	a.linkMu.Lock()
	snapshot := make([]LinkStatus, 0, len(a.linkState))
	for site, state := range a.linkState {
		snapshot = append(snapshot, LinkStatus{SiteTo: site, State: state})
	}
	a.linkMu.Unlock()

	for _, ev := range snapshot {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
