package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RefikCodes/raptorex-core/grbl"
	"github.com/RefikCodes/raptorex-core/machine"
)

var (
	errBadAxis        = errors.New("axis must be one of X, Y, Z, A")
	errUnknownCommand = errors.New("unknown command")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsClient is one websocket subscriber. State frames are pushed through
// send; a slow client drops frames rather than stalling the pump.
type wsClient struct {
	ws   *websocket.Conn
	send chan []byte
}

func (a *api) addClient(c *wsClient) {
	a.mx.Lock()
	a.clients[c] = struct{}{}
	a.mx.Unlock()
}

func (a *api) removeClient(c *wsClient) {
	a.mx.Lock()
	delete(a.clients, c)
	a.mx.Unlock()
	close(c.send)
}

func (a *api) broadcast(data []byte) {
	a.mx.Lock()
	defer a.mx.Unlock()
	for c := range a.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

func (a *api) serveWS(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		a.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{ws: ws, send: make(chan []byte, 16)}
	a.addClient(c)

	go c.writePump()
	a.readPump(c)
}

func (c *wsClient) writePump() {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	defer c.ws.Close()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsCommand is the inbound frame shape. Cmd selects the action; the
// remaining fields apply per command.
type wsCommand struct {
	Cmd  string  `json:"cmd"`
	Line string  `json:"line"`
	Axis string  `json:"axis"`
	Dir  int     `json:"dir"`
	Mode string  `json:"mode"`
	Feed float64 `json:"feed"`
	Step float64 `json:"step"`
}

func (a *api) readPump(c *wsClient) {
	defer a.removeClient(c)
	defer c.ws.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			a.wsError(c, "bad frame: "+err.Error())
			continue
		}
		if err := a.applyCommand(cmd); err != nil {
			a.wsError(c, err.Error())
		}
	}
}

func (a *api) wsError(c *wsClient, msg string) {
	data, _ := json.Marshal(map[string]string{"error": msg})
	select {
	case c.send <- data:
	default:
	}
}

func (a *api) applyCommand(cmd wsCommand) error {
	switch cmd.Cmd {
	case "line":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return a.m.SendCommand(ctx, strings.TrimSpace(cmd.Line))
	case "hold":
		return a.m.SendControl(grbl.CharHold)
	case "resume":
		return a.m.SendControl(grbl.CharResume)
	case "status":
		return a.m.SendControl(grbl.CharStatus)
	case "stop":
		return a.m.RequestStop()
	case "jog":
		if len(cmd.Axis) != 1 {
			return errBadAxis
		}
		jr := machine.JogRequest{
			Axis: strings.ToUpper(cmd.Axis)[0],
			Dir:  cmd.Dir,
			Feed: cmd.Feed,
			Step: cmd.Step,
		}
		if cmd.Mode == "continuous" {
			jr.Mode = machine.JogContinuous
		}
		if jr.Feed == 0 {
			jr.Feed = a.cfg.Session.JogFeed
		}
		if jr.Step == 0 {
			jr.Step = a.cfg.Session.JogStep
		}
		return a.m.Jog(jr)
	case "jogCancel":
		return a.m.JogCancel()
	}
	return errUnknownCommand
}
