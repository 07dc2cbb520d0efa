package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdlog "log"
	"net/http"
	"strings"
	"sync"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/RefikCodes/raptorex-core/config"
	"github.com/RefikCodes/raptorex-core/grbl"
	"github.com/RefikCodes/raptorex-core/machine"
	"github.com/RefikCodes/raptorex-core/transport"
)

type api struct {
	http.Handler
	m   *machine.Machine
	cfg config.Config
	log *zap.SugaredLogger
	sse *sse.Server

	mx      sync.Mutex
	pending *machine.Decision
	clients map[*wsClient]struct{}
}

func newAPI(m *machine.Machine, cfg config.Config, log *zap.SugaredLogger) *api {
	r := mux.NewRouter()
	a := &api{
		Handler: r,
		m:       m,
		cfg:     cfg,
		log:     log,
		clients: make(map[*wsClient]struct{}),
		sse: sse.NewServer(&sse.Options{
			Logger: stdlog.New(io.Discard, "", 0),
		}),
	}

	r.HandleFunc("/api/state", a.getState).Methods("GET")
	r.HandleFunc("/api/settings", a.getSettings).Methods("GET")
	r.HandleFunc("/api/firmware", a.getFirmware).Methods("GET")
	r.HandleFunc("/api/devices", a.getDevices).Methods("GET")

	r.HandleFunc("/api/connect", a.postConnect).Methods("POST")
	r.HandleFunc("/api/disconnect", a.postDisconnect).Methods("POST")

	r.HandleFunc("/api/command", a.postCommand).Methods("POST")
	r.HandleFunc("/api/run", a.postRun).Methods("POST")
	r.HandleFunc("/api/job/pause", a.postJobPause).Methods("POST")
	r.HandleFunc("/api/job/resume", a.postJobResume).Methods("POST")
	r.HandleFunc("/api/job/stop", a.postJobStop).Methods("POST")

	r.HandleFunc("/api/jog", a.postJog).Methods("POST")
	r.HandleFunc("/api/jog/cancel", a.postJogCancel).Methods("POST")

	r.HandleFunc("/api/stop", a.postStop).Methods("POST")
	r.HandleFunc("/api/decision", a.postDecision).Methods("POST")

	r.HandleFunc("/api/probe/wait", a.postProbeWait).Methods("POST")

	r.HandleFunc("/ws", a.serveWS)
	r.PathPrefix("/events/").Handler(a.sse)

	go a.pumpStates()
	go a.pumpConnStates()
	go a.pumpDecisions()

	return a
}

type jobView struct {
	State       string `json:"state"`
	Line        int    `json:"line"`
	Total       int    `json:"total"`
	Errors      int    `json:"errors"`
	ElapsedMS   int64  `json:"elapsedMs"`
	RemainingMS int64  `json:"remainingMs"`
}

func viewOf(p machine.Progress) jobView {
	return jobView{
		State:       p.State.String(),
		Line:        p.Line,
		Total:       p.Total,
		Errors:      p.Errors,
		ElapsedMS:   p.Elapsed.Milliseconds(),
		RemainingMS: p.Remaining.Milliseconds(),
	}
}

type stateView struct {
	Conn    string           `json:"conn"`
	Machine machine.Snapshot `json:"machine"`
	Job     *jobView         `json:"job,omitempty"`
}

func (a *api) stateView() stateView {
	v := stateView{
		Conn:    a.m.ConnState().String(),
		Machine: a.m.Snapshot(),
	}
	if job := a.m.Job(); job != nil {
		jv := viewOf(job.Progress())
		v.Job = &jv
	}
	return v
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Errorw("encode response", "error", err)
	}
}

func (a *api) readJSON(w http.ResponseWriter, req *http.Request, v interface{}) bool {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// fail maps session errors onto HTTP statuses.
func (a *api) fail(w http.ResponseWriter, err error) {
	var ce *grbl.ControllerError
	switch {
	case errors.As(err, &ce):
		a.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error": err.Error(),
			"code":  ce.Code,
		})
	case errors.Is(err, machine.ErrNotReady):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, machine.ErrBusy), errors.Is(err, machine.ErrAlreadyOpen):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (a *api) getState(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.stateView())
}

func (a *api) getSettings(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.m.Settings())
}

func (a *api) getFirmware(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.m.Identity())
}

func (a *api) getDevices(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, transport.ListDevices())
}

func (a *api) postConnect(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Device string `json:"device"`
		Baud   int    `json:"baud"`
	}
	if !a.readJSON(w, req, &body) {
		return
	}
	if body.Device == "" {
		body.Device = a.cfg.Serial.Device
	}
	if body.Baud == 0 {
		body.Baud = a.cfg.Serial.Baud
	}
	if body.Device == "" {
		http.Error(w, "no device given or configured", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Minute)
	defer cancel()
	if err := a.m.Connect(ctx, body.Device, body.Baud); err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.stateView())
}

func (a *api) postDisconnect(w http.ResponseWriter, _ *http.Request) {
	a.m.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) postCommand(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Line string `json:"line"`
	}
	if !a.readJSON(w, req, &body) {
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), 30*time.Second)
	defer cancel()
	if err := a.m.SendCommand(ctx, strings.TrimSpace(body.Line)); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) postRun(w http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return
	}

	parts := strings.Split(string(data), "\n")
	lines := parts[:0]
	for _, str := range parts {
		str = strings.TrimSpace(str)
		if str == "" {
			continue
		}
		lines = append(lines, str)
	}

	job, err := a.m.Run(lines)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, viewOf(job.Progress()))
}

func (a *api) withJob(w http.ResponseWriter, fn func(*machine.Job) error) {
	job := a.m.Job()
	if job == nil {
		http.Error(w, "no active job", http.StatusNotFound)
		return
	}
	if err := fn(job); err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, viewOf(job.Progress()))
}

func (a *api) postJobPause(w http.ResponseWriter, _ *http.Request) {
	a.withJob(w, (*machine.Job).Pause)
}

func (a *api) postJobResume(w http.ResponseWriter, _ *http.Request) {
	a.withJob(w, (*machine.Job).Resume)
}

func (a *api) postJobStop(w http.ResponseWriter, _ *http.Request) {
	a.withJob(w, (*machine.Job).Stop)
}

func (a *api) postJog(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Axis string  `json:"axis"`
		Dir  int     `json:"dir"`
		Mode string  `json:"mode"`
		Feed float64 `json:"feed"`
		Step float64 `json:"step"`
	}
	if !a.readJSON(w, req, &body) {
		return
	}
	if len(body.Axis) != 1 {
		http.Error(w, "axis must be one of X, Y, Z, A", http.StatusBadRequest)
		return
	}
	jr := machine.JogRequest{
		Axis: strings.ToUpper(body.Axis)[0],
		Dir:  body.Dir,
		Feed: body.Feed,
		Step: body.Step,
	}
	if body.Mode == "continuous" {
		jr.Mode = machine.JogContinuous
	}
	if jr.Feed == 0 {
		jr.Feed = a.cfg.Session.JogFeed
	}
	if jr.Step == 0 {
		jr.Step = a.cfg.Session.JogStep
	}

	if err := a.m.Jog(jr); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) postJogCancel(w http.ResponseWriter, _ *http.Request) {
	if err := a.m.JogCancel(); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) postStop(w http.ResponseWriter, _ *http.Request) {
	if err := a.m.RequestStop(); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) postDecision(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if !a.readJSON(w, req, &body) {
		return
	}

	a.mx.Lock()
	d := a.pending
	a.pending = nil
	a.mx.Unlock()
	if d == nil {
		http.Error(w, "no pending decision", http.StatusNotFound)
		return
	}

	var err error
	switch body.Action {
	case "continue":
		err = d.Continue()
	case "stop":
		err = d.Stop()
	default:
		http.Error(w, "action must be continue or stop", http.StatusBadRequest)
		return
	}
	if err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) postProbeWait(w http.ResponseWriter, req *http.Request) {
	var body struct {
		TimeoutMS int `json:"timeoutMs"`
	}
	if !a.readJSON(w, req, &body) {
		return
	}
	timeout := 30 * time.Second
	if body.TimeoutMS > 0 {
		timeout = time.Duration(body.TimeoutMS) * time.Millisecond
	}

	contact, err := a.m.WaitProbe(time.Now(), timeout)
	if err != nil {
		if errors.Is(err, grbl.ErrProbeTimeout) {
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		a.fail(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, contact)
}

// pumpStates is the single consumer of the machine's state stream. It
// fans each snapshot out to SSE subscribers and websocket clients.
func (a *api) pumpStates() {
	for range a.m.States() {
		data, err := json.Marshal(a.stateView())
		if err != nil {
			a.log.Errorw("marshal state", "error", err)
			continue
		}
		a.sse.SendMessage("/events/state", sse.SimpleMessage(string(data)))
		a.broadcast(data)
	}
}

func (a *api) pumpConnStates() {
	for cs := range a.m.ConnStates() {
		data, _ := json.Marshal(map[string]string{"conn": cs.String()})
		a.sse.SendMessage("/events/conn", sse.SimpleMessage(string(data)))
		a.broadcast(data)
	}
}

func (a *api) pumpDecisions() {
	for d := range a.m.Decisions() {
		a.mx.Lock()
		a.pending = d
		a.mx.Unlock()
		data, _ := json.Marshal(map[string]string{"decision": d.Reason})
		a.sse.SendMessage("/events/decision", sse.SimpleMessage(string(data)))
		a.broadcast(data)
	}
}
