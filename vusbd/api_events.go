package main

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/canonical/vusbd/vusbd/response"
)

var eventsCmd = APIEndpoint{
	Path: "events",

	Get: APIEndpointAction{Handler: eventsGet},
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type eventsServe struct {
	d *Daemon
	r *http.Request
}

// Render upgrades the connection and streams events until the client leaves.
func (s *eventsServe) Render(w http.ResponseWriter, r *http.Request) error {
	var types []string

	typeStr := s.r.FormValue("type")
	if typeStr != "" {
		types = strings.Split(typeStr, ",")
	}

	conn, err := upgrader.Upgrade(w, s.r, nil)
	if err != nil {
		return err
	}

	defer func() { _ = conn.Close() }()

	listener, err := s.d.events.AddListener(conn, types)
	if err != nil {
		return err
	}

	listener.Wait(s.r.Context())

	return nil
}

func (s *eventsServe) String() string {
	return "event handler"
}

func eventsGet(d *Daemon, r *http.Request) response.Response {
	return &eventsServe{d: d, r: r}
}
