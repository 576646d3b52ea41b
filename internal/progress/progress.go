// Package progress provides an optional, advisory-only SSE progress
// feed for long-running apply/test runs (SPEC_FULL.md domain stack:
// "behind --progress-url"). Its absence or failure never affects the
// outcome of an apply; it exists purely so an external dashboard can
// watch a run live.
//
// Grounded on gokrazy/tools' use of github.com/donovanhide/eventsource
// as an SSE client in cmd/gok/cmd/logs.go and internal/gok/logs.go;
// here the roles are reversed and kdzflash plays the SSE server side,
// publishing to a single "progress" channel that a dashboard
// subscribes to over HTTP.
package progress

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/donovanhide/eventsource"
)

const channel = "progress"

// Event is one progress update: the slice currently being processed,
// the step within the pipeline, and a human-readable message.
type Event struct {
	Seq     int
	Stage   string
	Slice   string
	Message string
}

func (e Event) Id() string    { return strconv.Itoa(e.Seq) }
func (e Event) Event() string { return e.Stage }
func (e Event) Data() string {
	if e.Slice == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Slice, e.Message)
}

// nullRepository never replays past events; a dashboard that connects
// mid-run only sees events from that point forward.
type nullRepository struct{}

func (nullRepository) Replay(channel, id string) chan eventsource.Event {
	ch := make(chan eventsource.Event)
	close(ch)
	return ch
}

// Server runs a small embedded HTTP server exposing the "progress"
// SSE channel at "/events".
type Server struct {
	es   *eventsource.Server
	http *http.Server
	seq  int
}

// Start binds addr and begins serving SSE requests in the background.
// Callers that don't want progress reporting simply never call Start.
func Start(addr string) (*Server, error) {
	es := eventsource.NewServer()
	es.Register(channel, nullRepository{})

	mux := http.NewServeMux()
	mux.HandleFunc("/events", es.Handler(channel))

	httpSrv := &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("progress: listen %s: %w", addr, err)
	}
	go httpSrv.Serve(ln)

	return &Server{es: es, http: httpSrv}, nil
}

// Emit publishes one progress event to every connected subscriber.
// Never blocks on a slow or absent subscriber (spec: advisory only).
func (s *Server) Emit(stage, slice, message string) {
	if s == nil {
		return
	}
	s.seq++
	s.es.Publish([]string{channel}, Event{Seq: s.seq, Stage: stage, Slice: slice, Message: message})
}

// Close stops accepting new SSE connections and shuts down the
// embedded HTTP server.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	s.es.Close()
	return s.http.Shutdown(context.Background())
}
