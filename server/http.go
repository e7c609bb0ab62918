package server

import (
	"fmt"
	"io"
	"net/http"

	"github.com/idevmgr/idevd-go/core"
	"github.com/idevmgr/idevd-go/memorywriter"
	"github.com/idevmgr/idevd-go/server/api"
	"github.com/idevmgr/idevd-go/server/status"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

type Server struct {
	https *http.Server

	writer io.Writer
}

func New(
	c *core.Core,
	addr string,
	stderrWriter io.Writer,
	shortWriter *memorywriter.MemoryWriter,
	longWriter *memorywriter.MemoryWriter,
	version string,
) (*Server, error) {
	longWriter.Log("server - starting")

	https := &http.Server{
		Addr: addr,
	}

	allWriter := io.MultiWriter(stderrWriter, shortWriter, longWriter)
	s := &Server{
		https:  https,
		writer: allWriter,
	}

	r := mux.NewRouter()
	statusRouter := r.PathPrefix("/status").Subrouter()
	eventsRouter := r.Methods("GET").Subrouter()
	postRouter := r.Methods("POST").Subrouter()

	status.ServeStatus(statusRouter, c, version, shortWriter, longWriter)
	api.ServeEvents(eventsRouter, c, longWriter)
	if err := api.ServeAPI(postRouter, c, version, longWriter); err != nil {
		return nil, err
	}

	var h http.Handler = r
	// Log after the request is done, in the Apache format.
	h = handlers.LoggingHandler(allWriter, h)
	// Log when the request is received.
	h = s.logRequest(h)

	https.Handler = h

	longWriter.Log("server - created")
	return s, nil
}

func (s *Server) logRequest(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		text := fmt.Sprintf("%s %s\n", r.Method, r.URL)
		if _, err := s.writer.Write([]byte(text)); err != nil {
			// give up, just print on stdout
			fmt.Println(err)
		}
		handler.ServeHTTP(w, r)
	})
}

func (s *Server) Run() error {
	return s.https.ListenAndServe()
}

func (s *Server) Close() error {
	return s.https.Close()
}
