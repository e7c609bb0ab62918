package status

import (
	"net/http"

	"github.com/idevmgr/idevd-go/core"
	"github.com/idevmgr/idevd-go/memorywriter"

	"github.com/gorilla/csrf"
	"github.com/gorilla/mux"
)

// This package serves the status page on /status/ and the detailed log
// at /status/log.gz

type status struct {
	core              *core.Core
	version           string
	shortMemoryWriter *memorywriter.MemoryWriter
	longMemoryWriter  *memorywriter.MemoryWriter
}

const csrfkey = "x71kqpd03h5tw2qiw4fhrfyd84f59j8n"

func ServeStatus(r *mux.Router, c *core.Core, v string, mw, dmw *memorywriter.MemoryWriter) {
	status := &status{
		core:              c,
		version:           v,
		shortMemoryWriter: mw,
		longMemoryWriter:  dmw,
	}
	r.Methods("GET").Path("/").HandlerFunc(status.statusPage)
	r.Methods("POST").Path("/log.gz").HandlerFunc(status.statusGzip)

	r.Use(csrf.Protect([]byte(csrfkey), csrf.Secure(false)))
}

func (s *status) statusGzip(w http.ResponseWriter, r *http.Request) {
	s.longMemoryWriter.Log("status - building gzip")

	start := "idevd version " + s.version + "\n\nDetailed log:\n"
	gz, err := s.longMemoryWriter.Gzip(start)
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	if _, err := w.Write(gz); err != nil {
		respondError(w, err)
	}
}

func (s *status) statusPage(w http.ResponseWriter, r *http.Request) {
	s.longMemoryWriter.Log("status - building status page")

	var templateErr error
	tdevs, err := s.statusEnumerate()
	if err != nil {
		templateErr = err
	}

	log, err := s.shortMemoryWriter.String("idevd version " + s.version + "\n")
	if err != nil {
		respondError(w, err)
		return
	}

	isErr := templateErr != nil
	strErr := ""
	if templateErr != nil {
		strErr = templateErr.Error()
	}

	data := &statusTemplateData{
		Version:     s.version,
		Devices:     tdevs,
		DeviceCount: len(tdevs),
		Log:         log,
		IsError:     isErr,
		Error:       strErr,
		CSRFField:   csrf.TemplateField(r),
	}

	if err := statusTemplate.Execute(w, data); err != nil {
		respondError(w, err)
	}
}

func respondError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *status) statusEnumerate() ([]statusTemplateDevice, error) {
	e, err := s.core.Enumerate()
	if err != nil {
		s.longMemoryWriter.Log("status - enumerate err " + err.Error())
		return nil, err
	}

	tdevs := make([]statusTemplateDevice, 0)
	for _, dev := range e {
		var session string
		if dev.Session != nil {
			session = *dev.Session
		}
		tdevs = append(tdevs, statusTemplateDevice{
			UDID:    dev.UDID,
			Name:    dev.Name,
			Kind:    dev.Kind,
			OS:      dev.OSVersion,
			Used:    dev.Session != nil,
			Session: session,
		})
	}
	return tdevs, nil
}
