package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"regexp"
	"strconv"

	"github.com/idevmgr/idevd-go/core"
	"github.com/idevmgr/idevd-go/memorywriter"

	"github.com/gorilla/mux"
	"github.com/nfnt/resize"
)

// This package serves the actual device API. The session and device
// logic lives in core; here we only convert request data in and format
// replies out.

type api struct {
	core    *core.Core
	version string
	logger  *memorywriter.MemoryWriter
}

func ServeAPI(r *mux.Router, c *core.Core, v string, l *memorywriter.MemoryWriter) error {
	api := &api{
		core:    c,
		version: v,
		logger:  l,
	}
	r.HandleFunc("/", api.Info)
	r.HandleFunc("/configure", api.Info)
	r.HandleFunc("/listen", api.Listen)
	r.HandleFunc("/enumerate", api.Enumerate)
	r.HandleFunc("/acquire/{udid}", api.Acquire)
	r.HandleFunc("/acquire/{udid}/{session}", api.Acquire)
	r.HandleFunc("/release/{session}", api.Release)
	r.HandleFunc("/info/{session}", api.DeviceInfo)
	r.HandleFunc("/apps/{session}", api.ListApps)
	r.HandleFunc("/apps/{session}/install", api.InstallApp)
	r.HandleFunc("/apps/{session}/uninstall/{bundleid}", api.UninstallApp)
	r.HandleFunc("/files/{session}/list", api.ListFiles)
	r.HandleFunc("/files/{session}/read", api.ReadFile)
	r.HandleFunc("/files/{session}/write", api.WriteFile)
	r.HandleFunc("/backup/{session}", api.Backup)
	r.HandleFunc("/restore/{session}", api.Restore)
	r.HandleFunc("/screenshot/{session}", api.Screenshot)
	r.HandleFunc("/reboot/{session}", api.Reboot)
	r.HandleFunc("/shutdown/{session}", api.Shutdown)
	r.Use(CORS(corsValidator()))
	return nil
}

func (a *api) Info(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("api - version " + a.version)

	type info struct {
		Version string `json:"version"`
	}
	err := json.NewEncoder(w).Encode(info{
		Version: a.version,
	})
	a.checkJSONError(w, err)
}

func (a *api) Listen(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("api - listen starting")
	var entries []core.EnumerateEntry

	err := json.NewDecoder(r.Body).Decode(&entries)
	defer func() {
		if errClose := r.Body.Close(); errClose != nil {
			// just log
			a.logger.Log("api - error on request close: " + errClose.Error())
		}
	}()

	if err != nil {
		a.respondError(w, err)
		return
	}

	res, err := a.core.Listen(r.Context(), entries)
	if err != nil {
		a.respondError(w, err)
		return
	}

	err = json.NewEncoder(w).Encode(res)
	a.checkJSONError(w, err)
}

func (a *api) Enumerate(w http.ResponseWriter, r *http.Request) {
	e, err := a.core.Enumerate()
	if err != nil {
		a.respondError(w, err)
		return
	}
	err = json.NewEncoder(w).Encode(e)
	a.checkJSONError(w, err)
}

func (a *api) Acquire(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	udid := vars["udid"]
	prev := vars["session"]
	if prev == "null" {
		prev = ""
	}
	res, err := a.core.Acquire(udid, prev)
	if err != nil {
		a.respondError(w, err)
		return
	}

	type result struct {
		Session string `json:"session"`
	}
	err = json.NewEncoder(w).Encode(result{
		Session: res,
	})
	a.checkJSONError(w, err)
}

func (a *api) Release(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	session := vars["session"]

	err := a.core.Release(session)
	if err != nil {
		a.respondError(w, err)
		return
	}

	err = json.NewEncoder(w).Encode(vars)
	a.checkJSONError(w, err)
}

func (a *api) DeviceInfo(w http.ResponseWriter, r *http.Request) {
	info, err := a.core.Info(r.Context(), mux.Vars(r)["session"])
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.checkJSONError(w, json.NewEncoder(w).Encode(info))
}

func (a *api) ListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := a.core.ListApps(r.Context(), mux.Vars(r)["session"])
	if err != nil {
		a.respondError(w, err)
		return
	}
	if apps == nil {
		apps = []core.AppRecord{}
	}
	a.checkJSONError(w, json.NewEncoder(w).Encode(apps))
}

type pathRequest struct {
	Path string `json:"path"`
}

func (a *api) decodePath(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, err)
		return "", false
	}
	return req.Path, true
}

func (a *api) InstallApp(w http.ResponseWriter, r *http.Request) {
	path, ok := a.decodePath(w, r)
	if !ok {
		return
	}
	err := a.core.InstallApp(r.Context(), mux.Vars(r)["session"], path)
	a.respondResult(w, err)
}

func (a *api) UninstallApp(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := a.core.UninstallApp(r.Context(), vars["session"], vars["bundleid"])
	a.respondResult(w, err)
}

func (a *api) ListFiles(w http.ResponseWriter, r *http.Request) {
	path, ok := a.decodePath(w, r)
	if !ok {
		return
	}
	files, err := a.core.ListFiles(r.Context(), mux.Vars(r)["session"], path)
	if err != nil {
		a.respondError(w, err)
		return
	}
	if files == nil {
		files = []core.FileEntry{}
	}
	a.checkJSONError(w, json.NewEncoder(w).Encode(files))
}

func (a *api) ReadFile(w http.ResponseWriter, r *http.Request) {
	path, ok := a.decodePath(w, r)
	if !ok {
		return
	}
	data, err := a.core.ReadFile(r.Context(), mux.Vars(r)["session"], path)
	if err != nil {
		a.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(data); err != nil {
		a.logger.Log("api - error writing file body: " + err.Error())
	}
}

func (a *api) WriteFile(w http.ResponseWriter, r *http.Request) {
	type writeRequest struct {
		Path string `json:"path"`
		Data []byte `json:"data"` // base64 in JSON
	}
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, err)
		return
	}
	err := a.core.WriteFile(r.Context(), mux.Vars(r)["session"], req.Path, req.Data)
	a.respondResult(w, err)
}

func (a *api) Backup(w http.ResponseWriter, r *http.Request) {
	path, ok := a.decodePath(w, r)
	if !ok {
		return
	}
	err := a.core.Backup(r.Context(), mux.Vars(r)["session"], path)
	a.respondResult(w, err)
}

func (a *api) Restore(w http.ResponseWriter, r *http.Request) {
	path, ok := a.decodePath(w, r)
	if !ok {
		return
	}
	err := a.core.Restore(r.Context(), mux.Vars(r)["session"], path)
	a.respondResult(w, err)
}

// Screenshot replies with the raw PNG. An optional width query parameter
// downscales the image before it goes out.
func (a *api) Screenshot(w http.ResponseWriter, r *http.Request) {
	data, err := a.core.Screenshot(r.Context(), mux.Vars(r)["session"])
	if err != nil {
		a.respondError(w, err)
		return
	}

	if widthStr := r.URL.Query().Get("width"); widthStr != "" {
		width, err := strconv.Atoi(widthStr)
		if err != nil || width < 1 {
			a.respondError(w, errors.New("invalid width"))
			return
		}
		data, err = scalePNG(data, uint(width))
		if err != nil {
			a.respondError(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "image/png")
	if _, err := w.Write(data); err != nil {
		a.logger.Log("api - error writing screenshot: " + err.Error())
	}
}

func scalePNG(data []byte, width uint) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	scaled := resize.Resize(width, 0, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *api) Reboot(w http.ResponseWriter, r *http.Request) {
	err := a.core.Reboot(r.Context(), mux.Vars(r)["session"])
	a.respondResult(w, err)
}

func (a *api) Shutdown(w http.ResponseWriter, r *http.Request) {
	err := a.core.Shutdown(r.Context(), mux.Vars(r)["session"])
	a.respondResult(w, err)
}

// localhost only; the daemon serves local GUIs, not the open web
func corsValidator() OriginValidator {
	lregex := regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1)(:[[:digit:]]{1,5})?$`)
	return func(origin string) bool {
		// empty origin means a non-browser caller (curl, native GUI)
		if origin == "" {
			return true
		}
		return lregex.MatchString(origin)
	}
}

type operationResult struct {
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

func (a *api) respondResult(w http.ResponseWriter, err error) {
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.checkJSONError(w, json.NewEncoder(w).Encode(operationResult{Outcome: "ok"}))
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, core.ErrConnection):
		return "connection"
	case errors.Is(err, core.ErrDeviceBusy):
		return "busy"
	case errors.Is(err, core.ErrInvalidPackage):
		return "invalid-package"
	case errors.Is(err, core.ErrNotFound):
		return "not-found"
	case errors.Is(err, core.ErrPathNotFound):
		return "path-not-found"
	case errors.Is(err, core.ErrSessionNotFound):
		return "session-not-found"
	case errors.Is(err, core.ErrWrongPrevSession):
		return "wrong-previous-session"
	case errors.Is(err, core.ErrNotSupported):
		return "not-supported"
	default:
		return "provider"
	}
}

func (a *api) checkJSONError(w http.ResponseWriter, err error) {
	if err != nil {
		a.respondError(w, err)
	}
}

func (a *api) respondError(w http.ResponseWriter, err error) {
	a.logger.Log("api - returning error: " + err.Error())
	w.WriteHeader(http.StatusBadRequest)

	// if even the encoder of the error errors, just log the error
	encErr := json.NewEncoder(w).Encode(operationResult{
		Outcome: "failed",
		Error:   err.Error(),
		Kind:    errorKind(err),
	})
	if encErr != nil {
		a.logger.Log("api - error while writing error: " + encErr.Error())
	}
}
