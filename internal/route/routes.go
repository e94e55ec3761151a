package route

import (
	"net/http"
	"os"
	"path/filepath"

	"ppegate/internal/config"
	"ppegate/internal/handler"
	"ppegate/internal/logger"
	"ppegate/internal/middleware"
	"ppegate/internal/service"
	hub "ppegate/internal/service/websocket"
)

// dynamicHTMLHandler serves /path as /static/path.html if the file exists; otherwise 404.
func dynamicHTMLHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if path == "/" {
		path = "/index"
	}

	filePath := filepath.Join("static", filepath.Clean("/"+path)+".html")

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, filePath)
}

// SetupRoutes registers the control API, the event socket and static dashboard files,
// and wraps the mux with the operator middleware.
func SetupRoutes(manager *service.Manager, events *hub.HubService, cfg *config.Config, logger *logger.Logger) http.Handler {
	mux := http.NewServeMux()

	// Static files
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir("static"))))

	// Status and live image
	mux.HandleFunc("GET /api/status", handler.StatusHandler(manager, logger))
	mux.HandleFunc("GET /api/status/all", handler.AllStatusHandler(manager, logger))
	mux.HandleFunc("GET /api/frame", handler.FrameHandler(manager, logger))
	mux.HandleFunc("GET /api/stream", handler.StreamHandler(manager, logger))
	mux.HandleFunc("GET /api/view", handler.ViewWebsocketHandler(events, logger))

	// Gate control
	mux.HandleFunc("GET /api/gate", handler.GateStateHandler(manager, logger))
	mux.HandleFunc("POST /api/gate/override", handler.SetOverrideHandler(manager, logger))
	mux.HandleFunc("DELETE /api/gate/override", handler.ClearOverrideHandler(manager, logger))
	mux.HandleFunc("POST /api/gate/toggle", handler.ToggleGateHandler(manager, logger))

	// Cameras
	mux.HandleFunc("GET /api/cameras", handler.ListCamerasHandler(manager, logger))
	mux.HandleFunc("POST /api/cameras", handler.AddCameraHandler(manager, logger))
	mux.HandleFunc("DELETE /api/cameras", handler.RemoveCameraHandler(manager, logger))
	mux.HandleFunc("POST /api/cameras/enable", handler.EnableCameraHandler(manager, logger))
	mux.HandleFunc("POST /api/cameras/disable", handler.DisableCameraHandler(manager, logger))

	// Evidence
	mux.HandleFunc("POST /api/capture", handler.CaptureHandler(manager, logger))
	mux.HandleFunc("GET /api/violations", handler.ViolationsHandler(manager, logger))
	mux.HandleFunc("POST /api/violations/note", handler.SupervisorNoteHandler(manager, logger))
	mux.HandleFunc("GET /api/violations/image", handler.ViewSnapshotHandler(cfg))

	// Log endpoints
	mux.HandleFunc("GET /logs/{level}", handler.ShowLogsHandler(cfg))

	// Automatic HTML handler mapping for example: /settings -> /static/settings.html
	mux.HandleFunc("/", dynamicHTMLHandler)

	return middleware.OperatorMiddleware(cfg.APIToken, logger)(mux)
}
