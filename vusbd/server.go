package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/mux"
	"golang.org/x/sys/unix"

	"github.com/canonical/vusbd/shared/logger"
	"github.com/canonical/vusbd/vusbd/response"
)

// startServer brings the REST API up on the daemon's unix socket.
func startServer(d *Daemon) error {
	err := os.MkdirAll(filepath.Dir(d.config.Socket), 0755)
	if err != nil {
		return err
	}

	// A previous unclean shutdown may have left the socket behind.
	err = os.Remove(d.config.Socket)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	listener, err := net.Listen("unix", d.config.Socket)
	if err != nil {
		return fmt.Errorf("Failed to listen on %q: %w", d.config.Socket, err)
	}

	err = os.Chmod(d.config.Socket, 0600)
	if err != nil {
		_ = listener.Close()
		return err
	}

	d.server = restServer(d)

	go func() {
		err := d.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server failed", logger.Ctx{"err": err})
			d.Kill()
		}
	}()

	logger.Info("Started API listener", logger.Ctx{"socket": d.config.Socket})

	return nil
}

// restServer builds the API router.
func restServer(d *Daemon) *http.Server {
	router := mux.NewRouter()
	router.StrictSlash(false)
	router.SkipClean(true)
	router.UseEncodedPath()

	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = response.SyncResponse(true, []string{"/1.0"}).Render(w, r)
	})

	for _, c := range api10 {
		createCmd(router, "1.0", c, d)
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("Sending top level 404", logger.Ctx{"url": r.URL})
		w.Header().Set("Content-Type", "application/json")
		_ = response.NotFound(nil).Render(w, r)
	})

	return &http.Server{
		Handler: router,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, connContextKey, c)
		},
	}
}

type contextKey string

// connContextKey carries the raw connection, for peer credential checks.
const connContextKey = contextKey("conn")

func createCmd(restAPI *mux.Router, version string, c APIEndpoint, d *Daemon) {
	var uri string
	if c.Path == "" {
		uri = "/" + version
	} else {
		uri = "/" + version + "/" + c.Path
	}

	route := restAPI.HandleFunc(uri, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !authenticate(r) {
			logger.Error("Rejecting unauthorized API request", logger.Ctx{"method": r.Method, "url": r.URL})
			_ = response.Unauthorized(nil).Render(w, r)
			return
		}

		var resp response.Response

		handleRequest := func(action APIEndpointAction) response.Response {
			if action.Handler == nil {
				return response.NotImplemented(nil)
			}

			return action.Handler(d, r)
		}

		switch r.Method {
		case "GET":
			resp = handleRequest(c.Get)
		case "PUT":
			resp = handleRequest(c.Put)
		case "POST":
			resp = handleRequest(c.Post)
		case "DELETE":
			resp = handleRequest(c.Delete)
		case "PATCH":
			resp = handleRequest(c.Patch)
		default:
			resp = response.NotFound(fmt.Errorf("Method %q not found", r.Method))
		}

		err := resp.Render(w, r)
		if err != nil {
			writeErr := response.InternalError(err).Render(w, r)
			if writeErr != nil {
				logger.Error("Failed writing error for HTTP response", logger.Ctx{"url": uri, "err": err, "writeErr": writeErr})
			}
		}
	})

	if c.Name != "" {
		route.Name(c.Name)
	}
}

// authenticate checks the calling process' credentials on the unix socket:
// only root in the control domain talks to the daemon.
func authenticate(r *http.Request) bool {
	cred, err := peerCredentials(r)
	if err != nil {
		logger.Debug("Failed to read peer credentials", logger.Ctx{"err": err})
		return false
	}

	return cred.Uid == 0
}

// peerCredentials extracts SO_PEERCRED from the request's unix socket.
func peerCredentials(r *http.Request) (*unix.Ucred, error) {
	conn, ok := r.Context().Value(connContextKey).(net.Conn)
	if !ok || conn == nil {
		return nil, fmt.Errorf("No connection in request context")
	}

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("API connection isn't a unix socket")
	}

	raw, err := unixConn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var cred *unix.Ucred
	var credErr error

	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, err
	}

	return cred, credErr
}
