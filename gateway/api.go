package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/guseggert/hostgateway/gateway/command"
	"github.com/guseggert/hostgateway/gateway/host"
	"github.com/guseggert/hostgateway/internal/audit"
	"github.com/julienschmidt/httprouter"
)

// maxBodyBytes bounds request bodies, which only ever carry a command line.
const maxBodyBytes = 1 << 20

type StatusResponse struct {
	Status string `json:"status"`
}

type DirectoryResponse struct {
	Directory string `json:"directory"`
}

type HealthResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	host.Platform
}

type HistoryResponse struct {
	Success bool          `json:"success"`
	Entries []audit.Entry `json:"entries"`
}

type ExecuteRequest struct {
	Command         string   `json:"command"`
	AllowedCommands []string `json:"allowedCommands,omitempty"`
}

// badRequest is returned by operations to reject a request before running anything.
type badRequest string

func (b badRequest) Error() string { return string(b) }

type operation func(r *http.Request, params httprouter.Params) (command.Result, error)

// result adapts an operation to a route. Results are always 200 except those refused for an invalid argument.
func (g *Gateway) result(op operation) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		res, err := op(r, params)
		if err != nil {
			g.logger.Debugw("bad request", "Path", r.URL.Path, "Error", err)
			g.writeJSON(w, http.StatusBadRequest, command.Failure("", err.Error(), "bad request"))
			return
		}
		status := http.StatusOK
		if res.Error == host.ReasonInvalidArgument {
			status = http.StatusBadRequest
		}
		g.writeJSON(w, status, res)
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		g.logger.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		g.logger.Debugf("error writing response: %s", err)
	}
}

func (g *Gateway) panicHandler(w http.ResponseWriter, r *http.Request, v any) {
	g.logger.Errorw("panic serving request", "Path", r.URL.Path, "Panic", v)
	g.writeJSON(w, http.StatusInternalServerError, command.Failure("", fmt.Sprint(v), "internal error"))
}

func (g *Gateway) notFound(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusNotFound, command.Failure("", fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path), "not found"))
}

func intQuery(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest(fmt.Sprintf("%s must be a non-negative number", name))
	}
	return n, nil
}

func (g *Gateway) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	g.writeJSON(w, http.StatusOK, StatusResponse{Status: "Host gateway is running"})
}

func (g *Gateway) currentDirectory(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	dir, err := os.Getwd()
	if err != nil {
		g.writeJSON(w, http.StatusInternalServerError, command.Failure("", err.Error(), "internal error"))
		return
	}
	g.writeJSON(w, http.StatusOK, DirectoryResponse{Directory: dir})
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	g.writeJSON(w, http.StatusOK, HealthResponse{
		Success:  true,
		Message:  "Host services are running",
		Platform: g.services.Platform(),
	})
}

func (g *Gateway) executionHistory(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if g.history == nil {
		g.writeJSON(w, http.StatusNotFound, command.Failure("", "Execution history is disabled", "not found"))
		return
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		g.writeJSON(w, http.StatusBadRequest, command.Failure("", err.Error(), "bad request"))
		return
	}
	entries, err := g.history.Recent(r.Context(), limit)
	if err != nil {
		g.logger.Debugf("error reading history: %s", err)
		g.writeJSON(w, http.StatusInternalServerError, command.Failure("", err.Error(), "internal error"))
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	g.writeJSON(w, http.StatusOK, HistoryResponse{Success: true, Entries: entries})
}

// System

func (g *Gateway) systemInfo(r *http.Request, _ httprouter.Params) (command.Result, error) {
	return g.services.SystemInfo(r.Context()), nil
}

func (g *Gateway) processes(r *http.Request, _ httprouter.Params) (command.Result, error) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		return command.Result{}, err
	}
	return g.services.TopProcesses(r.Context(), limit), nil
}

func (g *Gateway) systemLoad(r *http.Request, _ httprouter.Params) (command.Result, error) {
	return g.services.SystemLoad(r.Context()), nil
}

func (g *Gateway) memoryUsage(r *http.Request, _ httprouter.Params) (command.Result, error) {
	return g.services.MemoryUsage(r.Context()), nil
}

func (g *Gateway) cpuUsage(r *http.Request, _ httprouter.Params) (command.Result, error) {
	return g.services.CPUUsage(r.Context()), nil
}

func (g *Gateway) temperature(r *http.Request, _ httprouter.Params) (command.Result, error) {
	return g.services.Temperature(r.Context()), nil
}

// Network

func (g *Gateway) networkInfo(r *http.Request, _ httprouter.Params) (command.Result, error) {
	return g.services.NetworkInfo(r.Context()), nil
}

func (g *Gateway) ping(r *http.Request, params httprouter.Params) (command.Result, error) {
	count, err := intQuery(r, "count")
	if err != nil {
		return command.Result{}, err
	}
	return g.services.Ping(r.Context(), params.ByName("host"), count), nil
}

func (g *Gateway) traceroute(r *http.Request, params httprouter.Params) (command.Result, error) {
	return g.services.Traceroute(r.Context(), params.ByName("host")), nil
}

func (g *Gateway) openPorts(r *http.Request, _ httprouter.Params) (command.Result, error) {
	return g.services.OpenPorts(r.Context()), nil
}

// Filesystem

func (g *Gateway) diskUsage(r *http.Request, _ httprouter.Params) (command.Result, error) {
	return g.services.DiskUsage(r.Context(), r.URL.Query().Get("path")), nil
}

func (g *Gateway) directoryContents(r *http.Request, _ httprouter.Params) (command.Result, error) {
	return g.services.DirectoryContents(r.Context(), r.URL.Query().Get("path")), nil
}

func (g *Gateway) findFiles(r *http.Request, _ httprouter.Params) (command.Result, error) {
	q := r.URL.Query()
	pattern := q.Get("pattern")
	if pattern == "" {
		return command.Result{}, badRequest("Pattern parameter is required")
	}
	return g.services.FindFiles(r.Context(), pattern, q.Get("directory")), nil
}

func (g *Gateway) fileInfo(r *http.Request, _ httprouter.Params) (command.Result, error) {
	path := r.URL.Query().Get("filepath")
	if path == "" {
		return command.Result{}, badRequest("Filepath parameter is required")
	}
	return g.services.FileInfo(r.Context(), path), nil
}

// Packages and services

func (g *Gateway) packageCount(r *http.Request, _ httprouter.Params) (command.Result, error) {
	return g.services.PackageCount(r.Context()), nil
}

func (g *Gateway) packageUpdate(r *http.Request, _ httprouter.Params) (command.Result, error) {
	return g.services.PackageUpdate(r.Context()), nil
}

func (g *Gateway) serviceStatus(r *http.Request, params httprouter.Params) (command.Result, error) {
	return g.services.ServiceStatus(r.Context(), params.ByName("name")), nil
}

func (g *Gateway) controlService(action host.ServiceAction) operation {
	return func(r *http.Request, params httprouter.Params) (command.Result, error) {
		return g.services.ControlService(r.Context(), params.ByName("name"), action), nil
	}
}

// Logs

func (g *Gateway) systemLogs(r *http.Request, _ httprouter.Params) (command.Result, error) {
	lines, err := intQuery(r, "lines")
	if err != nil {
		return command.Result{}, err
	}
	return g.services.SystemLogs(r.Context(), lines), nil
}

func (g *Gateway) serviceLogs(r *http.Request, params httprouter.Params) (command.Result, error) {
	lines, err := intQuery(r, "lines")
	if err != nil {
		return command.Result{}, err
	}
	return g.services.ServiceLogs(r.Context(), params.ByName("name"), lines), nil
}

// Security, hardware and users

func (g *Gateway) firewallStatus(r *http.Request, _ httprouter.Params) (command.Result, error) {
	return g.services.FirewallStatus(r.Context()), nil
}

func (g *Gateway) hardwareInfo(r *http.Request, _ httprouter.Params) (command.Result, error) {
	return g.services.HardwareInfo(r.Context()), nil
}

func (g *Gateway) users(r *http.Request, _ httprouter.Params) (command.Result, error) {
	return g.services.Users(r.Context()), nil
}

func (g *Gateway) loggedInUsers(r *http.Request, _ httprouter.Params) (command.Result, error) {
	return g.services.LoggedInUsers(r.Context()), nil
}

func (g *Gateway) execute(r *http.Request, _ httprouter.Params) (command.Result, error) {
	var req ExecuteRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil && err != io.EOF {
		return command.Result{}, badRequest(fmt.Sprintf("malformed request body: %s", err))
	}
	if strings.TrimSpace(req.Command) == "" {
		return command.Result{}, badRequest("Command is required")
	}
	return g.services.Execute(r.Context(), req.Command, req.AllowedCommands), nil
}
