package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"firestige.xyz/ferry/internal/adb"
	"firestige.xyz/ferry/internal/store"
	"firestige.xyz/ferry/internal/task"
)

// createTaskRequest is the POST /task/create body.
type createTaskRequest struct {
	Cmd          task.Cmd    `json:"cmd"`
	Output       task.Output `json:"output"`
	HintDeviceID string      `json:"hint_device_id"`
	CreateUser   string      `json:"create_user"`
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	snap, err := s.devices.Snapshot(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if snap.DeviceInfos == nil {
		snap.DeviceInfos = []adb.Info{}
	}
	writeJSON(w, snap)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if len(req.Cmd.Shell) == 0 {
		httpError(w, http.StatusBadRequest, errors.New("cmd.shell must not be empty"))
		return
	}
	if req.HintDeviceID == "" {
		httpError(w, http.StatusBadRequest, errors.New("hint_device_id is required"))
		return
	}
	if req.Output.Files == nil {
		req.Output.Files = []string{}
	}

	now := task.Now()
	t := &task.Task{
		Status:       task.StatusQueueing,
		Cmd:          req.Cmd,
		Output:       req.Output,
		HintDeviceID: req.HintDeviceID,
		CreateUser:   req.CreateUser,
		CreateTime:   now,
		ActiveTime:   now,
	}
	id, err := s.tasks.Insert(r.Context(), t)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	slog.Info("task created", "task_id", id.Hex(), "user", req.CreateUser, "hint_device_id", req.HintDeviceID)
	writeJSON(w, map[string]string{"_id": id.Hex()})
}

func (s *Server) handleTaskUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("missing file field: %w", err))
		return
	}
	defer file.Close()

	dst := filepath.Join(s.cfg.InputArchiveDir(), id.Hex()+".tar")
	out, err := os.Create(dst)
	if err != nil {
		httpError(w, http.StatusInternalServerError, fmt.Errorf("create archive: %w", err))
		return
	}
	defer out.Close()

	if _, err := io.Copy(out, file); err != nil {
		httpError(w, http.StatusInternalServerError, fmt.Errorf("write archive: %w", err))
		return
	}

	if err := s.tasks.SetArchiveReady(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, err)
			return
		}
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	slog.Info("input archive uploaded", "task_id", id.Hex(), "path", dst)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleTaskDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	path := filepath.Join(s.cfg.OutputArchiveDir(), id.Hex()+".tar")
	if _, err := os.Stat(path); err != nil {
		httpError(w, http.StatusNotFound, fmt.Errorf("output archive not found for task %s", id.Hex()))
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id.Hex()+".tar"))
	w.Header().Set("Content-Type", "application/x-tar")
	http.ServeFile(w, r, path)
}

func (s *Server) handleTaskQuery(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	// The query doubles as the keep-alive beacon: reading a task refreshes
	// its active_time.
	t, err := s.tasks.Touch(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, err)
			return
		}
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, t)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.FindByStatus(r.Context(), task.NonTerminalStatuses...)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskKill(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	_, err := s.tasks.Transition(r.Context(), id, task.ActiveStatuses, task.Update{Status: task.StatusKilling})
	if errors.Is(err, store.ErrConflict) {
		// Already terminal, already KILLING, or unknown id.
		w.WriteHeader(http.StatusConflict)
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	slog.Warn("kill requested", "task_id", id.Hex())
	w.WriteHeader(http.StatusNoContent)
}

// pathID parses the {id} path segment; on failure it writes a 400 and
// reports !ok.
func pathID(w http.ResponseWriter, r *http.Request) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(r.PathValue("id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("invalid task id %q", r.PathValue("id")))
		return primitive.NilObjectID, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", "code", code, "error", err)
	}
	http.Error(w, err.Error(), code)
}
