package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"firestige.xyz/ferry/internal/config"
	"firestige.xyz/ferry/internal/task"
)

func configFor(cacheDir string) config.ClientConfig {
	return config.ClientConfig{ServerURL: "http://127.0.0.1:1", CacheDir: cacheDir}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestCreateTask(t *testing.T) {
	var gotBody CreateTaskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/task/create", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"_id": "a1b2c3d4e5f6a1b2c3d4e5f6"})
	}))
	defer srv.Close()

	c := New(srv.URL, quietLogger())
	id, err := c.CreateTask(context.Background(), CreateTaskRequest{
		Cmd:          task.Cmd{Shell: []string{"ls"}},
		HintDeviceID: "d1",
		CreateUser:   "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4e5f6a1b2c3d4e5f6", id)
	assert.Equal(t, []string{"ls"}, gotBody.Cmd.Shell)
	assert.Equal(t, "d1", gotBody.HintDeviceID)
}

func TestQuery(t *testing.T) {
	oid := primitive.NewObjectID()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/task/query/"+oid.Hex(), r.URL.Path)
		json.NewEncoder(w).Encode(task.Task{ID: oid, Status: task.StatusRunning, DeviceID: "d1"})
	}))
	defer srv.Close()

	c := New(srv.URL, quietLogger())
	got, err := c.Query(context.Background(), oid.Hex())
	require.NoError(t, err)
	assert.Equal(t, oid, got.ID)
	assert.Equal(t, task.StatusRunning, got.Status)
}

func TestQueryServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "task not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, quietLogger())
	_, err := c.Query(context.Background(), "ffffffffffffffffffffffff")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "task not found")
}

func TestKill(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		wantErr bool
	}{
		{"accepted", http.StatusNoContent, false},
		{"already terminal", http.StatusConflict, false},
		{"server error", http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, http.MethodDelete, r.Method)
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			err := New(srv.URL, quietLogger()).Kill(context.Background(), "ffffffffffffffffffffffff")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUploadInputArchive(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "input.tar")
	require.NoError(t, os.WriteFile(archive, []byte("tar-payload"), 0o644))

	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		received, err = io.ReadAll(file)
		require.NoError(t, err)
	}))
	defer srv.Close()

	c := New(srv.URL, quietLogger())
	require.NoError(t, c.UploadInputArchive(context.Background(), "id1", archive))
	assert.Equal(t, []byte("tar-payload"), received)
}

func TestDownloadOutputArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("output-payload"))
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "output.tar")
	c := New(srv.URL, quietLogger())
	require.NoError(t, c.DownloadOutputArchive(context.Background(), "id1", dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("output-payload"), got)
}

func TestStreamLog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/task/log/id1/stdout", r.URL.Path)
		w.Write([]byte("line one\nline two\n"))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	c := New(srv.URL, quietLogger())
	require.NoError(t, c.StreamLog(context.Background(), "id1", "stdout", &buf))
	assert.Equal(t, "line one\nline two\n", buf.String())
}

func TestListTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"tasks": []task.Task{
			{Status: task.StatusQueueing},
			{Status: task.StatusRunning},
		}})
	}))
	defer srv.Close()

	got, err := New(srv.URL, quietLogger()).ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, task.StatusRunning, got[1].Status)
}

func TestReportOutcome(t *testing.T) {
	tests := []struct {
		name    string
		task    task.Task
		wantErr string
	}{
		{"completed", task.Task{Status: task.StatusCompleted}, ""},
		{"device unavailable", task.Task{Status: task.StatusFailed, FailReason: task.FailDeviceUnavailable, HintDeviceID: "d1"}, "unavailable"},
		{"push failed", task.Task{Status: task.StatusFailed, FailReason: task.FailPushData}, "pushing"},
		{"pull failed", task.Task{Status: task.StatusFailed, FailReason: task.FailPullData}, "pulling"},
		{"nonzero exit", task.Task{Status: task.StatusFailed, FailReason: task.FailNonzeroReturnCode}, "non-zero"},
		{"killed", task.Task{Status: task.StatusFailed, FailReason: task.FailKilled}, "killed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reportOutcome(quietLogger(), &tt.task)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPackInputsIncludesSentinel(t *testing.T) {
	cacheDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "__empty.txt"), nil, 0o644))

	inputDir := filepath.Join(cacheDir, "input_archive")
	require.NoError(t, os.MkdirAll(inputDir, 0o755))

	dataFile := filepath.Join(t.TempDir(), "data.txt")
	require.NoError(t, os.WriteFile(dataFile, []byte("payload"), 0o644))

	r := NewRunner(nil, configFor(cacheDir), quietLogger())
	archive := filepath.Join(inputDir, "test.tar")
	require.NoError(t, r.packInputs(context.Background(), archive, []string{dataFile}))

	st, err := os.Stat(archive)
	require.NoError(t, err)
	assert.Greater(t, st.Size(), int64(0))
}
