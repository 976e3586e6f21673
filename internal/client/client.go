// Package client implements the HTTP client used by the ferry CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"firestige.xyz/ferry/internal/store"
	"firestige.xyz/ferry/internal/task"
)

// Client talks to the ferry API server.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logrus.Logger
}

// New creates a client for the given server URL.
func New(serverURL string, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		baseURL: strings.TrimRight(serverURL, "/"),
		http:    &http.Client{},
		log:     log,
	}
}

// CreateTaskRequest mirrors the POST /task/create body.
type CreateTaskRequest struct {
	Cmd          task.Cmd    `json:"cmd"`
	Output       task.Output `json:"output"`
	HintDeviceID string      `json:"hint_device_id"`
	CreateUser   string      `json:"create_user"`
}

// CreateTask registers a new task and returns its id.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode create request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/task/create", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp struct {
		ID string `json:"_id"`
	}
	if err := c.doJSON(httpReq, &resp); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return resp.ID, nil
}

// Query fetches the task document. As a side effect the server refreshes the
// task's keep-alive timestamp, so polling Query doubles as the heartbeat.
func (c *Client) Query(ctx context.Context, id string) (*task.Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/task/query/"+id, nil)
	if err != nil {
		return nil, err
	}
	var t task.Task
	if err := c.doJSON(req, &t); err != nil {
		return nil, fmt.Errorf("query task %s: %w", id, err)
	}
	return &t, nil
}

// Kill requests the task be killed. 204 means the kill was accepted; 409
// means the task was already terminal or being killed.
func (c *Client) Kill(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/task/kill/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("kill task %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		c.log.Warn("Killed")
		return nil
	}
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	return fmt.Errorf("kill task %s: unexpected status %s", id, resp.Status)
}

// ListTasks returns every non-terminal task.
func (c *Client) ListTasks(ctx context.Context) ([]task.Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/task/list", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Tasks []task.Task `json:"tasks"`
	}
	if err := c.doJSON(req, &resp); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return resp.Tasks, nil
}

// ListDevices returns the device inventory snapshot.
func (c *Client) ListDevices(ctx context.Context) (store.DeviceSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/device/list", nil)
	if err != nil {
		return store.DeviceSnapshot{}, err
	}
	var snap store.DeviceSnapshot
	if err := c.doJSON(req, &snap); err != nil {
		return store.DeviceSnapshot{}, fmt.Errorf("list devices: %w", err)
	}
	return snap, nil
}

// UploadInputArchive streams the archive as multipart form data, logging
// progress roughly once per second.
func (c *Client) UploadInputArchive(ctx context.Context, id, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	total := st.Size()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(archivePath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		progress := &progressReader{
			r:     f,
			total: total,
			log:   c.log,
			verb:  "Uploading",
		}
		if _, err := io.Copy(part, progress); err != nil {
			pw.CloseWithError(err)
			return
		}
		progress.report() // final 100% line
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/task/upload/"+id, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload archive: unexpected status %s", resp.Status)
	}
	return nil
}

// DownloadOutputArchive fetches the output archive into archivePath, logging
// progress roughly once per second.
func (c *Client) DownloadOutputArchive(ctx context.Context, id, archivePath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/task/download/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("download archive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download archive: unexpected status %s", resp.Status)
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	progress := &progressReader{
		r:     resp.Body,
		total: resp.ContentLength,
		log:   c.log,
		verb:  "Downloading",
	}
	if _, err := io.Copy(out, progress); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	progress.report()
	return nil
}

// StreamLog copies one of the task's log streams to w until the server closes
// the response, i.e. until the task is terminal.
func (c *Client) StreamLog(ctx context.Context, id, stream string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/task/log/%s/%s", c.baseURL, id, stream), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("stream %s: %w", stream, err)
	}
	defer resp.Body.Close()

	_, err = io.Copy(&flushWriter{w: w}, resp.Body)
	return err
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// progressReader logs transferred bytes about once per second.
type progressReader struct {
	r       io.Reader
	total   int64
	done    int64
	lastLog time.Time
	log     *logrus.Logger
	verb    string
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.done += int64(n)
	if time.Since(p.lastLog) > time.Second {
		p.report()
		p.lastLog = time.Now()
	}
	return n, err
}

func (p *progressReader) report() {
	if p.total > 0 {
		p.log.Infof("%s: %s / %s", p.verb, humanize.Bytes(uint64(p.done)), humanize.Bytes(uint64(p.total)))
	} else {
		p.log.Infof("%s: %s", p.verb, humanize.Bytes(uint64(p.done)))
	}
}

// flushWriter flushes after every write so interleaved remote logs appear
// promptly on the terminal.
type flushWriter struct {
	w io.Writer
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if s, ok := f.w.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
	return n, err
}
