package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/stageflow/internal/logging"
	"github.com/Iron-Ham/stageflow/internal/util"
)

// DefaultPollInterval is how often the file channel re-checks for a response
// when filesystem events are missed or unavailable.
const DefaultPollInterval = 2 * time.Second

// FileSource is the response source recorded for answers read from disk
// when the writer did not name one.
const FileSource = "file"

const (
	requestSuffix  = ".request.json"
	responseSuffix = ".response.json"
)

// RequestPath returns where the file channel writes the request for a gate.
func RequestPath(dir, workflowName, runID, gateKey string) string {
	return filepath.Join(dir, workflowName, runID, gateKey+requestSuffix)
}

// ResponsePath returns where the file channel expects the answer for a gate.
func ResponsePath(dir, workflowName, runID, gateKey string) string {
	return filepath.Join(dir, workflowName, runID, gateKey+responseSuffix)
}

// WriteResponse answers a gate through the file channel. The response stays
// on disk until a running (or resumed) gate consumes it.
func WriteResponse(dir, workflowName, runID, gateKey string, r Response) (string, error) {
	path := ResponsePath(dir, workflowName, runID, gateKey)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create response directory: %w", err)
	}
	data, err := r.marshal()
	if err != nil {
		return "", fmt.Errorf("failed to encode response: %w", err)
	}
	if err := util.WriteFileAtomic(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// ReadRequest loads the pending request for a gate, if any.
func ReadRequest(dir, workflowName, runID, gateKey string) (*Notification, error) {
	data, err := os.ReadFile(RequestPath(dir, workflowName, runID, gateKey))
	if err != nil {
		return nil, err
	}
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("invalid request file: %w", err)
	}
	return &n, nil
}

// FileChannel writes the request to a directory and watches for a response
// file written by `stageflow respond` (or any other tool).
type FileChannel struct {
	dir    string
	poll   time.Duration
	logger *logging.Logger
}

// NewFileChannel creates a FileChannel rooted at dir.
func NewFileChannel(dir string, poll time.Duration, logger *logging.Logger) *FileChannel {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &FileChannel{dir: dir, poll: poll, logger: logger}
}

// Name implements Channel.
func (c *FileChannel) Name() string { return ChannelFile }

// Send writes the request file and starts watching for the response.
func (c *FileChannel) Send(ctx context.Context, n Notification, responses chan<- Response) error {
	reqPath := RequestPath(c.dir, n.Workflow, n.RunID, n.GateKey())
	runDir := filepath.Dir(reqPath)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create request directory: %w", err)
	}
	data, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	if err := util.WriteFileAtomic(reqPath, data, 0644); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Warn("file watcher unavailable, polling for responses", "error", err)
		watcher = nil
	} else if err := watcher.Add(runDir); err != nil {
		c.logger.Warn("failed to watch response directory, polling", "dir", runDir, "error", err)
		watcher.Close()
		watcher = nil
	}

	respPath := ResponsePath(c.dir, n.Workflow, n.RunID, n.GateKey())
	go c.watch(ctx, watcher, respPath, responses)
	return nil
}

func (c *FileChannel) watch(ctx context.Context, w *fsnotify.Watcher, path string, responses chan<- Response) {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if w != nil {
		defer w.Close()
		events = w.Events
		errs = w.Errors
	}
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	// A response may already be waiting from before this process started.
	if !c.deliver(ctx, path, responses) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !c.deliver(ctx, path, responses) {
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.logger.Warn("response watcher error", "error", err)
		case <-ticker.C:
			if !c.deliver(ctx, path, responses) {
				return
			}
		}
	}
}

// deliver forwards a pending response file and removes it once the gate
// acknowledges it. It returns false when ctx ended first; the file is then
// left for the next gate check.
func (c *FileChannel) deliver(ctx context.Context, path string, responses chan<- Response) bool {
	if ctx.Err() != nil {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	r, err := parseResponse(data, FileSource)
	if err != nil {
		c.logger.Warn("discarding invalid response file", "path", path, "error", err)
		os.Remove(path)
		return true
	}
	r.ack = make(chan struct{})
	select {
	case responses <- r:
	case <-ctx.Done():
		return false
	}
	// The buffered send succeeds even when nobody reads it any more.
	select {
	case <-r.ack:
	case <-ctx.Done():
		// The gate acks before it cancels ctx.
		select {
		case <-r.ack:
		default:
			return false
		}
	}
	os.Remove(path)
	return true
}
