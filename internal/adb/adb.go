// Package adb wraps the adb binary for device discovery and DevTools
// socket forwarding.
package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

var (
	// ErrExecutionFailed means the adb binary could not be run
	ErrExecutionFailed = errors.New("failed to execute adb command")

	// ErrCommandFailed means adb ran but exited non-zero
	ErrCommandFailed = errors.New("adb command failed")
)

// Device is one entry of `adb devices -l`
type Device struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// WebView is a DevTools socket exposed by an app process
type WebView struct {
	SocketName  string  `json:"socket_name"`
	PID         int     `json:"pid"`
	PackageName *string `json:"package_name,omitempty"`
}

// runFunc runs a command and returns its stdout and stderr
type runFunc func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// exitError is the part of *exec.ExitError the client inspects
type exitError interface {
	ExitCode() int
}

func execRun(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Client runs adb commands
type Client struct {
	path   string
	run    runFunc
	logger *slog.Logger
}

// NewClient creates a client for the adb binary at path ("adb" when empty)
func NewClient(path string, logger *slog.Logger) *Client {
	if path == "" {
		path = "adb"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{path: path, run: execRun, logger: logger}
}

// exec runs adb with args and returns stdout
func (c *Client) exec(ctx context.Context, args ...string) (string, error) {
	c.logger.Debug("Running adb", "args", args)

	stdout, stderr, err := c.run(ctx, c.path, args...)
	if err != nil {
		var exitErr exitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w: %s", ErrCommandFailed, strings.TrimSpace(string(stderr)))
		}
		return "", fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	return string(stdout), nil
}

// ListDevices returns the attached devices
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	out, err := c.exec(ctx, "devices", "-l")
	if err != nil {
		return nil, err
	}
	return parseDevices(out), nil
}

// parseDevices parses `adb devices -l`, skipping the header line
func parseDevices(out string) []Device {
	devices := make([]Device, 0)

	lines := strings.Split(out, "\n")
	for _, line := range lines[1:] {
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		d := Device{ID: parts[0], Name: parts[0], Status: parts[1]}
		for _, p := range parts[2:] {
			if model, ok := strings.CutPrefix(p, "model:"); ok {
				d.Name = model
				break
			}
		}
		devices = append(devices, d)
	}

	return devices
}

// ListWebViews returns the DevTools sockets on a device. Package names are
// looked up per process; a failed lookup leaves PackageName nil.
func (c *Client) ListWebViews(ctx context.Context, deviceID string) ([]WebView, error) {
	out, err := c.exec(ctx, "-s", deviceID, "shell", "cat", "/proc/net/unix")
	if err != nil {
		return nil, err
	}

	webviews := parseWebViews(out)
	for i := range webviews {
		pkg, err := c.packageName(ctx, deviceID, webviews[i].PID)
		if err != nil {
			c.logger.Debug("Package name lookup failed", "pid", webviews[i].PID, "error", err)
			continue
		}
		webviews[i].PackageName = &pkg
	}

	return webviews, nil
}

// parseWebViews extracts DevTools sockets from /proc/net/unix, one per pid
func parseWebViews(out string) []WebView {
	webviews := make([]WebView, 0)
	seen := make(map[int]bool)

	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "webview_devtools_remote_") && !strings.Contains(line, "chrome_devtools_remote") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		socket := strings.TrimPrefix(fields[len(fields)-1], "@")

		// The pid is the last underscore-separated part of the socket name
		pid, err := strconv.Atoi(socket[strings.LastIndex(socket, "_")+1:])
		if err != nil || seen[pid] {
			continue
		}
		seen[pid] = true

		webviews = append(webviews, WebView{SocketName: socket, PID: pid})
	}

	return webviews
}

func (c *Client) packageName(ctx context.Context, deviceID string, pid int) (string, error) {
	out, err := c.exec(ctx, "-s", deviceID, "shell", fmt.Sprintf("cat /proc/%d/cmdline", pid))
	if err != nil {
		return "", err
	}

	// cmdline is NUL separated; the first entry is the process name
	pkg, _, _ := strings.Cut(out, "\x00")
	pkg = strings.TrimSpace(pkg)
	if pkg == "" {
		return "", fmt.Errorf("%w: empty cmdline for pid %d", ErrCommandFailed, pid)
	}
	return pkg, nil
}

// ForwardPort forwards localhost:localPort to a device abstract socket
func (c *Client) ForwardPort(ctx context.Context, deviceID string, localPort int, socketName string) error {
	_, err := c.exec(ctx, "-s", deviceID, "forward",
		fmt.Sprintf("tcp:%d", localPort),
		"localabstract:"+socketName,
	)
	return err
}

// RemoveForward removes one forward
func (c *Client) RemoveForward(ctx context.Context, deviceID string, localPort int) error {
	_, err := c.exec(ctx, "-s", deviceID, "forward", "--remove", fmt.Sprintf("tcp:%d", localPort))
	return err
}

// RemoveAllForwards removes every forward of a device
func (c *Client) RemoveAllForwards(ctx context.Context, deviceID string) error {
	_, err := c.exec(ctx, "-s", deviceID, "forward", "--remove-all")
	return err
}
