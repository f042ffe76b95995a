// Package runtime starts and stops the inference containers through
// the Docker Engine API on the local unix socket.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

type Manager struct {
	http    *http.Client
	logger  *slog.Logger
	startup time.Duration
}

func NewManager(socketPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 60 * time.Second,
		},
		logger:  logger,
		startup: 30 * time.Second,
	}
}

type containerState struct {
	State struct {
		Running bool `json:"Running"`
	} `json:"State"`
}

func (m *Manager) IsRunning(ctx context.Context, name string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"http://docker/containers/"+name+"/json", nil)
	if err != nil {
		return false, err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("inspect container %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, fmt.Errorf("container %s not found", name)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("inspect container %s: status %d", name, resp.StatusCode)
	}
	var st containerState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return false, fmt.Errorf("decode inspect response: %w", err)
	}
	return st.State.Running, nil
}

// EnsureStarted starts the container when it is not already running and
// waits briefly for it to come up. Already running is not an error.
func (m *Manager) EnsureStarted(ctx context.Context, name string) error {
	running, err := m.IsRunning(ctx, name)
	if err != nil {
		return err
	}
	if running {
		return nil
	}
	m.logger.Info("runtime.container.start", "container", name)
	if err := m.post(ctx, "/containers/"+name+"/start"); err != nil {
		return err
	}

	deadline := time.Now().Add(m.startup)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
		if running, err := m.IsRunning(ctx, name); err == nil && running {
			return nil
		}
	}
	return fmt.Errorf("container %s did not reach running state", name)
}

func (m *Manager) Stop(ctx context.Context, name string) error {
	m.logger.Info("runtime.container.stop", "container", name)
	return m.post(ctx, "/containers/"+name+"/stop?t=10")
}

func (m *Manager) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://docker"+path, nil)
	if err != nil {
		return err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("docker %s: %w", path, err)
	}
	defer resp.Body.Close()
	// 304 means the container was already in the requested state.
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("docker %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
}
