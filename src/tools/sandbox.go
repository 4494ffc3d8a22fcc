// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package tools

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"agentworker/src/logging"
	"agentworker/src/model"
)

const sandboxNetworkName = "agentworker_sandbox"

// SandboxConfig sizes the execution container.
type SandboxConfig struct {
	Image       string
	MemoryMB    int64
	CPULimit    float64
	IdleTimeout time.Duration
}

// SandboxAdapter executes untrusted code inside a locked-down Docker
// container: isolated bridge network, blocked RFC1918 egress, resource
// limits, unprivileged user. The container is reused across steps and
// reaped after an idle timeout.
type SandboxAdapter struct {
	cli       *client.Client
	networkID string
	cfg       SandboxConfig

	mu         sync.Mutex
	activeID   string
	lastUsedAt time.Time
}

// NewSandboxAdapter creates the adapter and ensures the sandbox network
// exists.
func NewSandboxAdapter(ctx context.Context, cli *client.Client, cfg SandboxConfig) (*SandboxAdapter, error) {
	if cfg.Image == "" {
		cfg.Image = "python:3.9-slim"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 512
	}
	if cfg.CPULimit <= 0 {
		cfg.CPULimit = 0.5
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	s := &SandboxAdapter{cli: cli, cfg: cfg}
	id, err := s.ensureNetwork(ctx)
	if err != nil {
		return nil, err
	}
	s.networkID = id
	return s, nil
}

func (s *SandboxAdapter) Name() string { return "sandbox_exec" }

func (s *SandboxAdapter) Validate(params map[string]any) error {
	code, _ := params["code"].(string)
	if code == "" {
		return model.NewTaskError(model.ErrConfiguration, "sandbox_exec requires a 'code' parameter")
	}
	return nil
}

func (s *SandboxAdapter) EstimatedDuration(map[string]any) time.Duration { return 60 * time.Second }

func (s *SandboxAdapter) HealthCheck(ctx context.Context) Health {
	if _, err := s.cli.Ping(ctx); err != nil {
		return Down
	}
	return Healthy
}

// ensureNetwork creates or retrieves the sandbox bridge network. The network
// allows external internet access; internal host access is blocked via
// ExtraHosts and iptables in the container itself.
func (s *SandboxAdapter) ensureNetwork(ctx context.Context) (string, error) {
	networks, err := s.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to list networks: %w", err)
	}
	for _, n := range networks {
		if n.Name == sandboxNetworkName {
			return n.ID, nil
		}
	}
	resp, err := s.cli.NetworkCreate(ctx, sandboxNetworkName, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox network: %w", err)
	}
	return resp.ID, nil
}

// PullImage pre-pulls the sandbox image so first execution does not pay the
// download.
func (s *SandboxAdapter) PullImage(ctx context.Context) error {
	reader, err := s.cli.ImagePull(ctx, s.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (s *SandboxAdapter) getOrCreateContainer(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeID != "" {
		inspect, err := s.cli.ContainerInspect(ctx, s.activeID)
		if err == nil && inspect.State.Running {
			s.lastUsedAt = time.Now()
			// Sanitize leftovers from the previous step before reuse.
			sanitize := container.ExecOptions{
				User:         "root",
				AttachStdout: true,
				AttachStderr: true,
				Cmd: []string{"sh", "-c", `
					rm -f /script.py /payload.json
					find /tmp -mindepth 1 -delete 2>/dev/null || true
					find /var/tmp -mindepth 1 -delete 2>/dev/null || true
					find /home/sandboxuser -mindepth 1 -delete 2>/dev/null || true
				`},
			}
			exeCreate, err := s.cli.ContainerExecCreate(ctx, s.activeID, sanitize)
			if err != nil {
				return "", fmt.Errorf("failed to create sanitize exec: %w", err)
			}
			execResp, err := s.cli.ContainerExecAttach(ctx, exeCreate.ID, container.ExecStartOptions{})
			if err != nil {
				return "", fmt.Errorf("failed to attach to sanitize exec: %w", err)
			}
			execResp.Close()
			return s.activeID, nil
		}
		s.activeID = ""
	}

	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image: s.cfg.Image,
		Cmd:   []string{"sleep", "infinity"},
		Tty:   false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   s.cfg.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(s.cfg.CPULimit * math.Pow10(9)),
		},
		CapAdd: []string{"NET_ADMIN"},
		ExtraHosts: []string{
			"host.docker.internal:127.0.0.1",
			"gateway.docker.internal:127.0.0.1",
		},
	}, &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			sandboxNetworkName: {NetworkID: s.networkID},
		},
	}, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		s.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	setupCmd := []string{"sh", "-c", `
		apt-get update -qq && apt-get install -qq -y iptables > /dev/null 2>&1
		iptables -A OUTPUT -d 10.0.0.0/8 -j DROP 2>/dev/null || true
		iptables -A OUTPUT -d 172.16.0.0/12 -j DROP 2>/dev/null || true
		iptables -A OUTPUT -d 192.168.0.0/16 -j DROP 2>/dev/null || true
		iptables -A OUTPUT -d 169.254.0.0/16 -j DROP 2>/dev/null || true
		useradd -m -s /bin/bash sandboxuser 2>/dev/null || true
	`}
	setupExec, err := s.cli.ContainerExecCreate(ctx, resp.ID, container.ExecOptions{
		Cmd:          setupCmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		s.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to create setup exec: %w", err)
	}
	setupResp, err := s.cli.ContainerExecAttach(ctx, setupExec.ID, container.ExecStartOptions{})
	if err != nil {
		s.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to attach to setup exec: %w", err)
	}
	_, _ = io.Copy(io.Discard, setupResp.Reader)
	setupResp.Close()

	setupInspect, err := s.cli.ContainerExecInspect(ctx, setupExec.ID)
	if err != nil || setupInspect.ExitCode != 0 {
		s.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("sandbox setup failed (exit %d): %v", setupInspect.ExitCode, err)
	}

	s.activeID = resp.ID
	s.lastUsedAt = time.Now()
	logging.Log(fmt.Sprintf("New persistent sandbox container created: %s", s.activeID[:12]), slog.LevelInfo)
	return s.activeID, nil
}

func (s *SandboxAdapter) Execute(ctx context.Context, params map[string]any) (any, error) {
	code, _ := params["code"].(string)
	payload, _ := params["payload"].(string)

	containerID, err := s.getOrCreateContainer(ctx)
	if err != nil {
		return nil, model.WrapError(model.ErrTransient, err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	files := []struct {
		name string
		mode int64
		data []byte
	}{
		{"script.py", 0755, []byte(code)},
		{"payload.json", 0644, []byte(payload)},
	}
	for _, f := range files {
		if err := tw.WriteHeader(&tar.Header{Name: f.name, Mode: f.mode, Size: int64(len(f.data))}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(f.data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	if err := s.cli.CopyToContainer(ctx, containerID, "/", &buf, container.CopyToContainerOptions{}); err != nil {
		return nil, model.WrapError(model.ErrTransient, fmt.Errorf("failed to copy to container: %w", err))
	}

	// chown as root, then drop to the unprivileged user for the run.
	execConfig := container.ExecOptions{
		User:         "root",
		AttachStdout: true,
		AttachStderr: true,
		Cmd: []string{"sh", "-c", `
			chown sandboxuser:sandboxuser /script.py /payload.json
			su sandboxuser -c "python /script.py /payload.json"
		`},
	}
	execCreate, err := s.cli.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, model.WrapError(model.ErrTransient, err)
	}
	resp, err := s.cli.ContainerExecAttach(ctx, execCreate.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, model.WrapError(model.ErrTransient, err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, model.WrapError(model.ErrTransient, err)
		}
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return stdout.String(), model.WrapError(model.ErrTransient, err)
	}
	if inspect.ExitCode != 0 {
		return stdout.String(), model.NewTaskError(model.ErrLogic,
			"script execution error (exit %d): %s", inspect.ExitCode, stderr.String())
	}

	s.mu.Lock()
	s.lastUsedAt = time.Now()
	s.mu.Unlock()
	return stdout.String(), nil
}

// RunReaper removes the container once it has sat idle past the configured
// timeout. Call in its own goroutine.
func (s *SandboxAdapter) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.activeID != "" && time.Since(s.lastUsedAt) > s.cfg.IdleTimeout {
				id := s.activeID
				s.activeID = ""
				s.mu.Unlock()
				logging.Log(fmt.Sprintf("Idle timeout reached for container %s. Removing...", id[:12]), slog.LevelInfo)
				cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				s.cli.ContainerRemove(cleanupCtx, id, container.RemoveOptions{Force: true})
				cancel()
			} else {
				s.mu.Unlock()
			}
		}
	}
}

// Cleanup removes the active container at shutdown.
func (s *SandboxAdapter) Cleanup(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID != "" {
		logging.Log(fmt.Sprintf("Cleaning up active container %s...", s.activeID[:12]), slog.LevelInfo)
		s.cli.ContainerRemove(ctx, s.activeID, container.RemoveOptions{Force: true})
		s.activeID = ""
	}
}
