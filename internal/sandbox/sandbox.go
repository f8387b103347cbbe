package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/reviewdeck/reviewdeck/internal/common/errors"
	"github.com/reviewdeck/reviewdeck/internal/common/logger"
)

// RepoPath is where the working copy lives inside every sandbox.
const RepoPath = "/repo"

const stopTimeout = 5 * time.Second

// Sandbox is a single ephemeral job container. It is kept alive with a sleep
// entrypoint; all work happens through Exec.
type Sandbox struct {
	client      *Client
	containerID string
	logger      *logger.Logger
}

// Start creates and starts a fresh container from the image.
func Start(ctx context.Context, client *Client, image string) (*Sandbox, error) {
	name := "review-sandbox-" + uuid.NewString()[:8]
	containerID, err := client.CreateContainer(ctx, ContainerConfig{
		Name:        name,
		Image:       image,
		Cmd:         []string{"sleep", "infinity"},
		WorkingDir:  RepoPath,
		NetworkMode: client.config.DefaultNetwork,
		Labels:      map[string]string{"reviewdeck.job": "true"},
	})
	if err != nil {
		return nil, apperrors.SandboxFailure("create sandbox container", err)
	}

	if err := client.StartContainer(ctx, containerID); err != nil {
		_ = client.RemoveContainer(context.Background(), containerID, true)
		return nil, apperrors.SandboxFailure("start sandbox container", err)
	}

	return &Sandbox{
		client:      client,
		containerID: containerID,
		logger:      client.logger.WithFields(zap.String("container_id", containerID)),
	}, nil
}

// Exec runs argv and returns the captured output. A non-zero exit is not an
// error at this level; callers decide.
func (s *Sandbox) Exec(ctx context.Context, argv []string) (*ExecResult, error) {
	res, err := s.client.Exec(ctx, s.containerID, argv)
	if err != nil {
		return nil, apperrors.SandboxFailure("exec in sandbox", err)
	}
	return res, nil
}

// Run is Exec plus an exit-code check, surfacing stderr in the error.
func (s *Sandbox) Run(ctx context.Context, argv []string) (*ExecResult, error) {
	res, err := s.Exec(ctx, argv)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, apperrors.SandboxFailure(
			fmt.Sprintf("command %v exited %d: %s", argv, res.ExitCode, res.Stderr), nil)
	}
	return res, nil
}

// ExecWithTimeout runs argv under a hard wall clock. On timeout the container
// is signalled so nothing keeps running in the background; Stop then removes
// whatever is left.
func (s *Sandbox) ExecWithTimeout(ctx context.Context, argv []string, timeout time.Duration) (*ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := s.client.Exec(execCtx, s.containerID, argv)
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			s.logger.Warn("sandbox exec timed out", zap.Duration("timeout", timeout))
			_ = s.client.KillContainer(context.Background(), s.containerID, "SIGTERM")
			return nil, apperrors.SandboxFailure(
				fmt.Sprintf("exec exceeded %s wall clock", timeout), execCtx.Err())
		}
		return nil, apperrors.SandboxFailure("exec in sandbox", err)
	}
	return res, nil
}

// WriteFile writes content to a path inside the container with a heredoc. The
// randomized sentinel avoids collisions with prompt content.
func (s *Sandbox) WriteFile(ctx context.Context, path, content string) error {
	sentinel := "EOF_" + uuid.NewString()[:8]
	script := fmt.Sprintf("cat > %s << '%s'\n%s\n%s", path, sentinel, content, sentinel)
	res, err := s.Exec(ctx, []string{"sh", "-c", script})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return apperrors.SandboxFailure(
			fmt.Sprintf("write %s exited %d: %s", path, res.ExitCode, res.Stderr), nil)
	}
	return nil
}

// Stop tears the container down. Safe to call on all exit paths.
func (s *Sandbox) Stop(ctx context.Context) {
	if err := s.client.StopContainer(ctx, s.containerID, stopTimeout); err != nil {
		s.logger.Warn("stop sandbox failed, forcing removal", zap.Error(err))
	}
	if err := s.client.RemoveContainer(ctx, s.containerID, true); err != nil {
		s.logger.Warn("remove sandbox failed", zap.Error(err))
	}
}
