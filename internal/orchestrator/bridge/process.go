package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/orchestrator/provider"
)

const stderrTailSize = 200

// supervisor owns one agent subprocess: it starts it with stdio pipes,
// captures a stderr tail, watches for exit, and stops it with
// close-stdin-then-kill semantics.
type supervisor struct {
	launch  provider.LaunchConfig
	workdir string
	logger  *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	stderrTail *stderrBuffer
	exited     atomic.Bool

	// onExit fires once, after the process is gone, with the wait error.
	onExit func(err error)

	wg     sync.WaitGroup
	doneCh chan struct{}

	stopMu   sync.Mutex
	stopping bool
}

func newSupervisor(launch provider.LaunchConfig, workdir string, onExit func(error), log *logger.Logger) *supervisor {
	s := &supervisor{
		launch:     launch,
		workdir:    workdir,
		logger:     log.WithComponent("supervisor"),
		stderrTail: newStderrBuffer(stderrTailSize),
		onExit:     onExit,
		doneCh:     make(chan struct{}),
	}
	return s
}

// start launches the subprocess. Deliberately not CommandContext: the
// caller's launch context must not kill a long-lived agent.
func (s *supervisor) start() error {
	s.logger.Info("starting agent process",
		zap.String("command", s.launch.Command),
		zap.Strings("args", s.launch.Args),
		zap.String("workdir", s.workdir))

	s.cmd = exec.Command(s.launch.Command, s.launch.Args...)
	s.cmd.Dir = s.workdir
	s.cmd.Env = s.launch.Environ()

	var err error
	if s.stdin, err = s.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if s.stdout, err = s.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if s.stderr, err = s.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent process: %w", err)
	}

	s.wg.Add(2)
	go s.readStderr()
	go s.waitForExit()

	s.logger.Info("agent process started", zap.Int("pid", s.cmd.Process.Pid))
	return nil
}

func (s *supervisor) readStderr() {
	defer s.wg.Done()

	scanner := bufio.NewScanner(s.stderr)
	for scanner.Scan() {
		s.stderrTail.add(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("stderr reader error", zap.Error(err))
	}
}

func (s *supervisor) waitForExit() {
	defer s.wg.Done()
	defer close(s.doneCh)

	err := s.cmd.Wait()
	s.exited.Store(true)

	if err != nil {
		s.logger.Info("agent process exited with error", zap.Error(err))
	} else {
		s.logger.Info("agent process exited")
	}

	if s.onExit != nil {
		s.onExit(err)
	}
}

// stop closes stdin to let the agent exit on EOF, then kills it when the
// context expires first.
func (s *supervisor) stop(ctx context.Context) error {
	s.stopMu.Lock()
	if s.stopping {
		s.stopMu.Unlock()
		<-s.doneCh
		return nil
	}
	s.stopping = true
	s.stopMu.Unlock()

	if s.exited.Load() {
		return nil
	}

	s.logger.Info("stopping agent process")
	if s.stdin != nil {
		_ = s.stdin.Close()
	}

	select {
	case <-s.doneCh:
		s.logger.Info("agent process stopped gracefully")
	case <-ctx.Done():
		if s.cmd != nil && s.cmd.Process != nil {
			s.logger.Warn("force killing agent process")
			_ = s.cmd.Process.Kill()
		}
		<-s.doneCh
	}
	return nil
}

// running reports whether the subprocess is still alive.
func (s *supervisor) running() bool {
	return !s.exited.Load()
}
