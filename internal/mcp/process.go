package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"tether/internal/async"
	"tether/internal/logging"
)

// ProcessManager manages a stdio MCP server process lifecycle
type ProcessManager struct {
	command  string
	args     []string
	env      []string
	process  *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	logger   logging.Logger
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	waitDone chan error
}

// ProcessConfig configures the MCP server process
type ProcessConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// NewProcessManager creates a new process manager
func NewProcessManager(config ProcessConfig) *ProcessManager {
	pm := &ProcessManager{
		command: config.Command,
		args:    config.Args,
		logger:  logging.NewComponentLogger(fmt.Sprintf("ProcessManager[%s]", config.Command)),
	}

	// Overrides extend the inherited environment rather than replace it
	if config.Env != nil {
		pm.env = os.Environ()
		for k, v := range config.Env {
			pm.env = append(pm.env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	return pm
}

// Start spawns the MCP server process
func (pm *ProcessManager) Start(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return fmt.Errorf("process already running")
	}

	pm.stopChan = make(chan struct{})
	pm.waitDone = make(chan error, 1)

	resolved, err := resolveExecutable(pm.command)
	if err != nil {
		return err
	}

	pm.process = exec.CommandContext(ctx, resolved, pm.args...)
	pm.process.Env = pm.env

	pm.stdin, err = pm.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	pm.stdout, err = pm.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	pm.stderr, err = pm.process.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := pm.process.Start(); err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	pm.running = true
	pm.logger.Info("MCP server started with PID: %d", pm.process.Process.Pid)

	async.Go(pm.logger, "mcp.monitorStderr", func() {
		pm.monitorStderr()
	})

	async.Go(pm.logger, "mcp.monitorExit", func() {
		pm.monitorExit()
	})

	return nil
}

func resolveExecutable(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", fmt.Errorf("command is required")
	}
	if strings.Contains(trimmed, "\x00") {
		return "", fmt.Errorf("command contains invalid characters")
	}

	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", fmt.Errorf("command not found: %w", err)
	}

	return resolved, nil
}

// Stop gracefully stops the MCP server process
func (pm *ProcessManager) Stop(timeout time.Duration) error {
	pm.mu.Lock()
	if !pm.running {
		pm.mu.Unlock()
		return nil
	}

	pm.running = false

	stopChan := pm.stopChan
	waitDone := pm.waitDone
	process := pm.process
	stdin := pm.stdin
	pm.mu.Unlock()

	if stopChan != nil {
		close(stopChan)
	}

	// Closing stdin asks a well-behaved stdio server to exit
	if stdin != nil {
		_ = stdin.Close()
	}

	if waitDone == nil {
		waitDone = make(chan error, 1)
		if process != nil {
			async.Go(pm.logger, "mcp.waitProcess", func() {
				waitDone <- process.Wait()
			})
		}
	}

	select {
	case err := <-waitDone:
		pm.logger.Info("Process exited gracefully: %v", err)
		return nil
	case <-time.After(timeout):
		pm.logger.Warn("Graceful shutdown timeout, killing process")
		if process != nil && process.Process != nil {
			if err := process.Process.Kill(); err != nil {
				return fmt.Errorf("failed to kill process: %w", err)
			}
		}
		return nil
	}
}

// IsRunning checks if the process is currently running
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

// Write sends data to the process stdin
func (pm *ProcessManager) Write(data []byte) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.running {
		return fmt.Errorf("process not running")
	}
	if pm.stdin == nil {
		return fmt.Errorf("stdin not available")
	}

	n, err := pm.stdin.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write: wrote %d/%d bytes", n, len(data))
	}

	return nil
}

// GetStdout returns the stdout reader
func (pm *ProcessManager) GetStdout() io.ReadCloser {
	return pm.stdout
}

// monitorStderr logs stderr output from the process
func (pm *ProcessManager) monitorStderr() {
	if pm.stderr == nil {
		return
	}

	scanner := bufio.NewScanner(pm.stderr)
	for scanner.Scan() {
		select {
		case <-pm.stopChan:
			return
		default:
			pm.logger.Debug("[STDERR] %s", scanner.Text())
		}
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		pm.logger.Error("Error reading stderr: %v", err)
	}
}

// monitorExit observes process exit so Stop can report it
func (pm *ProcessManager) monitorExit() {
	if pm.process == nil {
		return
	}

	err := pm.process.Wait()

	select {
	case pm.waitDone <- err:
	default:
	}

	pm.mu.Lock()
	wasRunning := pm.running
	pm.running = false
	pm.mu.Unlock()

	if wasRunning {
		if err != nil {
			pm.logger.Error("Process exited unexpectedly: %v", err)
		} else {
			pm.logger.Warn("Process exited unexpectedly (no error)")
		}
	}
}
