package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config defines how the engine process is launched
type Config struct {
	// Engine binary and fixed leading arguments
	Command string   `toml:"command"`
	Args    []string `toml:"args"`

	// Upper bound for a single sync or configure run
	Timeout time.Duration `toml:"timeout"`

	// Buffer size of the events channel
	EventBufferSize int `toml:"event_buffer_size"`
}

// DefaultConfig returns engine defaults
func DefaultConfig() Config {
	return Config{
		Command:         "syncevolution",
		Args:            []string{},
		Timeout:         30 * time.Minute,
		EventBufferSize: 64,
	}
}

// ValidateConfig validates engine configuration
func ValidateConfig(config Config) error {
	if config.Command == "" {
		return fmt.Errorf("engine command must be specified")
	}
	if config.Timeout <= 0 {
		return fmt.Errorf("engine Timeout must be positive, got %v", config.Timeout)
	}
	if config.EventBufferSize <= 0 {
		return fmt.Errorf("engine EventBufferSize must be positive, got %d", config.EventBufferSize)
	}
	return nil
}

type execSession struct {
	name     string
	status   string
	cancel   context.CancelFunc
	canceled bool
}

// ExecEngine drives an external engine binary, one process per operation
type ExecEngine struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[Handle]*execSession
	active   Handle
	nextID   int

	events   chan Event
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewExecEngine creates a process-backed engine
func NewExecEngine(config Config, logger *slog.Logger) (*ExecEngine, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	return &ExecEngine{
		config:   config,
		logger:   logger,
		sessions: make(map[Handle]*execSession),
		events:   make(chan Event, config.EventBufferSize),
		shutdown: make(chan struct{}),
	}, nil
}

// OpenSession reserves the engine for the named configuration
func (e *ExecEngine) OpenSession(ctx context.Context, name string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.shutdown:
		return "", ErrClosed
	default:
	}

	if e.active != "" {
		return "", ErrBusy
	}

	e.nextID++
	h := Handle(fmt.Sprintf("%s#%d", name, e.nextID))
	e.sessions[h] = &execSession{name: name, status: StatusQueueing}
	e.active = h

	return h, nil
}

// Configure runs the engine in configuration mode for services
func (e *ExecEngine) Configure(ctx context.Context, h Handle, services []string) error {
	args := []string{"--configure"}
	for _, svc := range services {
		args = append(args, "--service", svc)
	}

	return e.launch(ctx, h, args, func(_ string, runErr error, canceled bool) {
		if canceled {
			runErr = context.Canceled
		}
		e.emit(Event{Type: EventConfigured, Handle: h, Err: runErr})
	})
}

// Sync runs the engine in sync mode for services
func (e *ExecEngine) Sync(ctx context.Context, h Handle, mode Mode, services []string) error {
	args := []string{"--mode", string(mode)}
	for _, svc := range services {
		args = append(args, "--service", svc)
	}

	return e.launch(ctx, h, args, func(stdout string, runErr error, canceled bool) {
		code, err := outcomeCode(stdout, runErr)
		if err != nil && !canceled {
			e.logger.Warn("engine process lost",
				"session", string(h),
				"error", err)
			e.emit(Event{Type: EventLost, Handle: h, Err: fmt.Errorf("%w: %v", ErrConnectionLost, err)})
			return
		}

		e.setStatus(h, StatusDone)
		e.emit(Event{Type: EventStatus, Handle: h, Status: StatusDone})
		e.emit(Event{Type: EventDone, Handle: h, Code: code})
	})
}

// launch starts the engine process and calls finish from a goroutine when
// it exits
func (e *ExecEngine) launch(ctx context.Context, h Handle, extra []string, finish func(stdout string, err error, canceled bool)) error {
	e.mu.Lock()
	sess, ok := e.sessions[h]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownSession
	}

	runCtx, cancel := context.WithTimeout(context.Background(), e.config.Timeout)
	sess.cancel = cancel
	sess.canceled = false

	args := append([]string{}, e.config.Args...)
	args = append(args, "--session", sess.name)
	args = append(args, extra...)
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		cancel()
		return err
	}

	cmd := exec.CommandContext(runCtx, e.config.Command, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	e.logger.Debug("engine process started",
		"session", string(h),
		"pid", cmd.Process.Pid,
		"args", args)

	e.setStatus(h, StatusRunning)
	e.emit(Event{Type: EventStatus, Handle: h, Status: StatusRunning})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()

		err := cmd.Wait()

		e.mu.Lock()
		canceled := false
		if s, ok := e.sessions[h]; ok {
			canceled = s.canceled
		}
		e.mu.Unlock()

		finish(stdout.String(), err, canceled)
	}()

	return nil
}

// Cancel kills the running engine process for the session
func (e *ExecEngine) Cancel(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[h]
	if !ok {
		return ErrUnknownSession
	}

	sess.canceled = true
	if sess.cancel != nil {
		sess.cancel()
	}
	return nil
}

// Status returns the last known session status
func (e *ExecEngine) Status(h Handle) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[h]
	if !ok {
		return "", ErrUnknownSession
	}
	return sess.status, nil
}

// Close releases the session, killing its process if still running
func (e *ExecEngine) Close(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[h]
	if !ok {
		return ErrUnknownSession
	}

	if sess.cancel != nil {
		sess.canceled = true
		sess.cancel()
	}
	delete(e.sessions, h)
	if e.active == h {
		e.active = ""
	}
	return nil
}

// Events delivers engine notifications
func (e *ExecEngine) Events() <-chan Event {
	return e.events
}

// Shutdown kills running processes and waits for them to exit
func (e *ExecEngine) Shutdown() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		close(e.shutdown)
		for _, sess := range e.sessions {
			if sess.cancel != nil {
				sess.canceled = true
				sess.cancel()
			}
		}
		e.mu.Unlock()

		e.wg.Wait()
	})
}

func (e *ExecEngine) setStatus(h Handle, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess, ok := e.sessions[h]; ok {
		sess.status = status
	}
}

func (e *ExecEngine) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.shutdown:
		e.logger.Debug("dropping engine event after shutdown",
			"type", ev.Type.String(),
			"session", string(ev.Handle))
	}
}

// outcomeCode extracts the sync outcome from the engine's output. The last
// non-empty stdout line is the numeric status; without one the exit status
// decides. A process killed by a signal has no outcome.
func outcomeCode(stdout string, runErr error) (int, error) {
	if code, ok := lastLineCode(stdout); ok {
		return code, nil
	}

	if runErr == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode(), nil
	}

	return 0, runErr
}

func lastLineCode(stdout string) (int, bool) {
	last := ""
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	if last == "" {
		return 0, false
	}

	code, err := strconv.Atoi(strings.TrimPrefix(last, "status "))
	if err != nil {
		return 0, false
	}
	return code, true
}
