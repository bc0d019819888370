// Package supervisor runs the external trainer as a child process and
// captures its merged stdout/stderr.
//
// Every output line lands in three places, in the same order: the
// in-memory Result.Lines, the per-run log file, and the structured logger.
// A run never returns an error; start failures and non-zero exits are
// reported in the Result.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultCommand is the trainer entrypoint, run inside Config.Dir.
var DefaultCommand = []string{"python", "train.py"}

// Config describes how to launch the trainer.
type Config struct {
	// Dir is the trainer's working directory.
	Dir string

	// Command is the executable and its leading arguments. Job arguments
	// are appended. Empty means DefaultCommand.
	Command []string

	// Venv is an optional virtualenv root. When set, VIRTUAL_ENV points at
	// it, <Venv>/bin leads PATH and a bare command name is looked up there
	// first.
	Venv string

	// LogDir receives one training_<unix>.log per run.
	LogDir string

	// Env holds extra KEY=VALUE entries for the child.
	Env []string
}

// Result is the outcome of one run.
type Result struct {
	Succeeded bool
	ExitCode  int
	Lines     []string
	LogPath   string
	PID       int
	StartedAt time.Time
	EndedAt   time.Time
}

// Tail returns the last n captured lines.
func (r *Result) Tail(n int) []string {
	if n <= 0 || len(r.Lines) == 0 {
		return nil
	}
	if n > len(r.Lines) {
		n = len(r.Lines)
	}
	return append([]string(nil), r.Lines[len(r.Lines)-n:]...)
}

// Supervisor launches trainer runs. It holds no per-run state; callers
// serialize runs that share a LogDir only for tidy file names.
type Supervisor struct {
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	onStart func(pid int)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock overrides the time source used for log file names.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// OnStart registers fn to be called with the child's pid right after it
// starts.
func OnStart(fn func(pid int)) Option {
	return func(s *Supervisor) { s.onStart = fn }
}

func New(cfg Config, logger *zap.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultCommand
	}
	s := &Supervisor{cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the trainer with args and blocks until it exits and its
// output is drained. Cancelling ctx kills the child.
func (s *Supervisor) Run(ctx context.Context, args []string) *Result {
	res := &Result{ExitCode: -1, StartedAt: s.now().UTC()}

	logFile, err := createLogFile(s.cfg.LogDir, res.StartedAt)
	if err != nil {
		msg := fmt.Sprintf("failed to create training log: %v", err)
		s.logger.Error("failed to create training log", zap.String("dir", s.cfg.LogDir), zap.Error(err))
		res.Lines = append(res.Lines, msg)
		res.EndedAt = s.now().UTC()
		return res
	}
	defer func() {
		if err := logFile.Close(); err != nil {
			s.logger.Warn("failed to close training log", zap.String("path", res.LogPath), zap.Error(err))
		}
	}()
	res.LogPath = logFile.Name()

	rec := &recorder{file: logFile, logger: s.logger, res: res}

	cmd, err := s.command(ctx, args)
	if err == nil {
		err = s.runCommand(cmd, rec)
	} else {
		rec.line(fmt.Sprintf("failed to start trainer: %v", err))
	}

	res.EndedAt = s.now().UTC()
	res.Succeeded = err == nil && res.ExitCode == 0
	if res.Succeeded {
		s.logger.Info("training completed", zap.String("log", res.LogPath), zap.Int("lines", len(res.Lines)))
	} else {
		s.logger.Error("training failed", zap.Int("exit_code", res.ExitCode), zap.String("log", res.LogPath))
	}
	return res
}

func (s *Supervisor) runCommand(cmd *exec.Cmd, rec *recorder) error {
	pr, pw, err := os.Pipe()
	if err != nil {
		rec.line(fmt.Sprintf("failed to start trainer: %v", err))
		return err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	s.logger.Info("starting trainer",
		zap.String("dir", cmd.Dir),
		zap.Strings("argv", cmd.Args),
		zap.String("log", rec.res.LogPath),
	)
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		rec.line(fmt.Sprintf("failed to start trainer: %v", err))
		return err
	}
	// The child holds its own copy; ours must go so EOF arrives on exit.
	_ = pw.Close()
	rec.res.PID = cmd.Process.Pid
	if s.onStart != nil {
		s.onStart(cmd.Process.Pid)
	}

	if err := rec.drain(pr); err != nil {
		s.logger.Error("error reading trainer output", zap.Error(err))
	}
	_ = pr.Close()

	waitErr := cmd.Wait()
	rec.res.ExitCode = exitCode(cmd.ProcessState)
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			s.logger.Error("waiting for trainer failed", zap.Error(waitErr))
			return waitErr
		}
	}
	return nil
}

// command resolves the executable and environment for one run.
func (s *Supervisor) command(ctx context.Context, args []string) (*exec.Cmd, error) {
	name := s.cfg.Command[0]
	if s.cfg.Venv != "" && !strings.ContainsRune(name, filepath.Separator) {
		candidate := filepath.Join(s.cfg.Venv, "bin", name)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			name = candidate
		}
	}
	if s.cfg.Dir != "" {
		if st, err := os.Stat(s.cfg.Dir); err != nil || !st.IsDir() {
			return nil, fmt.Errorf("trainer dir %s is not a directory", s.cfg.Dir)
		}
	}

	argv := append(append([]string(nil), s.cfg.Command[1:]...), args...)
	cmd := exec.CommandContext(ctx, name, argv...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = s.environ()
	return cmd, nil
}

func (s *Supervisor) environ() []string {
	env := append(os.Environ(), s.cfg.Env...)
	if s.cfg.Venv == "" {
		return env
	}
	bin := filepath.Join(s.cfg.Venv, "bin")
	path := lookupEnv(env, "PATH")
	if path != "" {
		path = bin + string(os.PathListSeparator) + path
	} else {
		path = bin
	}
	env = setEnv(env, "PATH", path)
	env = setEnv(env, "VIRTUAL_ENV", s.cfg.Venv)
	return unsetEnv(env, "PYTHONHOME")
}

// exitCode maps a finished command to a shell-style code: the exit status,
// or 128+signal when the child was killed.
func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// recorder fans one line out to the three log views.
type recorder struct {
	file     *os.File
	logger   *zap.Logger
	res      *Result
	writeErr error
}

func (r *recorder) line(raw string) {
	line := strings.TrimRight(raw, " \t\r\n")
	r.res.Lines = append(r.res.Lines, line)

	// Unbuffered file writes: a crash leaves the log complete up to here.
	if _, err := r.file.WriteString(line + "\n"); err != nil && r.writeErr == nil {
		r.writeErr = err
		r.logger.Error("failed to write training log", zap.String("path", r.res.LogPath), zap.Error(err))
	}
	r.logger.Info(line, zap.String("source", "trainer"))
}

// drain reads until EOF. Lines have no length limit.
func (r *recorder) drain(rd io.Reader) error {
	br := bufio.NewReader(rd)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			r.line(line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// createLogFile opens training_<unix>.log exclusively, adding _1, _2, ...
// when a run in the same second already took the name.
func createLogFile(dir string, started time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	base := fmt.Sprintf("training_%d", started.Unix())
	for i := 0; i < 1000; i++ {
		name := base + ".log"
		if i > 0 {
			name = fmt.Sprintf("%s_%d.log", base, i)
		}
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no free log file name for %s in %s", base, dir)
}

func lookupEnv(env []string, key string) string {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return env[i][len(prefix):]
		}
	}
	return ""
}

func setEnv(env []string, key, value string) []string {
	return append(unsetEnv(env, key), key+"="+value)
}

func unsetEnv(env []string, key string) []string {
	prefix := key + "="
	out := env[:0:0]
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return out
}
