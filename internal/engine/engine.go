// Package engine manages the scoped resource formed by one spawned
// proxy-engine child process together with its ephemeral loopback port and
// temporary config file (spec.md §9 design note: "model as a single
// acquire/release unit with guaranteed cleanup on every exit path").
package engine

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrBinaryNotFound is returned by Locate when the configured binary name
// cannot be resolved on PATH.
var ErrBinaryNotFound = fmt.Errorf("engine binary not found")

// Locate resolves the engine binary name on PATH, mirroring shutil.which.
func Locate(binName string) (string, bool) {
	path, err := exec.LookPath(binName)
	if err != nil {
		return "", false
	}
	return path, true
}

// FreePort reserves an ephemeral loopback TCP port by binding then
// releasing it immediately, so the returned number is free for the caller
// to reuse for its own listener.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Session is one running engine child process plus the resources it owns.
// Callers must call Release exactly once, typically via defer immediately
// after a successful Start.
type Session struct {
	SocksPort  int
	configPath string
	cmd        *exec.Cmd
	stderr     *limitedBuffer

	mu       sync.Mutex
	exited   bool
	exitErr  error
	waitDone chan struct{}
}

// Start writes config to a fresh temp file and spawns
// `<binPath> run -config <path>`, returning a Session. The child's stderr
// is captured into a bounded ring so an early exit can report up to 240
// characters of diagnostic output. A background goroutine reaps the
// process so ExitedEarly never blocks.
func Start(binPath string, socksPort int, config map[string]any) (*Session, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal engine config: %w", err)
	}

	file, err := os.CreateTemp("", "stablepool-*.json")
	if err != nil {
		return nil, fmt.Errorf("create temp config: %w", err)
	}
	configPath := file.Name()
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(configPath)
		return nil, fmt.Errorf("write temp config: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(configPath)
		return nil, fmt.Errorf("close temp config: %w", err)
	}

	stderr := newLimitedBuffer(240)
	cmd := exec.Command(binPath, "run", "-config", configPath)
	cmd.Stderr = stderr
	cmd.Stdout = nil

	if err := cmd.Start(); err != nil {
		os.Remove(configPath)
		return nil, fmt.Errorf("start engine: %w", err)
	}

	s := &Session{
		SocksPort:  socksPort,
		configPath: configPath,
		cmd:        cmd,
		stderr:     stderr,
		waitDone:   make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.exited = true
		s.exitErr = err
		s.mu.Unlock()
		close(s.waitDone)
	}()

	return s, nil
}

// ExitedEarly reports whether the child has already exited, and if so the
// clipped stderr it produced. Safe to call any number of times.
func (s *Session) ExitedEarly() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exited {
		return false, ""
	}
	msg := s.stderr.String()
	if msg == "" {
		msg = "no stderr"
	}
	return true, msg
}

// Release terminates the child gracefully, escalating to a kill after a
// short grace period, then removes the temporary config file. Safe to call
// more than once.
func (s *Session) Release() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		select {
		case <-s.waitDone:
		case <-time.After(2 * time.Second):
			_ = s.cmd.Process.Kill()
			<-s.waitDone
		}
	}
	if s.configPath != "" {
		_ = os.Remove(s.configPath)
		s.configPath = ""
	}
}

// limitedBuffer keeps at most n bytes of the most recent writes.
type limitedBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
