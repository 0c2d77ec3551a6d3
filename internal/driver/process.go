package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"aistudio2api-go/internal/credential"
	"aistudio2api-go/internal/monitoring"

	log "github.com/sirupsen/logrus"
)

const stopTimeout = 5 * time.Second

// CredentialReader is the part of the credential pool the driver needs.
type CredentialReader interface {
	Get(ctx context.Context, index int) (*credential.Credential, error)
}

// ConnectionWaiter is the part of the bridge registry the driver needs to
// know when a freshly launched worker is ready.
type ConnectionWaiter interface {
	ConnectSeq() uint64
	WaitForConnection(ctx context.Context, after uint64) error
}

// ProcessConfig describes the external launcher.
type ProcessConfig struct {
	LauncherPath          string
	BrowserExecutablePath string
	ScriptPath            string
	WSURL                 string
	ReadyTimeout          time.Duration
}

type process struct {
	cmd       *exec.Cmd
	index     int
	stateFile string
	output    io.Closer
	exited    chan struct{}
	stopping  atomic.Bool
}

// ProcessDriver runs one launcher process per session. The launcher receives
// the credential as a storage-state file and starts a worker that connects
// back to the bridge.
type ProcessDriver struct {
	cfg      ProcessConfig
	creds    CredentialReader
	bridge   ConnectionWaiter
	stateDir string
	lost     chan struct{}

	// current is readable while mu is held across a launch.
	current atomic.Int64

	mu   sync.Mutex
	proc *process
}

func NewProcessDriver(cfg ProcessConfig, creds CredentialReader, bridge ConnectionWaiter) (*ProcessDriver, error) {
	if cfg.LauncherPath == "" {
		return nil, errors.New("launcher path is required")
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 60 * time.Second
	}
	dir, err := os.MkdirTemp("", "aistudio2api-state-")
	if err != nil {
		return nil, fmt.Errorf("create storage state dir: %w", err)
	}
	return &ProcessDriver{
		cfg:      cfg,
		creds:    creds,
		bridge:   bridge,
		stateDir: dir,
		lost:     make(chan struct{}, 1),
	}, nil
}

func (d *ProcessDriver) CurrentIndex() int { return int(d.current.Load()) }

func (d *ProcessDriver) Lost() <-chan struct{} { return d.lost }

// SwitchContext replaces the running session with one for index.
func (d *ProcessDriver) SwitchContext(ctx context.Context, index int) error {
	from := d.CurrentIndex()
	log.WithFields(log.Fields{"from": from, "to": index}).Info("switching worker session")
	if err := d.Launch(ctx, index); err != nil {
		return err
	}
	log.WithField("auth_index", index).Info("worker session switched")
	return nil
}

// Launch stops any running session and starts one for index. It returns
// once the new worker has connected to the bridge.
func (d *ProcessDriver) Launch(ctx context.Context, index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cred, err := d.creds.Get(ctx, index)
	if err != nil {
		return fmt.Errorf("load credential %d: %w", index, err)
	}
	state, _, err := NormalizeStorageState(cred.Payload)
	if err != nil {
		return err
	}
	stateFile, err := writeStateFile(d.stateDir, index, state)
	if err != nil {
		return err
	}

	if d.proc != nil {
		d.stopLocked(d.proc)
		d.proc = nil
	}

	seq := d.bridge.ConnectSeq()
	p, err := d.start(index, stateFile)
	if err != nil {
		_ = os.Remove(stateFile)
		return err
	}

	readyCtx, cancel := context.WithTimeout(ctx, d.cfg.ReadyTimeout)
	defer cancel()
	ready := make(chan error, 1)
	go func() { ready <- d.bridge.WaitForConnection(readyCtx, seq) }()

	select {
	case err := <-ready:
		if err != nil {
			d.stopLocked(p)
			return fmt.Errorf("worker for credential %d not ready: %w", index, err)
		}
	case <-p.exited:
		cancel()
		d.stopLocked(p)
		return fmt.Errorf("launcher for credential %d exited before the worker connected", index)
	}

	d.proc = p
	d.current.Store(int64(index))
	monitoring.ActiveCredential.Set(float64(index))
	return nil
}

func (d *ProcessDriver) start(index int, stateFile string) (*process, error) {
	args := []string{
		"--auth-index", strconv.Itoa(index),
		"--storage-state", stateFile,
		"--ws-url", d.cfg.WSURL,
	}
	if d.cfg.ScriptPath != "" {
		args = append(args, "--script", d.cfg.ScriptPath)
	}
	cmd := exec.Command(d.cfg.LauncherPath, args...)
	cmd.Env = os.Environ()
	if d.cfg.BrowserExecutablePath != "" {
		cmd.Env = append(cmd.Env, "CAMOUFOX_EXECUTABLE_PATH="+d.cfg.BrowserExecutablePath)
	}
	output := log.WithFields(log.Fields{"component": "launcher", "auth_index": index}).WriterLevel(log.InfoLevel)
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		_ = output.Close()
		return nil, fmt.Errorf("start launcher: %w", err)
	}
	p := &process{
		cmd:       cmd,
		index:     index,
		stateFile: stateFile,
		output:    output,
		exited:    make(chan struct{}),
	}
	log.WithFields(log.Fields{"auth_index": index, "pid": cmd.Process.Pid}).Info("launcher started")

	go d.watch(p)
	return p, nil
}

func writeStateFile(dir string, index int, state []byte) (string, error) {
	f, err := os.CreateTemp(dir, fmt.Sprintf("auth-%d-*.json", index))
	if err != nil {
		return "", fmt.Errorf("create storage state: %w", err)
	}
	if _, err := f.Write(state); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write storage state: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write storage state: %w", err)
	}
	return filepath.Clean(f.Name()), nil
}

// watch reaps p and reports unexpected exits on Lost.
func (d *ProcessDriver) watch(p *process) {
	err := p.cmd.Wait()
	close(p.exited)
	_ = p.output.Close()
	if p.stopping.Load() {
		return
	}
	log.WithError(err).WithField("auth_index", p.index).Error("launcher exited unexpectedly, worker session lost")
	select {
	case d.lost <- struct{}{}:
	default:
	}
}

func (d *ProcessDriver) stopLocked(p *process) {
	p.stopping.Store(true)
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.exited:
	case <-time.After(stopTimeout):
		log.WithField("auth_index", p.index).Warn("launcher did not stop in time, killing")
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	_ = os.Remove(p.stateFile)
}

// Close stops the running session and removes written storage states.
func (d *ProcessDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proc != nil {
		d.stopLocked(d.proc)
		d.proc = nil
	}
	return os.RemoveAll(d.stateDir)
}
