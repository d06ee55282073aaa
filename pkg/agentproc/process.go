package agentproc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/ids"
)

// killGrace is how long Process waits after SIGTERM before escalating
// to SIGKILL.
const killGrace = 10 * time.Second

// Process is the default NodeRunner: it spawns the node binary as a
// child process and polls its local HTTP status webhook for readiness.
// Teardown is signal-based since the node binary has no
// graceful-shutdown RPC of its own.
type Process struct {
	binPath string
	workDir string
	keyFile string
	status  StatusPoller

	mu  sync.Mutex
	cmd *exec.Cmd
}

// StatusPoller abstracts polling the node's own /status webhook so tests
// can substitute a fake without spawning a real binary.
type StatusPoller interface {
	WaitStarted(ctx context.Context, restPort int) error
}

// NewProcess builds a Process that spawns binPath inside workDir.
func NewProcess(binPath, workDir string, status StatusPoller) *Process {
	return &Process{binPath: binPath, workDir: workDir, status: status}
}

// SetPrivateKeyFile records the locally held key file passed to the
// node for PrivateKeyLocal targets.
func (p *Process) SetPrivateKeyFile(path string) { p.keyFile = path }

// Start implements NodeRunner.
func (p *Process) Start(ctx context.Context, env ids.EnvID, spec agentstate.NodeStateSpec, ports agentstate.PortConfig, peers map[ids.AgentID]string) error {
	if err := p.Stop(ctx); err != nil {
		return fmt.Errorf("agentproc: stop previous node before respawn: %w", err)
	}
	if !spec.Online {
		return nil
	}

	args := buildArgs(spec, ports, peers, p.keyFile)
	cmd := exec.Command(p.binPath, args...)
	cmd.Dir = p.workDir
	cmd.Env = append(os.Environ(), "SNOPS_ENV="+string(env))
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("agentproc: spawn node process: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	if p.status != nil {
		if err := p.status.WaitStarted(ctx, ports.Rest); err != nil {
			_ = p.Stop(context.Background())
			return fmt.Errorf("agentproc: node did not report started: %w", err)
		}
	}
	return nil
}

// Stop implements NodeRunner: SIGTERM, wait killGrace, then SIGKILL.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd := p.cmd
	p.cmd = nil
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if err := cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
			return err
		}
		<-done
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(killGrace):
		_ = cmd.Process.Kill()
		<-done
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return ctx.Err()
	}
}

// Running implements NodeRunner.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil
}

// buildArgs computes the node binary's CLI flags from a NodeStateSpec,
// resolving each Internal peer/validator through the already-resolved
// peers map (built by Reconciler.resolvePeers) and passing External
// peers through as-is.
func buildArgs(spec agentstate.NodeStateSpec, ports agentstate.PortConfig, peers map[ids.AgentID]string, keyFile string) []string {
	args := []string{
		"--bft", strconv.Itoa(ports.BFT),
		"--node", strconv.Itoa(ports.Node),
		"--rest", strconv.Itoa(ports.Rest),
		"--metrics", strconv.Itoa(ports.Metrics),
	}
	if spec.HeightRequest != nil {
		args = append(args, "--height", strconv.FormatUint(*spec.HeightRequest, 10))
	}
	switch spec.PrivateKey.Mode {
	case agentstate.PrivateKeyLiteral:
		args = append(args, "--private-key", spec.PrivateKey.Literal)
	case agentstate.PrivateKeyLocal:
		// Reconciler rejects PrivateKeyLocal targets before Start when
		// no key file is configured.
		args = append(args, "--private-key-file", keyFile)
	}
	for _, p := range spec.Peers {
		if addr := peerAddr(p, peers); addr != "" {
			args = append(args, "--peer", addr)
		}
	}
	for _, v := range spec.Validators {
		if addr := peerAddr(v, peers); addr != "" {
			args = append(args, "--validator", addr)
		}
	}
	return args
}

func peerAddr(p agentstate.AgentPeer, resolved map[ids.AgentID]string) string {
	if p.Kind == agentstate.PeerExternal {
		return p.Addr
	}
	return resolved[p.Agent]
}

// backoffForPoll returns the retry schedule status polling uses while
// waiting for a freshly spawned node to come up.
func backoffForPoll() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}
