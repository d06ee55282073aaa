// Command agent runs one snops worker agent: it dials the control
// plane's /agent WebSocket, handshakes, and drives a local blockchain
// node process to whatever target state the control plane assigns,
// reconnecting with backoff whenever the channel drops.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/joho/godotenv"

	"github.com/snopsgo/snops/pkg/agentproc"
	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/config"
	"github.com/snopsgo/snops/pkg/rpc"
	"github.com/snopsgo/snops/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("SNOPS_AGENT_CONFIG", ""), "Path to a YAML agent config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		slog.Error("failed to load agent configuration", "error", err)
		os.Exit(1)
	}

	level := new(slog.LevelVar)
	level.Set(parseLogLevel(cfg.LogLevel))
	if override := config.LogLevelFilter("SNOPS_AGENT_LOG"); override != "" {
		level.Set(parseLogLevel(override))
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Error("failed to create work dir", "path", cfg.WorkDir, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ports := agentstate.DefaultPortConfig()
	storage := agentproc.NewLocalStorage(filepath.Join(cfg.WorkDir, "storage"))
	poller := agentproc.NewHTTPStatusPoller()
	runner := agentproc.NewProcess(cfg.BinaryPath, cfg.WorkDir, poller)
	runner.SetPrivateKeyFile(cfg.PrivateKeyFile)

	var killed atomic.Bool

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry forever until ctx is cancelled

	for {
		if ctx.Err() != nil {
			break
		}
		if killed.Load() {
			break
		}

		if err := runOnce(ctx, cfg, ports, runner, storage, &killed, level, log); err != nil {
			log.Warn("agent connection ended, reconnecting", "error", err)
			select {
			case <-time.After(b.NextBackOff()):
			case <-ctx.Done():
			}
			continue
		}
		b.Reset()
	}

	if killed.Load() {
		log.Info("agent terminated by kill RPC")
		os.Exit(0)
	}
	// Any other exit path (operator signal included) is intentionally
	// non-zero: exit 0 is reserved for the kill RPC alone.
	log.Info("agent shutting down", "reason", ctx.Err())
	os.Exit(1)
}

// runOnce dials the control plane once, handshakes, and serves the
// channel until it closes: one lap of the connect/handshake/reconnect
// loop per call.
func runOnce(ctx context.Context, cfg *config.AgentConfig, ports agentstate.PortConfig, runner *agentproc.Process, storage *agentproc.LocalStorage, killed *atomic.Bool, level *slog.LevelVar, log *slog.Logger) error {
	wsConn, _, err := websocket.Dial(ctx, cfg.ControlURL, nil)
	if err != nil {
		return err
	}
	defer wsConn.CloseNow()

	if _, _, err := wsConn.Read(ctx); err != nil {
		return err
	}

	transport := rpc.NewWebSocketTransport(wsConn)
	conn := rpc.New(transport, log)

	reconciler := agentproc.New(cfg.AgentID, conn, runner, storage, ports, log)
	reconciler.SetSnarkosClient(agentproc.NewHTTPSnarkosClient(ports.Rest, ports.Metrics))
	reconciler.SetAuthorizer(agentproc.NewCommandAuthorizer(cfg.BinaryPath, cfg.WorkDir))
	reconciler.SetLogLevel(level)
	reconciler.SetNetwork(string(cfg.Network))
	reconciler.SetLocalAddrs("", localInternalAddrs())
	reconciler.SetLocalPrivateKey(cfg.PrivateKeyFile != "")
	conn.SetControlHandler(func(ctx context.Context, method string, body json.RawMessage) (any, error) {
		result, err := reconciler.Handle(ctx, method, body)
		if method == rpc.MethodKill && err == nil {
			killed.Store(true)
		}
		return result, err
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- conn.Serve(ctx) }()

	hsCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	payload := rpc.HandshakePayload{
		ID:       string(cfg.AgentID),
		Mode:     string(cfg.Mode),
		LocalPK:  cfg.PrivateKeyFile != "",
		Labels:   cfg.Labels,
		Internal: localInternalAddrs(),
		JWT:      cfg.JWT,
		State:    reconciler.Current(),
		Version:  version.Semver,
	}
	var result rpc.HandshakeResult
	err = conn.CallControlService(hsCtx, rpc.MethodHandshake, payload, &result)
	cancel()
	if err != nil {
		_ = conn.Close("handshake failed")
		<-serveErr
		return err
	}
	cfg.JWT = result.JWT
	log.Info("handshake succeeded", "agent_id", cfg.AgentID)

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		_ = conn.Close("shutting down")
		<-serveErr
		return ctx.Err()
	}
}

// localInternalAddrs reports this host's non-loopback IPv4 addresses,
// the "internal" address set an agent reports at handshake time.
func localInternalAddrs() []string {
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			out = append(out, v4.String())
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
