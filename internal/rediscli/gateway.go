// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package rediscli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/EclipseFdn/open-vsx.org/internal/config"
	"github.com/EclipseFdn/open-vsx.org/internal/metrics"
)

const (
	kindNode    = "node"
	kindCluster = "cluster"

	authEnvVar = "REDISCLI_AUTH"
)

// execCommand is replaced in tests.
var execCommand = exec.CommandContext

// Gateway is the only way the operator talks to Redis. Plain node commands go through
// go-redis, "--cluster" administration goes through the redis-cli binary. Both share a
// bounded pool so the number of blocking calls in flight is capped across all clusters.
type Gateway struct {
	cliPath     string
	credentials config.Credentials
	cfg         config.RedisConfig
	slots       chan struct{}
	metrics     *metrics.MetricsManager
	log         logr.Logger

	newClient func(opts *redis.Options) *redis.Client
}

// NewGateway creates a Gateway. Credentials are captured once and never re-read.
func NewGateway(cfg config.RedisConfig, creds config.Credentials, mm *metrics.MetricsManager, log logr.Logger) *Gateway {
	size := cfg.MaxConcurrentCommands
	if size < 1 {
		size = config.DefaultMaxConcurrentCommands
	}
	return &Gateway{
		cliPath:     cfg.CLIPath,
		credentials: creds,
		cfg:         cfg,
		slots:       make(chan struct{}, size),
		metrics:     mm,
		log:         log,
		newClient:   redis.NewClient,
	}
}

// Node sends a single command to the Redis node listening on addr and returns its reply as text.
func (g *Gateway) Node(ctx context.Context, addr string, args ...string) (string, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	ctx, cancel := g.commandContext(ctx)
	defer cancel()

	g.log.V(1).Info("Running node command", "addr", addr, "command", strings.Join(args, " "))

	client := g.newClient(&redis.Options{
		Addr:       addr,
		Username:   g.credentials.Username,
		Password:   g.credentials.Password,
		MaxRetries: -1,
	})
	defer client.Close()

	cmdArgs := make([]interface{}, len(args))
	for i, a := range args {
		cmdArgs[i] = a
	}
	out, err := client.Do(ctx, cmdArgs...).Text()
	g.metrics.IncCommand(kindNode, err)
	if err != nil {
		return "", fmt.Errorf("redis node %s: %s: %w", addr, strings.Join(args, " "), err)
	}
	return out, nil
}

// Cluster runs "redis-cli --cluster <args...>". The combined output is returned even when the
// tool exits with a non-zero code, together with a *CommandError.
func (g *Gateway) Cluster(ctx context.Context, args ...string) (string, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	ctx, cancel := g.commandContext(ctx)
	defer cancel()

	argv := make([]string, 0, len(args)+3)
	if g.credentials.Username != "" {
		argv = append(argv, "--user", g.credentials.Username)
	}
	argv = append(argv, "--cluster")
	argv = append(argv, args...)

	g.log.V(1).Info("Running redis-cli", "command", strings.Join(argv, " "))

	cmd := execCommand(ctx, g.cliPath, argv...)
	cmd.Env = cmd.Environ()
	if g.credentials.Password != "" {
		cmd.Env = append(cmd.Env, authEnvVar+"="+g.credentials.Password)
	}

	output, err := cmd.CombinedOutput()
	out := string(output)
	if err != nil {
		err = g.classify(ctx, argv, cmd, out, err)
	}
	g.metrics.IncCommand(kindCluster, err)

	return strings.TrimSpace(out), err
}

func (g *Gateway) classify(ctx context.Context, argv []string, cmd *exec.Cmd, out string, err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		g.log.Error(err, "Cannot run redis-cli", "path", g.cliPath)
		return fmt.Errorf("%w: %w", ErrToolMissing, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("redis-cli command canceled or timed out: %w", ctx.Err())
	}

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	g.log.V(1).Info("redis-cli exited with errors", "command", strings.Join(argv, " "), "exitCode", exitCode, "output", out)

	return &CommandError{Args: argv, ExitCode: exitCode, Output: out}
}

func (g *Gateway) acquire(ctx context.Context) (func(), error) {
	select {
	case g.slots <- struct{}{}:
		return func() { <-g.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.CommandTimeout > 0 {
		return context.WithTimeout(ctx, g.cfg.CommandTimeout)
	}
	return context.WithCancel(ctx)
}
