// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/EclipseFdn/open-vsx.org/internal/cluster"
	"github.com/EclipseFdn/open-vsx.org/internal/metrics"
	"github.com/EclipseFdn/open-vsx.org/internal/rediscli"
)

// Operation names, used as log values and metric labels.
const (
	OperationCreate    = "create"
	OperationScaleUp   = "scale-up"
	OperationScaleDown = "scale-down"
	OperationRebalance = "rebalance"
)

// Conditions polled by the engine.
const (
	conditionReachable       = "reachable"
	conditionHealthy         = "healthy"
	conditionNodeKnown       = "node-known"
	conditionReshardComplete = "reshard-complete"
	conditionNodeDeleted     = "node-deleted"
)

const rebalanceErrorMarker = " ERR "

// rebalanceThresholdPercent matches the default threshold of "redis-cli --cluster rebalance".
const rebalanceThresholdPercent = 2

var errRebalanceGaveUp = errors.New("rebalance still failing after all attempts")

// Resolver maps the ordinals of one Redis cluster to network addresses.
type Resolver interface {
	// Name identifies the cluster in logs.
	Name() string
	// Address returns the stable "host:port" of the node at ordinal.
	Address(ordinal int) string
	// ResolveIP returns "ip:port" for the node at ordinal.
	ResolveIP(ctx context.Context, ordinal int) (string, error)
}

// Engine drives membership, role and slot changes of Redis clusters. It keeps no state between
// calls: every step starts by probing the live cluster, so an interrupted operation is resumed
// by calling it again with the same arguments.
type Engine struct {
	cmd               cluster.Commander
	prober            *cluster.Prober
	waiter            *cluster.Waiter
	metrics           *metrics.MetricsManager
	log               logr.Logger
	rebalanceAttempts int
}

func NewEngine(cmd cluster.Commander, waiter *cluster.Waiter, rebalanceAttempts int, mm *metrics.MetricsManager, log logr.Logger) *Engine {
	return &Engine{
		cmd:               cmd,
		prober:            cluster.NewProber(cmd, log.WithName("prober")),
		waiter:            waiter,
		metrics:           mm,
		log:               log,
		rebalanceAttempts: rebalanceAttempts,
	}
}

func (e *Engine) run(ctx context.Context, r Resolver, operation string, fn func(ctx context.Context, log logr.Logger) error) error {
	log := e.log.WithValues("cluster", r.Name(), "operation", operation, "operation-id", uuid.NewString())
	start := time.Now()

	err := fn(ctx, log)

	e.metrics.ObserveOperation(operation, start, err)
	if err != nil {
		log.Error(err, "Topology operation failed")
		return err
	}
	log.Info("Topology operation finished", "duration", time.Since(start).String())
	return nil
}

// CreateCluster waits for the first size nodes and creates a cluster with one replica per master.
// Nothing is done when the last node already belongs to a cluster.
func (e *Engine) CreateCluster(ctx context.Context, r Resolver, size int) error {
	return e.run(ctx, r, OperationCreate, func(ctx context.Context, log logr.Logger) error {
		if size < 1 {
			return fmt.Errorf("cannot create a cluster of %d nodes", size)
		}
		log.Info("Creating Redis cluster", "size", size)
		for i := 0; i < size; i++ {
			if err := e.waitReachable(ctx, log, r, i); err != nil {
				return err
			}
		}

		isNew, err := e.prober.IsNewNode(ctx, r.Address(size-1))
		if err != nil {
			return err
		}
		if !isNew {
			log.Info("Cluster already exists, skipping creation")
			return nil
		}

		addrs := make([]string, size)
		for i := range addrs {
			addrs[i] = r.Address(i)
		}
		if _, err := e.cmd.Cluster(ctx, rediscli.Create(addrs, 1)...); err != nil {
			return fmt.Errorf("creating cluster: %w", err)
		}

		if err := e.waitAllHealthy(ctx, log, r, size); err != nil {
			return err
		}
		log.Info("Created Redis cluster")
		return nil
	})
}

// WaitReachable blocks until the node at ordinal answers PING.
func (e *Engine) WaitReachable(ctx context.Context, r Resolver, ordinal int) error {
	return e.waitReachable(ctx, e.log.WithValues("cluster", r.Name()), r, ordinal)
}

// Rebalance spreads slots over every master, empty ones included, contacting the cluster through addr.
func (e *Engine) Rebalance(ctx context.Context, r Resolver, addr string) error {
	return e.run(ctx, r, OperationRebalance, func(ctx context.Context, log logr.Logger) error {
		return e.rebalance(ctx, log, addr)
	})
}

// rebalance retries a failing rebalance after a cluster fix. Once the attempts are exhausted
// it gives up without failing the caller.
func (e *Engine) rebalance(ctx context.Context, log logr.Logger, addr string) error {
	for attempt := 1; attempt <= e.rebalanceAttempts; attempt++ {
		out, err := e.cmd.Cluster(ctx, rediscli.Rebalance(addr)...)
		if rediscli.IsInfrastructure(err) {
			return err
		}
		if err == nil && !strings.Contains(out, rebalanceErrorMarker) {
			e.metrics.IncRebalance(metrics.ResultOK)
			log.Info("Rebalanced Redis cluster", "addr", addr, "attempt", attempt)
			return nil
		}

		e.metrics.IncRebalance(metrics.ResultError)
		log.Info("Rebalance reported an error, fixing cluster", "addr", addr, "attempt", attempt)
		if _, err := e.cmd.Cluster(ctx, rediscli.Fix(addr)...); rediscli.IsInfrastructure(err) {
			return err
		}
	}

	e.metrics.IncRebalance(metrics.ResultGaveUp)
	log.Error(errRebalanceGaveUp, "Giving up on rebalance, cluster may be unbalanced", "addr", addr, "attempts", e.rebalanceAttempts)
	return nil
}

func (e *Engine) waitReachable(ctx context.Context, log logr.Logger, r Resolver, ordinal int) error {
	addr := r.Address(ordinal)
	log.Info("Waiting for Redis node to be reachable", "node", addr)
	if err := e.waiter.Until(ctx, conditionReachable, func(ctx context.Context) (bool, error) {
		return e.prober.Ping(ctx, addr)
	}); err != nil {
		return err
	}
	log.V(1).Info("Redis node is reachable", "node", addr)
	return nil
}

func (e *Engine) waitHealthy(ctx context.Context, log logr.Logger, addr string) error {
	log.V(1).Info("Waiting for Redis cluster to stabilize", "node", addr)
	return e.waiter.Until(ctx, conditionHealthy, func(ctx context.Context) (bool, error) {
		health, err := e.prober.Health(ctx, addr)
		return health.Healthy(), err
	})
}

// waitAllHealthy waits until every node with an ordinal lower than n sees a healthy cluster.
func (e *Engine) waitAllHealthy(ctx context.Context, log logr.Logger, r Resolver, n int) error {
	log.Info("Waiting for Redis cluster to stabilize", "nodes", n)
	for i := 0; i < n; i++ {
		if err := e.waitHealthy(ctx, log, r.Address(i)); err != nil {
			return err
		}
	}
	return nil
}
