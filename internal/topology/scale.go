// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/EclipseFdn/open-vsx.org/internal/cluster"
	"github.com/EclipseFdn/open-vsx.org/internal/rediscli"
)

// ScaleUp joins the nodes with ordinals in [oldSize, newSize) one at a time. Each node becomes
// the replica of the first master that has none, or else a new master that claims a share of
// the slots through a rebalance.
func (e *Engine) ScaleUp(ctx context.Context, r Resolver, oldSize, newSize int) error {
	return e.run(ctx, r, OperationScaleUp, func(ctx context.Context, log logr.Logger) error {
		log.Info("Adding nodes to Redis cluster", "count", newSize-oldSize)
		for i := oldSize; i < newSize; i++ {
			if err := e.addNode(ctx, log, r, i); err != nil {
				return err
			}
		}
		return e.waitAllHealthy(ctx, log, r, newSize)
	})
}

func (e *Engine) addNode(ctx context.Context, log logr.Logger, r Resolver, ordinal int) error {
	if err := e.waitReachable(ctx, log, r, ordinal); err != nil {
		return err
	}
	addr := r.Address(ordinal)
	log = log.WithValues("node", addr)

	isNew, err := e.prober.IsNewNode(ctx, addr)
	if err != nil {
		return err
	}
	if !isNew {
		pending, err := e.awaitingRole(ctx, addr)
		if err != nil {
			return err
		}
		if !pending {
			log.Info("Node is a known Redis node, skipping")
			return nil
		}
		log.Info("Node joined without a role, resuming")
	}

	newIP, err := r.ResolveIP(ctx, ordinal)
	if err != nil {
		return err
	}
	if isNew {
		seedIP, err := r.ResolveIP(ctx, 0)
		if err != nil {
			return err
		}
		if _, err := e.cmd.Cluster(ctx, rediscli.AddNode(newIP, seedIP)...); err != nil {
			return fmt.Errorf("adding node %s: %w", addr, err)
		}
	}

	// the node must be seen as part of a healthy cluster from itself and every lower ordinal
	for i := 0; i <= ordinal; i++ {
		log.Info("Waiting for Redis node to be added", "from", r.Address(i))
		if err := e.waitHealthy(ctx, log, r.Address(i)); err != nil {
			return err
		}
	}

	myID, err := e.waitKnown(ctx, log, r, ordinal)
	if err != nil {
		return err
	}

	masterID, found, err := e.prober.MasterWithoutReplica(ctx, r.Address(0), myID)
	if err != nil {
		return err
	}
	if found {
		if _, err := e.cmd.Node(ctx, addr, "CLUSTER", "REPLICATE", masterID); err != nil {
			return fmt.Errorf("replicating %s from %s: %w", masterID, addr, err)
		}
		log.Info("Added replica to Redis cluster", "master", masterID)
		return nil
	}

	if err := e.rebalance(ctx, log, newIP); err != nil {
		return err
	}
	log.Info("Added master to Redis cluster")
	return nil
}

// awaitingRole is true for a node that joined the cluster but is still an empty master,
// which only happens when a previous run stopped between the join and the role assignment.
func (e *Engine) awaitingRole(ctx context.Context, addr string) (bool, error) {
	self, ok, err := e.prober.Self(ctx, addr)
	if err != nil || !ok {
		return false, err
	}
	return self.IsMaster() && self.SlotCount == 0, nil
}

// waitKnown waits until the node at ordinal is listed by every lower ordinal and returns its id.
func (e *Engine) waitKnown(ctx context.Context, log logr.Logger, r Resolver, ordinal int) (string, error) {
	myID, err := e.prober.MyID(ctx, r.Address(ordinal))
	if err != nil {
		return "", err
	}
	log.V(1).Info("Searching for node id", "id", myID)

	for i := 0; i < ordinal; i++ {
		other := r.Address(i)
		if err := e.waiter.Until(ctx, conditionNodeKnown, func(ctx context.Context) (bool, error) {
			return e.prober.Knows(ctx, other, myID)
		}); err != nil {
			return "", err
		}
		log.V(1).Info("Node is known", "found", i+1, "expected", ordinal)
	}
	return myID, nil
}

// ScaleDown removes the nodes with ordinals in [newSize, oldSize), highest first. Departing
// masters are evacuated into the remaining masters before any node is removed.
func (e *Engine) ScaleDown(ctx context.Context, r Resolver, oldSize, newSize int) error {
	return e.run(ctx, r, OperationScaleDown, func(ctx context.Context, log logr.Logger) error {
		if newSize >= oldSize {
			return nil
		}
		log.Info("Removing nodes from Redis cluster", "count", oldSize-newSize)

		resharded, err := e.evacuate(ctx, log, r, oldSize, newSize)
		if err != nil {
			return err
		}

		// a previous run may have stopped between the evacuation and the rebalance
		balanced, err := e.prober.SlotsBalanced(ctx, r.Address(0), rebalanceThresholdPercent)
		if err != nil {
			return err
		}
		if resharded > 0 || !balanced {
			log.Info("Rebalancing remaining masters", "resharded", resharded, "balanced", balanced)
			if err := e.waitMembersHealthy(ctx, log, r, oldSize, newSize); err != nil {
				return err
			}
			seedIP, err := r.ResolveIP(ctx, 0)
			if err != nil {
				return err
			}
			if err := e.rebalance(ctx, log, seedIP); err != nil {
				return err
			}
			if err := e.waitMembersHealthy(ctx, log, r, oldSize, newSize); err != nil {
				return err
			}
		}

		for i := oldSize - 1; i >= newSize; i-- {
			if err := e.removeNode(ctx, log, r, i); err != nil {
				return err
			}
		}
		return e.waitAllHealthy(ctx, log, r, newSize)
	})
}

// waitMembersHealthy is waitAllHealthy over [0, oldSize) that skips departing nodes which
// already left the cluster.
func (e *Engine) waitMembersHealthy(ctx context.Context, log logr.Logger, r Resolver, oldSize, newSize int) error {
	if err := e.waitAllHealthy(ctx, log, r, newSize); err != nil {
		return err
	}
	for i := newSize; i < oldSize; i++ {
		left, err := e.prober.IsNewNode(ctx, r.Address(i))
		if err != nil {
			return err
		}
		if left {
			continue
		}
		if err := e.waitHealthy(ctx, log, r.Address(i)); err != nil {
			return err
		}
	}
	return nil
}

// evacuate moves every slot of the departing masters to masters that stay and returns the
// number of reshards performed.
func (e *Engine) evacuate(ctx context.Context, log logr.Logger, r Resolver, oldSize, newSize int) (int, error) {
	cursor, resharded := 0, 0
	for i := oldSize - 1; i >= newSize; i-- {
		addr := r.Address(i)
		left, err := e.prober.IsNewNode(ctx, addr)
		if err != nil {
			return resharded, err
		}
		if left {
			log.V(1).Info("Node already left the cluster", "node", addr)
			continue
		}
		if err := e.waitHealthy(ctx, log, addr); err != nil {
			return resharded, err
		}
		id, err := e.prober.MyID(ctx, addr)
		if err != nil {
			return resharded, err
		}
		slots, err := e.prober.MasterSlotCount(ctx, addr, id)
		if err != nil {
			return resharded, err
		}
		if slots == 0 {
			log.V(1).Info("Node owns no slots", "node", addr)
			continue
		}

		to, next, err := e.reshardDestination(ctx, log, r, cursor, newSize)
		if err != nil {
			return resharded, err
		}
		op := cluster.ReshardOperation{FromNodeID: id, ToNodeID: to, SlotCount: slots}
		if err := e.reshard(ctx, log, r, i, oldSize, op); err != nil {
			return resharded, err
		}
		cursor = next
		resharded++
	}
	return resharded, nil
}

// reshardDestination returns the first master among ordinals [0, limit), searching from cursor
// and wrapping around, together with the cursor to use for the next search.
func (e *Engine) reshardDestination(ctx context.Context, log logr.Logger, r Resolver, cursor, limit int) (string, int, error) {
	seed := r.Address(0)
	if err := e.waitHealthy(ctx, log, seed); err != nil {
		return "", 0, err
	}
	report, err := e.prober.Check(ctx, seed)
	if err != nil {
		return "", 0, err
	}

	for n := 0; n < limit; n++ {
		ordinal := (cursor + n) % limit
		targets := []string{r.Address(ordinal)}
		if ip, err := r.ResolveIP(ctx, ordinal); err == nil {
			targets = append(targets, ip)
		} else {
			log.V(1).Info("Could not resolve node, matching by hostname only", "node", r.Address(ordinal), "error", err.Error())
		}
		if id, ok := cluster.ParseMasterIDServing(report, targets...); ok {
			return id, ordinal + 1, nil
		}
	}
	return "", 0, fmt.Errorf("no master left among the first %d nodes", limit)
}

// reshard moves op.SlotCount slots and waits until every node of the cluster sees the source empty.
func (e *Engine) reshard(ctx context.Context, log logr.Logger, r Resolver, ordinal, size int, op cluster.ReshardOperation) error {
	ip, err := r.ResolveIP(ctx, ordinal)
	if err != nil {
		return err
	}
	log.Info("Resharding node", "node", r.Address(ordinal), "from", op.FromNodeID, "to", op.ToNodeID, "slots", op.SlotCount)
	if _, err := e.cmd.Cluster(ctx, rediscli.Reshard(ip, op.FromNodeID, op.ToNodeID, op.SlotCount)...); err != nil {
		return fmt.Errorf("resharding %s: %w", op.FromNodeID, err)
	}

	log.Info("Waiting for Redis reshard command to complete")
	for i := 0; i < size; i++ {
		addr := r.Address(i)
		if err := e.waiter.Until(ctx, conditionReshardComplete, func(ctx context.Context) (bool, error) {
			return e.prober.SlotsDrained(ctx, addr, op.FromNodeID)
		}); err != nil {
			return err
		}
	}
	log.Info("Reshard complete", "node", r.Address(ordinal))
	return nil
}

// removeNode deletes the node at ordinal and waits until every lower ordinal has forgotten it.
func (e *Engine) removeNode(ctx context.Context, log logr.Logger, r Resolver, ordinal int) error {
	addr := r.Address(ordinal)
	log = log.WithValues("node", addr)

	isNew, err := e.prober.IsNewNode(ctx, addr)
	if err != nil {
		return err
	}
	if isNew {
		// removed by a previous run; its data may still be there and the others may still list it
		log.Info("Node already left the cluster")
	} else {
		ip, err := r.ResolveIP(ctx, ordinal)
		if err != nil {
			return err
		}
		id, err := e.prober.MyID(ctx, addr)
		if err != nil {
			return err
		}
		if _, err := e.cmd.Cluster(ctx, rediscli.DelNode(ip, id)...); err != nil {
			return fmt.Errorf("deleting node %s: %w", id, err)
		}
	}
	if err := e.flush(ctx, addr); err != nil {
		return err
	}

	if err := e.waitAllHealthy(ctx, log, r, ordinal); err != nil {
		return err
	}
	for i := 0; i < ordinal; i++ {
		other := r.Address(i)
		if err := e.waiter.Until(ctx, conditionNodeDeleted, func(ctx context.Context) (bool, error) {
			count, err := e.prober.NodeCount(ctx, other)
			log.V(1).Info("Node deleted?", "from", other, "expected", ordinal, "actual", count)
			return count == ordinal, err
		}); err != nil {
			return err
		}
	}
	log.Info("Removed node from Redis cluster")
	return nil
}

func (e *Engine) flush(ctx context.Context, addr string) error {
	if _, err := e.cmd.Node(ctx, addr, "FLUSHDB"); err != nil {
		return fmt.Errorf("flushing %s: %w", addr, err)
	}
	return nil
}
