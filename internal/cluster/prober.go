// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"strings"

	"github.com/go-logr/logr"

	"github.com/EclipseFdn/open-vsx.org/internal/rediscli"
)

// Prober turns introspection commands into structured facts. It never retries and never
// caches: every call reflects the live view of the node it asks.
type Prober struct {
	cmd Commander
	log logr.Logger
}

func NewProber(cmd Commander, log logr.Logger) *Prober {
	return &Prober{cmd: cmd, log: log}
}

// Ping is true when addr answers PONG.
func (p *Prober) Ping(ctx context.Context, addr string) (bool, error) {
	out, err := p.cmd.Node(ctx, addr, "PING")
	if err != nil {
		return false, err
	}
	return out == "PONG", nil
}

// Nodes returns the raw CLUSTER NODES listing of addr.
func (p *Prober) Nodes(ctx context.Context, addr string) (string, error) {
	return p.cmd.Node(ctx, addr, "CLUSTER", "NODES")
}

func (p *Prober) MyID(ctx context.Context, addr string) (string, error) {
	out, err := p.cmd.Node(ctx, addr, "CLUSTER", "MYID")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsNewNode is true when addr has not joined any cluster yet.
func (p *Prober) IsNewNode(ctx context.Context, addr string) (bool, error) {
	listing, err := p.Nodes(ctx, addr)
	if err != nil {
		return false, err
	}
	return ParseIsNewNode(listing), nil
}

// Self returns the record addr reports for itself.
func (p *Prober) Self(ctx context.Context, addr string) (ClusterNode, bool, error) {
	listing, err := p.Nodes(ctx, addr)
	if err != nil {
		return ClusterNode{}, false, err
	}
	node, ok := ParseSelf(listing)
	return node, ok, nil
}

// Knows is true when addr lists the node nodeID.
func (p *Prober) Knows(ctx context.Context, addr, nodeID string) (bool, error) {
	listing, err := p.Nodes(ctx, addr)
	if err != nil {
		return false, err
	}
	for _, n := range ParseNodes(listing) {
		if n.ID == nodeID {
			return true, nil
		}
	}
	return false, nil
}

// MasterWithoutReplica returns the first master seen by addr that has no replica, skipping excludeID.
func (p *Prober) MasterWithoutReplica(ctx context.Context, addr, excludeID string) (string, bool, error) {
	listing, err := p.Nodes(ctx, addr)
	if err != nil {
		return "", false, err
	}
	id, ok := ParseMasterWithoutReplica(listing, excludeID)
	p.log.V(1).Info("Master without replica", "addr", addr, "found", ok, "master", id, "myself", excludeID)
	return id, ok, nil
}

// NodeCount returns how many nodes addr currently knows about, itself included.
func (p *Prober) NodeCount(ctx context.Context, addr string) (int, error) {
	listing, err := p.Nodes(ctx, addr)
	if err != nil {
		return 0, err
	}
	return ParseNodeCount(listing), nil
}

// SlotsBalanced is true when addr sees the slots spread evenly over the masters that own any.
func (p *Prober) SlotsBalanced(ctx context.Context, addr string, thresholdPercent int) (bool, error) {
	listing, err := p.Nodes(ctx, addr)
	if err != nil {
		return false, err
	}
	return ParseSlotsBalanced(listing, thresholdPercent), nil
}

// Check runs "--cluster check" against addr. A non-zero exit is not an error here: the
// report, complete or not, is what callers parse.
func (p *Prober) Check(ctx context.Context, addr string) (string, error) {
	out, err := p.cmd.Cluster(ctx, rediscli.Check(addr)...)
	var cmdErr *rediscli.CommandError
	if errors.As(err, &cmdErr) && !rediscli.IsInfrastructure(err) {
		p.log.V(1).Info("Cluster check reported problems", "addr", addr, "exitCode", cmdErr.ExitCode)
		return out, nil
	}
	return out, err
}

func (p *Prober) Health(ctx context.Context, addr string) (HealthStatus, error) {
	report, err := p.Check(ctx, addr)
	if err != nil {
		return HealthStatus{}, err
	}
	return ParseHealth(report), nil
}

// MasterSlotCount returns the slots nodeID owns according to addr, 0 when it is not a master.
func (p *Prober) MasterSlotCount(ctx context.Context, addr, nodeID string) (int, error) {
	report, err := p.Check(ctx, addr)
	if err != nil {
		return 0, err
	}
	return ParseMasterSlotCount(report, nodeID), nil
}

// SlotsDrained is true once addr reports nodeID with no slot left.
func (p *Prober) SlotsDrained(ctx context.Context, addr, nodeID string) (bool, error) {
	report, err := p.Check(ctx, addr)
	if err != nil {
		return false, err
	}
	return ParseSlotsDrained(report, nodeID), nil
}

// MasterIDServing returns the id of the master that addr lists at any of targets.
func (p *Prober) MasterIDServing(ctx context.Context, addr string, targets ...string) (string, bool, error) {
	report, err := p.Check(ctx, addr)
	if err != nil {
		return "", false, err
	}
	id, ok := ParseMasterIDServing(report, targets...)
	return id, ok, nil
}
