// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package cluster

import "context"

// TotalSlots is the size of the Redis Cluster key space.
const TotalSlots = 16384

type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "replica"
)

// Commander sends commands to Redis. Node targets a single node, Cluster runs a
// "redis-cli --cluster" administration command.
type Commander interface {
	Node(ctx context.Context, addr string, args ...string) (string, error)
	Cluster(ctx context.Context, args ...string) (string, error)
}

// ClusterNode is one entry of a CLUSTER NODES listing, as seen from the node that was asked.
type ClusterNode struct {
	ID      string
	Address string
	Flags   []string
	Role    Role
	// ReplicaOf is the master id for replicas, empty for masters.
	ReplicaOf string
	SlotCount int
	Myself    bool
}

// IsMaster reports whether the node is flagged as master.
func (n ClusterNode) IsMaster() bool {
	return n.Role == RoleMaster
}

// HealthStatus is the summary of a "--cluster check" report.
type HealthStatus struct {
	AllAgree    bool
	AllCovered  bool
	HasWarnings bool
}

// Healthy is true only when every node agrees, every slot is covered and nothing was flagged.
func (h HealthStatus) Healthy() bool {
	return h.AllAgree && h.AllCovered && !h.HasWarnings
}

// ReshardOperation describes a full evacuation of one master into another.
type ReshardOperation struct {
	FromNodeID string
	ToNodeID   string
	SlotCount  int
}
