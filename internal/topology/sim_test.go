// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/EclipseFdn/open-vsx.org/internal/cluster"
	"github.com/EclipseFdn/open-vsx.org/internal/rediscli"
)

// simNode is one Redis process of the simulated cluster.
type simNode struct {
	ordinal   int
	id        string
	host      string
	ip        string
	reachable bool
	joined    bool
	master    bool
	replicaOf string
	slots     int
}

// simCluster implements cluster.Commander on top of an in-memory cluster that converges
// instantly. Emptied masters turn into replicas of the node that took their slots, as Redis
// does with replica migration enabled.
type simCluster struct {
	mu    sync.Mutex
	nodes []*simNode

	mutations []string
	reshards  []cluster.ReshardOperation

	rebalanceFailures int
	failOnce          map[string]error
	clusterErr        error

	// staleAfterDelete is how many CLUSTER NODES replies keep listing a deleted node
	staleAfterDelete int
	stale            *simNode
	staleReads       int
}

func newSimCluster(size int) *simCluster {
	s := &simCluster{failOnce: map[string]error{}}
	for i := 0; i < size; i++ {
		s.nodes = append(s.nodes, &simNode{
			ordinal:   i,
			id:        fmt.Sprintf("%040x", 0xa0+i),
			host:      fmt.Sprintf("redis-%d.redis-service:6379", i),
			ip:        fmt.Sprintf("10.0.0.%d:6379", i+1),
			reachable: true,
			master:    true,
		})
	}
	return s
}

// withLayout joins every node, makes the given ordinals masters sharing the slots evenly and
// the rest replicas of replicaOf[ordinal].
func (s *simCluster) withLayout(masters []int, replicaOf map[int]int) *simCluster {
	for _, n := range s.nodes {
		n.joined = true
		n.master = slices.Contains(masters, n.ordinal)
		if !n.master {
			n.replicaOf = s.nodes[replicaOf[n.ordinal]].id
		}
	}
	s.spreadSlots()
	return s
}

func (s *simCluster) find(addr string) *simNode {
	for _, n := range s.nodes {
		if n.host == addr || n.ip == addr {
			return n
		}
	}
	return nil
}

func (s *simCluster) byID(id string) *simNode {
	for _, n := range s.nodes {
		if n.id == id {
			return n
		}
	}
	return nil
}

func (s *simCluster) members() []*simNode {
	var out []*simNode
	for _, n := range s.nodes {
		if n.joined {
			out = append(out, n)
		}
	}
	return out
}

func (s *simCluster) masters() []*simNode {
	var out []*simNode
	for _, n := range s.members() {
		if n.master {
			out = append(out, n)
		}
	}
	return out
}

func (s *simCluster) spreadSlots() {
	masters := s.masters()
	if len(masters) == 0 {
		return
	}
	base, rem := cluster.TotalSlots/len(masters), cluster.TotalSlots%len(masters)
	for i, m := range masters {
		m.slots = base
		if i < rem {
			m.slots++
		}
	}
}

func (s *simCluster) takeFailure(key string) error {
	for prefix, err := range s.failOnce {
		if strings.HasPrefix(key, prefix) {
			delete(s.failOnce, prefix)
			return err
		}
	}
	return nil
}

func (s *simCluster) Node(_ context.Context, addr string, args ...string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.find(addr)
	if n == nil || !n.reachable {
		return "", fmt.Errorf("dial tcp %s: connect: connection refused", addr)
	}
	key := strings.Join(args, " ")
	if err := s.takeFailure(key); err != nil {
		return "", err
	}

	switch {
	case key == "PING":
		return "PONG", nil
	case key == "CLUSTER NODES":
		return s.listing(n), nil
	case key == "CLUSTER MYID":
		return n.id, nil
	case strings.HasPrefix(key, "CLUSTER REPLICATE "):
		master := s.byID(args[2])
		if master == nil || !master.master {
			return "", errors.New("ERR I can only replicate a master, not a replica.")
		}
		n.master, n.replicaOf, n.slots = false, master.id, 0
		s.mutations = append(s.mutations, fmt.Sprintf("replicate %d %d", n.ordinal, master.ordinal))
		return "OK", nil
	case key == "FLUSHDB":
		return "OK", nil
	}
	return "", fmt.Errorf("ERR unknown command '%s'", key)
}

func (s *simCluster) Cluster(_ context.Context, args ...string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clusterErr != nil {
		return "", s.clusterErr
	}
	if err := s.takeFailure(strings.Join(args, " ")); err != nil {
		return "", err
	}

	fail := func(out string) (string, error) {
		return out, &rediscli.CommandError{Args: args, ExitCode: 1, Output: out}
	}

	switch args[0] {
	case "check":
		return s.report(s.find(args[1]))

	case "create":
		var addrs []string
		for _, a := range args[1:] {
			if strings.HasPrefix(a, "--") {
				break
			}
			addrs = append(addrs, a)
		}
		masters := len(addrs) / 2
		for i, a := range addrs {
			n := s.find(a)
			if n.joined {
				return fail(fmt.Sprintf("[ERR] Node %s is not empty.", a))
			}
			n.joined = true
			n.master = i < masters
			if !n.master {
				n.replicaOf = s.find(addrs[(i-masters)%masters]).id
			}
		}
		s.spreadSlots()
		s.mutations = append(s.mutations, "create")
		return ">>> Performing hash slots allocation on " + strconv.Itoa(len(addrs)) + " nodes...\n[OK] All 16384 slots covered.", nil

	case "add-node":
		n := s.find(args[1])
		if n.joined {
			return fail(fmt.Sprintf("[ERR] Node %s is not empty.", args[1]))
		}
		n.joined, n.master, n.replicaOf, n.slots = true, true, "", 0
		s.mutations = append(s.mutations, fmt.Sprintf("add-node %d", n.ordinal))
		return "[OK] New node added correctly.", nil

	case "del-node":
		n := s.byID(args[2])
		if n == nil || !n.joined {
			return fail(fmt.Sprintf("[ERR] No such node ID %s", args[2]))
		}
		if n.slots > 0 {
			return fail(fmt.Sprintf("[ERR] Node %s is not empty! Reshard data away and try again.", args[1]))
		}
		for _, other := range s.members() {
			if other.replicaOf == n.id {
				other.replicaOf = s.masters()[0].id
			}
		}
		n.joined, n.master, n.replicaOf = false, true, ""
		if s.staleAfterDelete > 0 {
			s.stale, s.staleReads = n, s.staleAfterDelete
		}
		s.mutations = append(s.mutations, fmt.Sprintf("del-node %d", n.ordinal))
		return ">>> Sending CLUSTER RESET SOFT to the deleted node.", nil

	case "reshard":
		from := s.byID(flagValue(args, "--cluster-from"))
		to := s.byID(flagValue(args, "--cluster-to"))
		count, _ := strconv.Atoi(flagValue(args, "--cluster-slots"))
		if from == nil || to == nil || count > from.slots {
			return fail("[ERR] Invalid reshard")
		}
		from.slots -= count
		to.slots += count
		if from.slots == 0 {
			from.master, from.replicaOf = false, to.id
		}
		s.reshards = append(s.reshards, cluster.ReshardOperation{FromNodeID: from.id, ToNodeID: to.id, SlotCount: count})
		s.mutations = append(s.mutations, fmt.Sprintf("reshard %d %d", from.ordinal, to.ordinal))
		return "Moving slot ...", nil

	case "rebalance":
		s.mutations = append(s.mutations, "rebalance")
		if s.rebalanceFailures > 0 {
			s.rebalanceFailures--
			return fail(">>> Rebalancing across 4 nodes\n[ERR] Calling MIGRATE: ERR Target instance replied with error: BUSYKEY")
		}
		s.spreadSlots()
		return ">>> Rebalancing across " + strconv.Itoa(len(s.masters())) + " nodes.", nil

	case "fix":
		s.mutations = append(s.mutations, "fix")
		return "[OK] All 16384 slots covered.", nil
	}
	return fail("unknown cluster command " + args[0])
}

func flagValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func (s *simCluster) listing(self *simNode) string {
	if !self.joined {
		return fmt.Sprintf("%s %s@16379 myself,master - 0 0 0 connected\n", self.id, self.ip)
	}
	members := s.members()
	if s.staleReads > 0 {
		members = append(members, s.stale)
		s.staleReads--
	}
	var b strings.Builder
	start := 0
	for _, n := range members {
		flags := "master"
		if !n.master {
			flags = "slave"
		}
		if n == self {
			flags = "myself," + flags
		}
		replicaOf := "-"
		if n.replicaOf != "" {
			replicaOf = n.replicaOf
		}
		fmt.Fprintf(&b, "%s %s@16379 %s %s 0 0 %d connected", n.id, n.ip, flags, replicaOf, n.ordinal)
		if n.master && n.slots > 0 {
			fmt.Fprintf(&b, " %d-%d", start, start+n.slots-1)
			start += n.slots
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (s *simCluster) report(n *simNode) (string, error) {
	if n == nil || !n.reachable {
		out := "Could not connect to Redis: Connection refused"
		return out, &rediscli.CommandError{ExitCode: 1, Output: out}
	}
	nodes := []*simNode{n}
	if n.joined {
		nodes = s.members()
	}

	var b strings.Builder
	fmt.Fprintf(&b, ">>> Performing Cluster Check (using node %s)\n", n.ip)
	total := 0
	for _, m := range nodes {
		if m.master {
			fmt.Fprintf(&b, "M: %s %s\n", m.id, m.ip)
			if m.slots > 0 {
				fmt.Fprintf(&b, "   slots:[%d-%d] (%d slots) master\n", total, total+m.slots-1, m.slots)
			} else {
				b.WriteString("   slots: (0 slots) master\n")
			}
			total += m.slots
			continue
		}
		fmt.Fprintf(&b, "S: %s %s\n   slots: (0 slots) slave\n   replicates %s\n", m.id, m.ip, m.replicaOf)
	}
	b.WriteString("[OK] All nodes agree about slots configuration.\n>>> Check for open slots...\n>>> Check slots coverage...\n")
	if total != cluster.TotalSlots {
		b.WriteString("[ERR] Not all 16384 slots are covered by nodes.\n")
		return b.String(), &rediscli.CommandError{ExitCode: 1, Output: b.String()}
	}
	b.WriteString("[OK] All 16384 slots covered.\n")
	return b.String(), nil
}

// slotSum adds up the slots of every master as seen by the node at ordinal.
func (s *simCluster) slotSum(ordinal int) int {
	s.mu.Lock()
	listing := s.listing(s.nodes[ordinal])
	s.mu.Unlock()

	total := 0
	for _, n := range cluster.ParseNodes(listing) {
		if n.IsMaster() {
			total += n.SlotCount
		}
	}
	return total
}

// snapshot describes the membership, roles and slot counts of the cluster.
func (s *simCluster) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, n := range s.members() {
		if n.master {
			out = append(out, fmt.Sprintf("%d master %d", n.ordinal, n.slots))
			continue
		}
		out = append(out, fmt.Sprintf("%d replica-of %d", n.ordinal, s.byID(n.replicaOf).ordinal))
	}
	return out
}

func (s *simCluster) count(mutation string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := 0
	for _, m := range s.mutations {
		if strings.HasPrefix(m, mutation) {
			c++
		}
	}
	return c
}

// simResolver addresses the nodes of a simCluster.
type simResolver struct{}

func (simResolver) Name() string { return "default/openvsx" }

func (simResolver) Address(ordinal int) string {
	return fmt.Sprintf("redis-%d.redis-service:6379", ordinal)
}

func (simResolver) ResolveIP(_ context.Context, ordinal int) (string, error) {
	return fmt.Sprintf("10.0.0.%d:6379", ordinal+1), nil
}

// unresolvableResolver fails to resolve the node at one ordinal.
type unresolvableResolver struct {
	simResolver
	ordinal int
}

func (u unresolvableResolver) ResolveIP(ctx context.Context, ordinal int) (string, error) {
	if ordinal == u.ordinal {
		return "", fmt.Errorf("lookup redis-%d.redis-service: no such host", ordinal)
	}
	return u.simResolver.ResolveIP(ctx, ordinal)
}
