// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package rediscli

import "strconv"

// The functions below build the arguments that follow "redis-cli --cluster".

// Create builds "create <addrs...> --cluster-replicas <n> --cluster-yes".
func Create(addrs []string, replicas int) []string {
	args := append([]string{"create"}, addrs...)
	return append(args, "--cluster-replicas", strconv.Itoa(replicas), "--cluster-yes")
}

// AddNode joins newAddr to the cluster that existingAddr belongs to.
func AddNode(newAddr, existingAddr string) []string {
	return []string{"add-node", newAddr, existingAddr}
}

// DelNode removes nodeID from the cluster, contacting it through addr.
func DelNode(addr, nodeID string) []string {
	return []string{"del-node", addr, nodeID}
}

// Reshard moves slots from one master to another without prompting.
func Reshard(addr, fromID, toID string, slots int) []string {
	return []string{
		"reshard", addr,
		"--cluster-from", fromID,
		"--cluster-to", toID,
		"--cluster-slots", strconv.Itoa(slots),
		"--cluster-yes",
	}
}

// Rebalance redistributes slots, including masters that own none yet.
func Rebalance(addr string) []string {
	return []string{"rebalance", addr, "--cluster-use-empty-masters"}
}

func Fix(addr string) []string {
	return []string{"fix", addr}
}

func Check(addr string) []string {
	return []string{"check", addr}
}
