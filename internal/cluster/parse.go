// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
)

const (
	agreeMarker   = "[OK] All nodes agree about slots configuration."
	coveredMarker = "[OK] All 16384 slots covered."
	warningMarker = "[WARNING]"

	masterPrefix  = "M: "
	replicaPrefix = "S: "
	drainedPrefix = "slots: (0 slots)"
)

var slotCountRegex = regexp.MustCompile(`\((\d+) slots\)`)

func lines(output string) []string {
	var out []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// ParseNodes decodes a CLUSTER NODES listing. Lines with fewer than three fields are skipped.
func ParseNodes(listing string) []ClusterNode {
	var nodes []ClusterNode
	for _, line := range lines(listing) {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}

		node := ClusterNode{
			ID:      fields[0],
			Address: nodeAddress(fields[1]),
			Flags:   strings.Split(fields[2], ","),
		}
		node.Myself = slices.Contains(node.Flags, "myself")
		switch {
		case slices.Contains(node.Flags, "master"):
			node.Role = RoleMaster
		case slices.Contains(node.Flags, "slave"):
			node.Role = RoleReplica
		}
		if len(fields) > 3 && fields[3] != "-" {
			node.ReplicaOf = fields[3]
		}
		if len(fields) > 8 {
			node.SlotCount = countSlots(fields[8:])
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// nodeAddress strips the cluster bus port and the optional hostname from "ip:port@cport,hostname".
func nodeAddress(field string) string {
	if i := strings.IndexAny(field, "@,"); i >= 0 {
		return field[:i]
	}
	return field
}

func countSlots(ranges []string) int {
	total := 0
	for _, r := range ranges {
		// [slot->-id] and [slot-<-id] are migrating/importing markers, not owned slots
		if strings.HasPrefix(r, "[") {
			continue
		}
		from, to, found := strings.Cut(r, "-")
		start, err := strconv.Atoi(from)
		if err != nil {
			continue
		}
		end := start
		if found {
			if end, err = strconv.Atoi(to); err != nil {
				continue
			}
		}
		total += end - start + 1
	}
	return total
}

// ParseIsNewNode is true iff the listing holds exactly one record and that record is the
// responding node flagged as master, which is what a node that never joined a cluster reports.
func ParseIsNewNode(listing string) bool {
	records := lines(listing)
	if len(records) != 1 {
		return false
	}
	for _, field := range strings.Fields(records[0]) {
		flags := strings.Split(field, ",")
		if slices.Contains(flags, "myself") && slices.Contains(flags, "master") {
			return true
		}
	}
	return false
}

// ParseMasterWithoutReplica returns the first master, in listing order, that no replica points
// to. excludeID is never returned.
func ParseMasterWithoutReplica(listing, excludeID string) (string, bool) {
	nodes := ParseNodes(listing)

	replicated := map[string]bool{}
	for _, n := range nodes {
		if n.Role == RoleReplica && n.ReplicaOf != "" {
			replicated[n.ReplicaOf] = true
		}
	}
	for _, n := range nodes {
		if n.IsMaster() && n.ID != excludeID && !replicated[n.ID] {
			return n.ID, true
		}
	}
	return "", false
}

// ParseSelf returns the record flagged "myself".
func ParseSelf(listing string) (ClusterNode, bool) {
	for _, n := range ParseNodes(listing) {
		if n.Myself {
			return n, true
		}
	}
	return ClusterNode{}, false
}

// ParseSlotsBalanced is true when every master holding slots is within thresholdPercent of an
// even share of the key space. Masters without slots are ignored.
func ParseSlotsBalanced(listing string, thresholdPercent int) bool {
	var owned []int
	for _, n := range ParseNodes(listing) {
		if n.IsMaster() && n.SlotCount > 0 {
			owned = append(owned, n.SlotCount)
		}
	}
	if len(owned) == 0 {
		return true
	}
	expected := TotalSlots / len(owned)
	tolerance := max(expected*thresholdPercent/100, 1)
	for _, slots := range owned {
		if diff := slots - expected; diff > tolerance || -diff > tolerance {
			return false
		}
	}
	return true
}

// ParseNodeCount returns the number of records of a CLUSTER NODES listing.
func ParseNodeCount(listing string) int {
	return len(lines(listing))
}

// ParseHealth reads the summary lines of a "--cluster check" report. Partial reports, as printed
// while gossip is still propagating, are unhealthy.
func ParseHealth(report string) HealthStatus {
	agree, covered, warnings := 0, 0, 0
	for _, line := range lines(report) {
		line = strings.TrimSpace(line)
		switch {
		case strings.Contains(line, agreeMarker):
			agree++
		case strings.Contains(line, coveredMarker):
			covered++
		case strings.Contains(line, warningMarker):
			warnings++
		}
	}
	return HealthStatus{
		AllAgree:    agree == 1,
		AllCovered:  covered == 1,
		HasWarnings: warnings > 0,
	}
}

// statusLineOf returns the line that follows the "M: <id> " or "S: <id> " header of nodeID.
func statusLineOf(report, nodeID string, prefixes ...string) (string, bool) {
	records := lines(report)
	for i, line := range records {
		line = strings.TrimSpace(line)
		for _, prefix := range prefixes {
			if strings.HasPrefix(line, prefix+nodeID+" ") && i+1 < len(records) {
				return strings.TrimSpace(records[i+1]), true
			}
		}
	}
	return "", false
}

// ParseMasterSlotCount returns how many slots the master nodeID owns according to the report.
// A node that is absent or not a master owns 0 slots.
func ParseMasterSlotCount(report, nodeID string) int {
	status, ok := statusLineOf(report, nodeID, masterPrefix)
	if !ok {
		return 0
	}
	m := slotCountRegex.FindStringSubmatch(status)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// ParseSlotsDrained is true once the report shows nodeID holding no slot at all.
func ParseSlotsDrained(report, nodeID string) bool {
	status, ok := statusLineOf(report, nodeID, masterPrefix, replicaPrefix)
	return ok && strings.HasPrefix(status, drainedPrefix)
}

// ParseMasterIDServing returns the id of the master listed at any of the given addresses.
func ParseMasterIDServing(report string, addrs ...string) (string, bool) {
	for _, line := range lines(report) {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != strings.TrimSpace(masterPrefix) {
			continue
		}
		if slices.Contains(addrs, fields[2]) {
			return fields[1], true
		}
	}
	return "", false
}
