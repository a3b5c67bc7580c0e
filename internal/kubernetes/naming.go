// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package kubernetes

import (
	"context"
	"fmt"
	"net"
	"strconv"

	redisv1 "github.com/EclipseFdn/open-vsx.org/api/v1"
)

// HostResolver looks up the addresses of a host name. *net.Resolver satisfies it.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// PodName returns the name of the StatefulSet pod with the given ordinal.
func PodName(statefulSet string, ordinal int) string {
	return fmt.Sprintf("%s-%d", statefulSet, ordinal)
}

// PodHost returns the stable DNS name the headless service gives to a pod.
func PodHost(pod, service string) string {
	return pod + "." + service
}

// Nodes addresses the Redis nodes of one RedisCluster by ordinal.
type Nodes struct {
	name    string
	base    string
	service string
	port    int
	dns     HostResolver
}

// NewNodes returns the addressing of rc. A nil dns uses net.DefaultResolver.
func NewNodes(rc *redisv1.RedisCluster, port int, dns HostResolver) *Nodes {
	if dns == nil {
		dns = net.DefaultResolver
	}
	return &Nodes{
		name:    rc.NamespacedName().String(),
		base:    rc.BaseName(),
		service: rc.ServiceName(),
		port:    port,
		dns:     dns,
	}
}

func (n *Nodes) Name() string { return n.name }

func (n *Nodes) PodName(ordinal int) string { return PodName(n.base, ordinal) }

func (n *Nodes) Host(ordinal int) string { return PodHost(n.PodName(ordinal), n.service) }

// Address returns "host:port" of the node at ordinal.
func (n *Nodes) Address(ordinal int) string {
	return net.JoinHostPort(n.Host(ordinal), strconv.Itoa(n.port))
}

// ResolveIP returns "ip:port" of the node at ordinal, using the first address DNS returns.
// The cluster bus announces nodes by IP, so commands that compare or join nodes need it.
func (n *Nodes) ResolveIP(ctx context.Context, ordinal int) (string, error) {
	host := n.Host(ordinal)
	addrs, err := n.dns.LookupHost(ctx, host)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("resolving %s: no address", host)
	}
	return net.JoinHostPort(addrs[0], strconv.Itoa(n.port)), nil
}
