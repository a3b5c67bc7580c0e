// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr/funcr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/EclipseFdn/open-vsx.org/internal/cluster"
	"github.com/EclipseFdn/open-vsx.org/internal/metrics"
	"github.com/EclipseFdn/open-vsx.org/internal/rediscli"
)

func newTestEngine(sim *simCluster, reg *prometheus.Registry) *Engine {
	mm := metrics.NewMetricsManager(reg)
	waiter := cluster.NewWaiter(time.Millisecond, 10*time.Second, mm, GinkgoLogr)
	return NewEngine(sim, waiter, 3, mm, GinkgoLogr.WithName("topology"))
}

var _ = Describe("Engine", func() {
	var (
		ctx    context.Context
		reg    *prometheus.Registry
		r      simResolver
		sim    *simCluster
		engine *Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		reg = prometheus.NewRegistry()
	})

	Context("CreateCluster", func() {
		BeforeEach(func() {
			sim = newSimCluster(6)
			engine = newTestEngine(sim, reg)
		})

		It("creates a cluster with one replica per master", func() {
			Expect(engine.CreateCluster(ctx, r, 6)).To(Succeed())

			Expect(sim.count("create")).To(Equal(1))
			Expect(sim.snapshot()).To(Equal([]string{
				"0 master 5462",
				"1 master 5461",
				"2 master 5461",
				"3 replica-of 0",
				"4 replica-of 1",
				"5 replica-of 2",
			}))
			Expect(sim.slotSum(0)).To(Equal(cluster.TotalSlots))
		})

		It("does nothing the second time", func() {
			Expect(engine.CreateCluster(ctx, r, 6)).To(Succeed())
			before := len(sim.mutations)

			Expect(engine.CreateCluster(ctx, r, 6)).To(Succeed())

			Expect(sim.mutations).To(HaveLen(before))
		})

		It("waits for nodes that are not reachable yet", func() {
			sim.nodes[3].reachable = false
			go func() {
				defer GinkgoRecover()
				time.Sleep(20 * time.Millisecond)
				sim.mu.Lock()
				sim.nodes[3].reachable = true
				sim.mu.Unlock()
			}()

			Expect(engine.CreateCluster(ctx, r, 6)).To(Succeed())
			Expect(sim.count("create")).To(Equal(1))
		})

		It("fails fast when redis-cli is missing", func() {
			sim.clusterErr = fmt.Errorf("%w: exec: \"redis-cli\": executable file not found in $PATH", rediscli.ErrToolMissing)

			err := engine.CreateCluster(ctx, r, 6)

			Expect(err).To(MatchError(rediscli.ErrToolMissing))
			Expect(testutil.ToFloat64(operationsCounter(reg, OperationCreate, metrics.ResultError))).To(Equal(1.0))
		})
	})

	Context("ScaleUp", func() {
		BeforeEach(func() {
			sim = newSimCluster(8)
			engine = newTestEngine(sim, reg)
			Expect(engine.CreateCluster(ctx, r, 6)).To(Succeed())
		})

		It("adds a master first and then its replica", func() {
			Expect(engine.ScaleUp(ctx, r, 6, 8)).To(Succeed())

			Expect(sim.count("add-node")).To(Equal(2))
			Expect(sim.snapshot()).To(Equal([]string{
				"0 master 4096",
				"1 master 4096",
				"2 master 4096",
				"3 replica-of 0",
				"4 replica-of 1",
				"5 replica-of 2",
				"6 master 4096",
				"7 replica-of 6",
			}))
			for i := 0; i < 8; i++ {
				Expect(sim.slotSum(i)).To(Equal(cluster.TotalSlots))
			}
		})

		It("assigns the new node to the master that has no replica", func() {
			Expect(engine.ScaleUp(ctx, r, 6, 7)).To(Succeed())
			Expect(sim.snapshot()).To(ContainElement("6 master 4096"))

			Expect(engine.ScaleUp(ctx, r, 7, 8)).To(Succeed())

			Expect(sim.mutations).To(ContainElement("replicate 7 6"))
			for _, m := range sim.mutations {
				Expect(m).NotTo(BeElementOf("replicate 7 0", "replicate 7 1", "replicate 7 2"))
			}
		})

		It("resumes after being interrupted between join and role assignment", func() {
			sim.failOnce["CLUSTER REPLICATE"] = errors.New("read tcp: connection reset by peer")

			Expect(engine.ScaleUp(ctx, r, 6, 8)).NotTo(Succeed())
			Expect(engine.ScaleUp(ctx, r, 6, 8)).To(Succeed())

			reference := newSimCluster(8)
			refEngine := newTestEngine(reference, prometheus.NewRegistry())
			Expect(refEngine.CreateCluster(ctx, r, 6)).To(Succeed())
			Expect(refEngine.ScaleUp(ctx, r, 6, 8)).To(Succeed())

			Expect(sim.snapshot()).To(Equal(reference.snapshot()))
			Expect(sim.count("add-node")).To(Equal(2))
		})

		It("skips nodes that already joined", func() {
			Expect(engine.ScaleUp(ctx, r, 6, 8)).To(Succeed())
			before := len(sim.mutations)

			Expect(engine.ScaleUp(ctx, r, 6, 8)).To(Succeed())

			Expect(sim.mutations).To(HaveLen(before))
		})
	})

	Context("ScaleDown", func() {
		BeforeEach(func() {
			sim = newSimCluster(9).withLayout(
				[]int{0, 1, 2, 6, 7, 8},
				map[int]int{3: 0, 4: 1, 5: 2},
			)
			engine = newTestEngine(sim, reg)
		})

		It("evacuates departing masters round-robin into the remaining ones", func() {
			Expect(engine.ScaleDown(ctx, r, 9, 6)).To(Succeed())

			Expect(sim.reshards).To(HaveLen(3))
			Expect(sim.reshards[0]).To(Equal(cluster.ReshardOperation{FromNodeID: sim.nodes[8].id, ToNodeID: sim.nodes[0].id, SlotCount: 2730}))
			Expect(sim.reshards[1]).To(Equal(cluster.ReshardOperation{FromNodeID: sim.nodes[7].id, ToNodeID: sim.nodes[1].id, SlotCount: 2730}))
			Expect(sim.reshards[2]).To(Equal(cluster.ReshardOperation{FromNodeID: sim.nodes[6].id, ToNodeID: sim.nodes[2].id, SlotCount: 2731}))
		})

		It("removes the departing nodes highest ordinal first", func() {
			Expect(engine.ScaleDown(ctx, r, 9, 6)).To(Succeed())

			var removed []string
			for _, m := range sim.mutations {
				if strings.HasPrefix(m, "del-node") {
					removed = append(removed, m)
				}
			}
			Expect(removed).To(Equal([]string{"del-node 8", "del-node 7", "del-node 6"}))
			Expect(sim.members()).To(HaveLen(6))
			Expect(sim.slotSum(0)).To(Equal(cluster.TotalSlots))
			Expect(sim.count("rebalance")).To(Equal(1))
		})

		It("logs nodes it cannot resolve while choosing a destination", func() {
			var (
				mu     sync.Mutex
				logged []string
			)
			log := funcr.New(func(_, args string) {
				mu.Lock()
				defer mu.Unlock()
				logged = append(logged, args)
			}, funcr.Options{Verbosity: 1})
			mm := metrics.NewMetricsManager(reg)
			engine = NewEngine(sim, cluster.NewWaiter(time.Millisecond, 10*time.Second, mm, log), 3, mm, log)

			Expect(engine.ScaleDown(ctx, unresolvableResolver{ordinal: 1}, 9, 6)).To(Succeed())

			Expect(sim.reshards).To(HaveLen(3))
			Expect(sim.reshards[0].ToNodeID).To(Equal(sim.nodes[0].id))
			Expect(sim.reshards[1].ToNodeID).To(Equal(sim.nodes[2].id))
			Expect(sim.reshards[2].ToNodeID).To(Equal(sim.nodes[0].id))
			mu.Lock()
			defer mu.Unlock()
			Expect(strings.Join(logged, "\n")).To(ContainSubstring("Could not resolve node, matching by hostname only"))
		})

		It("skips resharding when only replicas leave", func() {
			sim = newSimCluster(8).withLayout(
				[]int{0, 1, 2, 3},
				map[int]int{4: 0, 5: 1, 6: 2, 7: 3},
			)
			engine = newTestEngine(sim, prometheus.NewRegistry())

			Expect(engine.ScaleDown(ctx, r, 8, 6)).To(Succeed())

			Expect(sim.reshards).To(BeEmpty())
			Expect(sim.count("rebalance")).To(BeZero())
			Expect(sim.members()).To(HaveLen(6))
		})

		It("can be re-run after a partial removal", func() {
			sim.failOnce["del-node 10.0.0.7:6379"] = errors.New("connection reset by peer")

			Expect(engine.ScaleDown(ctx, r, 9, 6)).NotTo(Succeed())
			Expect(engine.ScaleDown(ctx, r, 9, 6)).To(Succeed())

			Expect(sim.members()).To(HaveLen(6))
			Expect(sim.reshards).To(HaveLen(3))
			Expect(sim.slotSum(0)).To(Equal(cluster.TotalSlots))
		})
	})

	Context("ScaleDown resumed", func() {
		layout := func() *simCluster {
			return newSimCluster(8).withLayout(
				[]int{0, 1, 2, 7},
				map[int]int{3: 0, 4: 1, 5: 2, 6: 7},
			)
		}

		It("rebalances when a previous run stopped after the evacuation", func() {
			sim = layout()
			sim.failOnce["rebalance"] = fmt.Errorf("%w: exec: \"redis-cli\": executable file not found in $PATH", rediscli.ErrToolMissing)
			engine = newTestEngine(sim, reg)

			Expect(engine.ScaleDown(ctx, r, 8, 6)).To(MatchError(rediscli.ErrToolMissing))
			Expect(sim.snapshot()).To(ContainElement("0 master 8192"))

			Expect(engine.ScaleDown(ctx, r, 8, 6)).To(Succeed())

			reference := layout()
			Expect(newTestEngine(reference, prometheus.NewRegistry()).ScaleDown(ctx, r, 8, 6)).To(Succeed())
			Expect(sim.snapshot()).To(Equal(reference.snapshot()))
			Expect(sim.snapshot()).To(ContainElements("0 master 5462", "1 master 5461", "2 master 5461"))
			Expect(sim.count("rebalance")).To(Equal(1))
			Expect(sim.reshards).To(HaveLen(1))
		})

		It("waits for the remaining nodes to forget a node deleted by a previous run", func() {
			sim = newSimCluster(9).withLayout(
				[]int{0, 1, 2, 6, 7, 8},
				map[int]int{3: 0, 4: 1, 5: 2},
			)
			sim.staleAfterDelete = 5
			sim.failOnce["FLUSHDB"] = errors.New("read tcp: connection reset by peer")
			engine = newTestEngine(sim, reg)

			Expect(engine.ScaleDown(ctx, r, 9, 8)).NotTo(Succeed())
			Expect(sim.staleReads).To(Equal(5))

			Expect(engine.ScaleDown(ctx, r, 9, 8)).To(Succeed())

			Expect(sim.staleReads).To(BeZero())
			Expect(sim.count("del-node")).To(Equal(1))
			Expect(sim.members()).To(HaveLen(8))
		})
	})

	Context("Rebalance", func() {
		BeforeEach(func() {
			sim = newSimCluster(6)
			engine = newTestEngine(sim, reg)
			Expect(engine.CreateCluster(ctx, r, 6)).To(Succeed())
		})

		It("fixes the cluster and retries on errors", func() {
			sim.rebalanceFailures = 1

			Expect(engine.Rebalance(ctx, r, "10.0.0.1:6379")).To(Succeed())

			Expect(sim.mutations).To(ContainElements("rebalance", "fix"))
			Expect(sim.count("rebalance")).To(Equal(2))
		})

		It("gives up after three attempts without failing", func() {
			sim.rebalanceFailures = 10

			Expect(engine.Rebalance(ctx, r, "10.0.0.1:6379")).To(Succeed())

			Expect(sim.count("rebalance")).To(Equal(3))
			Expect(sim.count("fix")).To(Equal(3))
			expected := `
# HELP rediscluster_rebalance_attempts_total Rebalance attempts, by result
# TYPE rediscluster_rebalance_attempts_total counter
rediscluster_rebalance_attempts_total{result="error"} 3
rediscluster_rebalance_attempts_total{result="gave_up"} 1
`
			Expect(testutil.GatherAndCompare(reg, strings.NewReader(expected), "rediscluster_rebalance_attempts_total")).To(Succeed())
		})
	})
})

// operationsCounter returns the operations counter for the given labels from reg.
func operationsCounter(reg *prometheus.Registry, operation, result string) prometheus.Collector {
	families, err := reg.Gather()
	Expect(err).NotTo(HaveOccurred())
	for _, f := range families {
		if f.GetName() != "rediscluster_topology_operations_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["operation"] == operation && labels["result"] == result {
				c := prometheus.NewCounter(prometheus.CounterOpts{Name: "copy"})
				c.Add(m.GetCounter().GetValue())
				return c
			}
		}
	}
	return prometheus.NewCounter(prometheus.CounterOpts{Name: "missing"})
}
