package rebalance

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/prism/cluster"
	"github.com/NVIDIA/prism/config"
	"github.com/NVIDIA/prism/placement"
)

func newClusterWithImbalance() *cluster.State {
	cs := cluster.NewState()
	Expect(cs.RegisterNode(cluster.NewNode("a", "", cluster.Topology{}))).To(Succeed())
	Expect(cs.RegisterNode(cluster.NewNode("b", "", cluster.Topology{}))).To(Succeed())
	Expect(cs.RegisterNode(cluster.NewNode("c", "", cluster.Topology{}))).To(Succeed())
	for i := 0; i < 6; i++ {
		cs.AssignShard(cluster.ShardAssignment{
			Collection: "logs", ShardIndex: i, PrimaryNode: "a",
			State: cluster.ShardActive, SizeBytes: 1000,
		})
	}
	return cs
}

var _ = Describe("Engine", func() {
	var (
		cs  *cluster.State
		cfg config.RebalanceConf
		eng *Engine
	)

	BeforeEach(func() {
		cs = newClusterWithImbalance()
		cfg = config.RebalanceConf{
			Enabled:               true,
			ImbalanceThresholdPct: 10,
			MaxConcurrentMoves:    2,
			MaxBytesPerSec:        1000,
		}
		eng = NewEngine(cfg, cs)
	})

	Describe("ShouldRebalance", func() {
		It("is true when imbalanced and enabled", func() {
			Expect(eng.ShouldRebalance()).To(BeTrue())
		})

		It("is false when disabled", func() {
			cfg.Enabled = false
			eng = NewEngine(cfg, cs)
			Expect(eng.ShouldRebalance()).To(BeFalse())
		})
	})

	Describe("CreatePlan", func() {
		It("errors with fewer than two healthy nodes", func() {
			single := cluster.NewState()
			Expect(single.RegisterNode(cluster.NewNode("a", "", cluster.Topology{}))).To(Succeed())
			e := NewEngine(cfg, single)
			_, err := e.CreatePlan(TriggerManual, placement.Strategy{}, "")
			Expect(err).To(MatchError(ErrNotEnoughNodes))
		})

		It("builds urgent moves off a departing node", func() {
			plan, err := eng.CreatePlan(TriggerNodeLeft, placement.Strategy{}, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(plan.Phase).To(Equal(PhasePlanning))
			Expect(plan.Operations).NotTo(BeEmpty())
			for _, op := range plan.Operations {
				Expect(op.From).To(Equal("a"))
				Expect(op.Priority).To(Equal(1))
				Expect(op.State).To(Equal(OpPending))
			}
			Expect(plan.Operations).To(HaveLen(6)) // every Active shard leaves "a"
		})

		It("funnels shards from overloaded nodes onto a joined node", func() {
			Expect(cs.RegisterNode(cluster.NewNode("d", "", cluster.Topology{}))).To(Succeed())
			plan, err := eng.CreatePlan(TriggerNodeJoined, placement.Strategy{}, "d")
			Expect(err).NotTo(HaveOccurred())
			Expect(plan.Operations).NotTo(BeEmpty())
			for _, op := range plan.Operations {
				Expect(op.From).To(Equal("a"))
				Expect(op.To).To(Equal("d"))
				Expect(op.Priority).To(Equal(2))
			}
		})

		It("rejects a join plan for an unregistered node", func() {
			_, err := eng.CreatePlan(TriggerNodeJoined, placement.Strategy{}, "ghost")
			Expect(err).To(HaveOccurred())
		})

		It("builds load-balancing moves off overloaded nodes for other triggers", func() {
			plan, err := eng.CreatePlan(TriggerImbalanceThreshold, placement.Strategy{}, "")
			Expect(err).NotTo(HaveOccurred())
			for _, op := range plan.Operations {
				Expect(op.From).To(Equal("a"))
				Expect(op.Priority).To(Equal(2))
			}
		})
	})

	Describe("Step", func() {
		It("drives Planning -> Executing -> Verifying -> Finalizing -> Completed", func() {
			_, err := eng.CreatePlan(TriggerNodeLeft, placement.Strategy{}, "a")
			Expect(err).NotTo(HaveOccurred())

			Expect(eng.Step()).To(Succeed()) // Planning -> Executing
			Expect(eng.CurrentPlan().Phase).To(Equal(PhaseExecuting))

			// Drive transfers to completion; 0.1 progress per tick, at most
			// MaxConcurrentMoves in flight, so the six moves run in three waves.
			for i := 0; i < 40 && eng.CurrentPlan().Phase == PhaseExecuting; i++ {
				Expect(eng.Step()).To(Succeed())
			}
			Expect(eng.CurrentPlan().Phase).To(Equal(PhaseVerifying))

			for _, op := range eng.CurrentPlan().Operations {
				Expect(op.State).To(Equal(OpCompleted))
				Expect(op.BytesTransferred).To(Equal(op.ExpectedBytes))
			}

			Expect(eng.Step()).To(Succeed()) // Verifying -> Finalizing
			Expect(eng.CurrentPlan().Phase).To(Equal(PhaseFinalizing))

			Expect(eng.Step()).To(Succeed()) // Finalizing -> Completed
			Expect(eng.CurrentPlan().Phase).To(Equal(PhaseCompleted))
		})

		It("errors when there is no active plan", func() {
			Expect(eng.Step()).To(MatchError(ErrNoActivePlan))
		})

		It("respects MaxConcurrentMoves by staggering operation starts", func() {
			// Build a plan with more ops than MaxConcurrentMoves by raising the
			// cap for planning, then restoring the original, lower cfg.
			big := cfg
			big.MaxConcurrentMoves = 10
			eng = NewEngine(big, cs)
			_, err := eng.CreatePlan(TriggerImbalanceThreshold, placement.Strategy{}, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(len(eng.CurrentPlan().Operations)).To(BeNumerically(">", cfg.MaxConcurrentMoves))
			eng.cfg = cfg
			Expect(eng.Step()).To(Succeed()) // Planning -> Executing starts at most MaxConcurrentMoves
			inFlight := 0
			for _, op := range eng.CurrentPlan().Operations {
				if op.State == OpTransferring {
					inFlight++
				}
			}
			Expect(inFlight).To(BeNumerically("<=", cfg.MaxConcurrentMoves))
		})
	})

	Describe("Cancel", func() {
		It("marks in-flight operations cancelled and clears the plan", func() {
			_, err := eng.CreatePlan(TriggerNodeLeft, placement.Strategy{}, "a")
			Expect(err).NotTo(HaveOccurred())
			ops := eng.CurrentPlan().Operations
			eng.Cancel()
			Expect(eng.CurrentPlan()).To(BeNil())
			for _, op := range ops {
				Expect(op.State).To(Equal(OpCancelled))
			}
		})

		It("is a no-op when there is no active plan", func() {
			Expect(func() { eng.Cancel() }).NotTo(Panic())
		})
	})
})
