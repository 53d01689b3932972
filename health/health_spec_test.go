package health

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/prism/cluster"
	"github.com/NVIDIA/prism/config"
)

var _ = Describe("Checker", func() {
	var (
		cs     *cluster.State
		cfg    config.HealthConf
		ctx    context.Context
		selfID string
	)

	BeforeEach(func() {
		cs = cluster.NewState()
		selfID = "self"
		Expect(cs.RegisterNode(cluster.NewNode(selfID, "", cluster.Topology{}))).To(Succeed())
		Expect(cs.RegisterNode(cluster.NewNode("peer", "", cluster.Topology{}))).To(Succeed())
		cfg = config.HealthConf{
			HeartbeatInterval: time.Millisecond,
			FailureThreshold:  3,
			SuspectTimeout:    5 * time.Millisecond,
			OnFailure:         config.OnFailureRebalance,
		}
		ctx = context.Background()
	})

	Context("when a node keeps missing heartbeats", func() {
		It("transitions alive -> suspect -> dead in order", func() {
			checker := NewChecker(cfg, cs, &errPinger{err: context.DeadlineExceeded}, selfID)

			info, ok := checker.Info("peer")
			Expect(ok).To(BeFalse(), "no info recorded before the first tick")

			// Fewer misses than FailureThreshold: still alive.
			checker.tick(ctx)
			checker.tick(ctx)
			info, ok = checker.Info("peer")
			Expect(ok).To(BeTrue())
			Expect(info.State).To(Equal(Alive))
			Expect(info.MissedHeartbeats).To(Equal(2))

			// Third consecutive miss crosses FailureThreshold: suspect.
			checker.tick(ctx)
			info, _ = checker.Info("peer")
			Expect(info.State).To(Equal(Suspect))

			// Wait past SuspectTimeout, then a tick sweeps it to dead.
			time.Sleep(cfg.SuspectTimeout * 2)
			checker.tick(ctx)
			info, _ = checker.Info("peer")
			Expect(info.State).To(Equal(Dead))

			healthy := cs.HealthyNodes()
			ids := make([]string, 0, len(healthy))
			for _, n := range healthy {
				ids = append(ids, n.ID)
			}
			Expect(ids).NotTo(ContainElement("peer"))
		})

		It("invokes the dead callback when on_failure is rebalance", func() {
			checker := NewChecker(cfg, cs, &errPinger{err: context.DeadlineExceeded}, selfID)
			notified := make(chan string, 1)
			checker.OnDead(func(id string) { notified <- id })

			for i := 0; i < 3; i++ {
				checker.tick(ctx)
			}
			time.Sleep(cfg.SuspectTimeout * 2)
			checker.tick(ctx)

			Eventually(notified).Should(Receive(Equal("peer")))
		})
	})

	Context("when a suspect node recovers before the timeout", func() {
		It("returns to alive without ever reaching dead", func() {
			flaky := &togglePinger{fail: true}
			checker := NewChecker(cfg, cs, flaky, selfID)

			for i := 0; i < 3; i++ {
				checker.tick(ctx)
			}
			info, _ := checker.Info("peer")
			Expect(info.State).To(Equal(Suspect))

			flaky.fail = false
			checker.tick(ctx)
			info, _ = checker.Info("peer")
			Expect(info.State).To(Equal(Alive))
			Expect(info.MissedHeartbeats).To(Equal(0))
		})
	})

	Context("snapshot", func() {
		It("reports every tracked node's current state, self included", func() {
			checker := NewChecker(cfg, cs, &okPinger{latency: 1}, selfID)
			checker.tick(ctx)
			snap := checker.Snapshot()
			Expect(snap).To(HaveKeyWithValue(selfID, Alive))
			Expect(snap).To(HaveKeyWithValue("peer", Alive))
		})
	})

	Context("emitted events", func() {
		It("broadcasts became_suspect and became_dead in order", func() {
			checker := NewChecker(cfg, cs, &errPinger{err: context.DeadlineExceeded}, selfID)
			for i := 0; i < 3; i++ {
				checker.tick(ctx)
			}
			time.Sleep(cfg.SuspectTimeout * 2)
			checker.tick(ctx)

			var kinds []EventKind
		drain:
			for {
				select {
				case ev := <-checker.Events():
					kinds = append(kinds, ev.Kind)
				default:
					break drain
				}
			}
			Expect(kinds).To(ContainElement(EventBecameSuspect))
			Expect(kinds).To(ContainElement(EventBecameDead))
			Expect(kinds).To(Equal([]EventKind{EventBecameSuspect, EventBecameDead}))
		})
	})
})

// togglePinger fails or succeeds depending on the fail flag, letting tests
// simulate a node flapping back to healthy mid-detection.
type togglePinger struct{ fail bool }

func (p *togglePinger) Ping(context.Context, *cluster.Node) (int64, error) {
	if p.fail {
		return 0, context.DeadlineExceeded
	}
	return 1, nil
}
