package e2e_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/doclens-ai/doclens/internal/event"
	"github.com/doclens-ai/doclens/internal/session"
	"github.com/doclens-ai/doclens/internal/stream"
	"github.com/doclens-ai/doclens/internal/thread"
	"github.com/doclens-ai/doclens/pkg/types"
)

var _ = Describe("Turn Workflows", func() {
	var ctrl *session.Controller

	BeforeEach(func() {
		ctrl = session.NewController(client, nil, bus)
	})

	AfterEach(func() {
		ctrl.Cancel()
	})

	Describe("Streamed Completion", func() {
		It("should assemble text, tool calls, and sources", func() {
			err := ctrl.Send(ctx, "hello please")
			Expect(err).NotTo(HaveOccurred())

			final, err := ctrl.Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.Status).To(Equal(types.TurnCompleted))
			Expect(final.Content).To(Equal("Hello"))
			Expect(final.ID).NotTo(BeEmpty())

			Expect(final.ToolCalls).To(HaveLen(1))
			Expect(final.ToolCalls[0].Name).To(Equal("search"))
			Expect(final.ToolCalls[0].Status).To(Equal(types.ToolCallComplete))

			// Tool-result sources land first, then the end-of-turn batch
			Expect(final.Sources).To(HaveLen(2))
			Expect(final.Sources[0].Content).To(Equal("tool-doc"))
			Expect(final.Sources[1].Content).To(Equal("doc1"))

			snap := ctrl.Snapshot()
			Expect(snap.State).To(Equal(session.StateCompleted))
			Expect(snap.History).To(HaveLen(2))
			Expect(snap.History[0].Role).To(Equal(types.RoleUser))
			Expect(snap.History[0].Origin).To(Equal(types.OriginConfirmed))
		})

		It("should publish incremental updates on the bus", func() {
			updates := make(chan types.Turn, 64)
			unsub := bus.Subscribe(event.TurnUpdated, func(ev event.Event) {
				if data, ok := ev.Data.(event.TurnUpdatedData); ok {
					updates <- data.Turn
				}
			})
			defer unsub()

			Expect(ctrl.Send(ctx, "hello please")).To(Succeed())
			_, err := ctrl.Wait(ctx)
			Expect(err).NotTo(HaveOccurred())

			// Updates are published per folded event, so both the partial
			// and the finished content show up. Delivery is asynchronous;
			// collect until both have been seen.
			seen := map[string]bool{}
			timeout := time.After(2 * time.Second)
			for !(seen["Hel"] && seen["Hello"]) {
				select {
				case turn := <-updates:
					if turn.Role == types.RoleAssistant {
						seen[turn.Content] = true
					}
				case <-timeout:
					Fail("Timed out waiting for incremental updates")
				}
			}
		})

		It("should skip undecodable frames and finish the turn", func() {
			Expect(ctrl.Send(ctx, "please garble this")).To(Succeed())

			final, err := ctrl.Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.Status).To(Equal(types.TurnCompleted))
			Expect(final.Content).To(Equal("recovered"))
		})
	})

	Describe("Cancellation", func() {
		It("should keep partial content when cancelled", func() {
			Expect(ctrl.Send(ctx, "take your time")).To(Succeed())

			// Wait until the first chunk has been folded in
			Eventually(func() string {
				snap := ctrl.Snapshot()
				if snap.Current == nil {
					return ""
				}
				return snap.Current.Content
			}, 2*time.Second, 10*time.Millisecond).Should(Equal("Par"))

			ctrl.Cancel()

			final, err := ctrl.Wait(ctx)
			Expect(err).NotTo(HaveOccurred(), "Cancellation is a status, not a failure")
			Expect(final.Status).To(Equal(types.TurnCancelled))
			Expect(final.Content).To(Equal("Par"))

			snap := ctrl.Snapshot()
			Expect(snap.State).To(Equal(session.StateCancelled))
			Expect(snap.LastErr).To(BeNil())
		})
	})

	Describe("Stream Failures", func() {
		It("should fail the turn when the stream ends without a terminal frame", func() {
			Expect(ctrl.Send(ctx, "this connection is flaky")).To(Succeed())

			_, err := ctrl.Wait(ctx)
			Expect(err).To(MatchError(stream.ErrUnexpectedEnd))

			snap := ctrl.Snapshot()
			Expect(snap.State).To(Equal(session.StateErrored))
			last := snap.History[len(snap.History)-1]
			Expect(last.Status).To(Equal(types.TurnErrored))
			Expect(last.Content).To(Equal("Par"), "Partial content survives the failure")
		})

		It("should surface server error frames", func() {
			Expect(ctrl.Send(ctx, "please break the model")).To(Succeed())

			_, err := ctrl.Wait(ctx)
			var streamErr *stream.StreamError
			Expect(errors.As(err, &streamErr)).To(BeTrue(), "expected a stream error, got %v", err)
			Expect(streamErr.Message).To(Equal("model backend unavailable"))

			snap := ctrl.Snapshot()
			Expect(snap.State).To(Equal(session.StateErrored))
			last := snap.History[len(snap.History)-1]
			Expect(last.Content).To(Equal("part"))
		})
	})

	Describe("Thread-bound Turns", func() {
		var registry *thread.Registry

		BeforeEach(func() {
			registry = thread.NewRegistry(client, bus)
			ctrl = session.NewController(client, registry, bus)
		})

		It("should persist the exchange into the bound thread", func() {
			created, err := registry.Create(ctx, "Filing review")
			Expect(err).NotTo(HaveOccurred())
			defer registry.Delete(ctx, created.ID)

			selected, err := registry.Select(ctx, created.ID)
			Expect(err).NotTo(HaveOccurred())
			ctrl.Bind(selected.ID, selected.Turns)

			Expect(ctrl.Send(ctx, "hello please")).To(Succeed())
			final, err := ctrl.Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.Origin).To(Equal(types.OriginConfirmed))

			// Registry cache mirrors the finished exchange
			cached := registry.Selected()
			Expect(cached).NotTo(BeNil())
			Expect(cached.MessageCount).To(Equal(2))
			Expect(cached.Turns).To(HaveLen(2))

			// And the console recorded it server-side
			stored := console.Thread(created.ID)
			Expect(stored).NotTo(BeNil())
			Expect(stored.Turns).To(HaveLen(2))
			Expect(stored.Turns[1].ID).To(Equal(final.ID))

			// The request carried the thread binding
			reqs := console.StreamRequests()
			Expect(reqs).NotTo(BeEmpty())
			lastReq := reqs[len(reqs)-1]
			Expect(lastReq.ThreadID).To(Equal(created.ID))
			Expect(lastReq.Messages).To(HaveLen(1))
		})
	})
})
