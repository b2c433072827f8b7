package e2e_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/doclens-ai/doclens/internal/api"
	"github.com/doclens-ai/doclens/internal/thread"
)

var _ = Describe("Thread Workflows", func() {
	var registry *thread.Registry

	BeforeEach(func() {
		registry = thread.NewRegistry(client, bus)
		_, err := registry.Refresh(ctx)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should create a thread and list it first", func() {
		created, err := registry.Create(ctx, "Contract comparison")
		Expect(err).NotTo(HaveOccurred())
		Expect(created.ID).NotTo(BeEmpty())
		Expect(created.Title).To(Equal("Contract comparison"))
		defer registry.Delete(ctx, created.ID)

		threads, err := registry.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(threads).NotTo(BeEmpty())
		Expect(threads[0].ID).To(Equal(created.ID), "Fresh threads list first")
	})

	It("should select a thread and load its turn history", func() {
		created, err := registry.Create(ctx, "Filing walkthrough")
		Expect(err).NotTo(HaveOccurred())
		defer registry.Delete(ctx, created.ID)

		selected, err := registry.Select(ctx, created.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(selected.Turns).NotTo(BeNil(), "Detail fetch loads the turn list")
		Expect(selected.Turns).To(BeEmpty())
		Expect(registry.SelectedID()).To(Equal(created.ID))
	})

	It("should rename a thread", func() {
		created, err := registry.Create(ctx, "Draft")
		Expect(err).NotTo(HaveOccurred())
		defer registry.Delete(ctx, created.ID)

		err = registry.Rename(ctx, created.ID, "Final report")
		Expect(err).NotTo(HaveOccurred())

		stored := console.Thread(created.ID)
		Expect(stored).NotTo(BeNil())
		Expect(stored.Title).To(Equal("Final report"))
	})

	It("should remove a deleted thread from the list immediately", func() {
		created, err := registry.Create(ctx, "Disposable")
		Expect(err).NotTo(HaveOccurred())

		Expect(registry.Delete(ctx, created.ID)).To(Succeed())

		threads, err := registry.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		for _, t := range threads {
			Expect(t.ID).NotTo(Equal(created.ID))
		}
		Expect(console.Thread(created.ID)).To(BeNil())
	})

	It("should map missing threads onto ErrNotFound", func() {
		_, err := client.GetThread(ctx, "th_missing")
		Expect(errors.Is(err, api.ErrNotFound)).To(BeTrue(), "expected ErrNotFound, got %v", err)
	})
})
