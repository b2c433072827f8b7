package e2e_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/doclens-ai/doclens/internal/channel"
)

var _ = Describe("Entity Channel", func() {
	var ch *channel.Client

	BeforeEach(func() {
		endpoint, err := channel.URLFromBase(console.URL())
		Expect(err).NotTo(HaveOccurred())

		ch = channel.NewClient(channel.Options{
			URL:               endpoint,
			HeartbeatInterval: 50 * time.Millisecond,
			ReconnectDelay:    30 * time.Millisecond,
		})
	})

	AfterEach(func() {
		ch.Close()
		// Let the server notice the close so later specs start clean
		Eventually(console.ChannelConnections, time.Second).Should(Equal(0))
	})

	It("should deliver job notifications to matching handlers", func() {
		received := make(chan string, 8)
		off := ch.On("job_*", func(kind string, data []byte) {
			received <- kind
		})
		defer off()

		ch.Connect()
		Eventually(console.ChannelConnections, 2*time.Second).Should(Equal(1))
		Eventually(ch.State, time.Second).Should(Equal(channel.StateConnected))

		console.Broadcast("job_created", map[string]string{"id": "job_1", "status": "queued"})
		Eventually(received, 2*time.Second).Should(Receive(Equal("job_created")))
	})

	It("should hold the connection across heartbeats", func() {
		ch.Connect()
		Eventually(ch.State, 2*time.Second).Should(Equal(channel.StateConnected))

		// Several ping/pong rounds pass without a drop
		Consistently(ch.State, 300*time.Millisecond, 25*time.Millisecond).
			Should(Equal(channel.StateConnected))
	})

	It("should reconnect after the server drops the connection", func() {
		received := make(chan string, 8)
		off := ch.On("status_changed", func(kind string, data []byte) {
			received <- kind
		})
		defer off()

		ch.Connect()
		Eventually(console.ChannelConnections, 2*time.Second).Should(Equal(1))

		console.CloseChannelPeers()

		// Delivery after the drop proves a fresh connection took over;
		// broadcasts to zero connections go nowhere.
		Eventually(func() bool {
			console.Broadcast("status_changed", map[string]string{"id": "job_1", "status": "done"})
			select {
			case <-received:
				return true
			default:
				return false
			}
		}, 2*time.Second, 50*time.Millisecond).Should(BeTrue())

		Expect(console.ChannelConnections()).To(Equal(1))
		Expect(ch.State()).To(Equal(channel.StateConnected))
	})
})
