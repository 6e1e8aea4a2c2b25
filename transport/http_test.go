package transport_test

import (
	"context"
	"net"
	"net/http/httptest"
	"strconv"

	"github.com/gorilla/mux"

	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/data"
	. "github.com/PelionIoT/gridcore/marshal"
	. "github.com/PelionIoT/gridcore/transport"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func peerAddressOf(nodeID NodeID, server *httptest.Server) PeerAddress {
	host, port, _ := net.SplitHostPort(server.Listener.Addr().String())
	portNumber, _ := strconv.Atoi(port)

	return PeerAddress{NodeID: nodeID, Host: host, Port: portNumber}
}

var _ = Describe("HTTPHub", func() {
	var hub1, hub2 *HTTPHub
	var server1, server2 *httptest.Server

	BeforeEach(func() {
		marshaller, err := NewZstdMarshaller(NewJSONMarshaller())

		Expect(err).Should(BeNil())

		hub1 = NewHTTPHub("N1", marshaller, nil)
		hub2 = NewHTTPHub("N2", marshaller, nil)

		router1 := mux.NewRouter()
		router2 := mux.NewRouter()
		hub1.Attach(router1)
		hub2.Attach(router2)

		server1 = httptest.NewServer(router1)
		server2 = httptest.NewServer(router2)

		for _, hub := range []*HTTPHub{hub1, hub2} {
			hub.AddPeer(peerAddressOf("N1", server1))
			hub.AddPeer(peerAddressOf("N2", server2))
			hub.SetView(MembershipView{ID: 1, Members: []NodeID{"N1", "N2"}})
		}
	})

	AfterEach(func() {
		server1.Close()
		server2.Close()
	})

	It("should carry proposals with segment maps and return acks", func() {
		segmentMap, _ := NewDefaultConsistentHashFactory().Create([]NodeID{"N1", "N2"}, 8, 2)
		received := make(chan TopologyProposal, 1)

		hub2.OnProposal("users", func(proposal TopologyProposal) Ack {
			received <- proposal

			return Ack{From: "N2", Accepted: true, TopologyID: proposal.TopologyID}
		})

		acks, err := hub1.Broadcast(context.Background(), TopologyProposal{
			Phase:      PhasePending,
			Cache:      "users",
			From:       "N1",
			TopologyID: 3,
			Members:    []NodeID{"N1", "N2"},
			PendingMap: segmentMap,
		})

		Expect(err).Should(BeNil())
		Expect(acks).Should(Equal([]Ack{{From: "N2", Accepted: true, TopologyID: 3}}))

		proposal := <-received

		Expect(proposal.PendingMap.Equals(segmentMap)).Should(BeTrue())
		Expect(proposal.CurrentMap).Should(BeNil())
	})

	It("should deliver entry batches to the named cache", func() {
		received := make(chan EntryBatch, 1)

		hub2.OnEntryBatch("users", func(batch EntryBatch) error {
			received <- batch

			return nil
		})

		err := hub1.Send(context.Background(), "N2", EntryBatch{
			StreamID: "s",
			Cache:    "users",
			Segment:  5,
			Index:    1,
			Entries:  []*Entry{{Key: "a", Value: []byte("1"), Version: 2}},
			Final:    true,
		})

		Expect(err).Should(BeNil())

		batch := <-received

		Expect(batch.Segment).Should(Equal(uint64(5)))
		Expect(batch.Entries[0].Key).Should(Equal("a"))
		Expect(batch.Final).Should(BeTrue())
	})

	It("should report batches for unknown caches", func() {
		Expect(hub1.Send(context.Background(), "N2", EntryBatch{Cache: "orders"})).Should(Equal(ENoSuchCache))
	})

	It("should serve segment reads", func() {
		hub2.OnFetchSegment("users", func(cache string, segment uint64) ([]*Entry, error) {
			return []*Entry{{Key: "a", Version: segment}}, nil
		})

		entries, err := hub1.FetchSegment(context.Background(), "N2", "users", 9)

		Expect(err).Should(BeNil())
		Expect(entries).Should(HaveLen(1))
		Expect(entries[0].Version).Should(Equal(uint64(9)))
	})

	It("should refuse requests from unknown senders", func() {
		stranger := NewHTTPHub("N9", nil, nil)
		stranger.AddPeer(peerAddressOf("N2", server2))
		stranger.SetView(MembershipView{ID: 1, Members: []NodeID{"N9", "N2"}})

		hub2.OnEntryBatch("users", func(batch EntryBatch) error { return nil })

		Expect(stranger.Send(context.Background(), "N2", EntryBatch{Cache: "users"})).ShouldNot(Succeed())
	})

	It("should refuse segment reads from unknown senders", func() {
		served := false
		stranger := NewHTTPHub("N9", nil, nil)
		stranger.AddPeer(peerAddressOf("N2", server2))
		stranger.SetView(MembershipView{ID: 1, Members: []NodeID{"N9", "N2"}})

		hub2.OnFetchSegment("users", func(cache string, segment uint64) ([]*Entry, error) {
			served = true

			return []*Entry{{Key: "a", Version: segment}}, nil
		})

		_, err := stranger.FetchSegment(context.Background(), "N2", "users", 9)

		Expect(err).Should(Equal(ESenderUnknown))
		Expect(served).Should(BeFalse())
	})

	It("should ignore membership views older than the installed one", func() {
		hub1.SetView(MembershipView{ID: 5, Members: []NodeID{"N1"}})
		hub1.SetView(MembershipView{ID: 4, Members: []NodeID{"N1", "N2"}})

		Expect(hub1.View().ID).Should(Equal(uint64(5)))
	})
})
