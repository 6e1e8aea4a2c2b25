package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/data"
	. "github.com/PelionIoT/gridcore/error"
	. "github.com/PelionIoT/gridcore/logging"
	. "github.com/PelionIoT/gridcore/marshal"
	"github.com/PelionIoT/gridcore/metrics"
)

const (
	RequestTimeoutSeconds = 10
)

const (
	topologyEndpoint   = "/topology"
	membershipEndpoint = "/membership"
	batchesEndpoint    = "/caches/%s/batches"
	segmentEndpoint    = "/caches/%s/segments/%d"
)

type PeerAddress struct {
	NodeID NodeID `json:"id" yaml:"id"`
	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
}

func (peerAddress PeerAddress) ToHTTPURL(endpoint string) string {
	return fmt.Sprintf("http://%s:%d%s", peerAddress.Host, peerAddress.Port, endpoint)
}

func (peerAddress PeerAddress) IsEmpty() bool {
	return peerAddress.NodeID == "" && peerAddress.Host == "" && peerAddress.Port == 0
}

// HTTPHub is the Transport between members that run in separate processes.
// Membership views are pushed to it by the membership service through
// SetView or the membership endpoint.
type HTTPHub struct {
	*handlerRegistry
	localID    NodeID
	peers      map[NodeID]PeerAddress
	view       MembershipView
	httpClient *http.Client
	marshaller Marshaller
	lock       sync.Mutex
}

func NewHTTPHub(localID NodeID, marshaller Marshaller, httpClient *http.Client) *HTTPHub {
	if marshaller == nil {
		marshaller = NewJSONMarshaller()
	}

	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: time.Second * RequestTimeoutSeconds,
		}
	}

	return &HTTPHub{
		handlerRegistry: newHandlerRegistry(),
		localID:         localID,
		peers:           make(map[NodeID]PeerAddress),
		httpClient:      httpClient,
		marshaller:      marshaller,
	}
}

func (hub *HTTPHub) LocalID() NodeID {
	return hub.localID
}

func (hub *HTTPHub) AddPeer(peerAddress PeerAddress) {
	hub.lock.Lock()
	defer hub.lock.Unlock()

	hub.peers[peerAddress.NodeID] = peerAddress
}

func (hub *HTTPHub) RemovePeer(nodeID NodeID) {
	hub.lock.Lock()
	defer hub.lock.Unlock()

	delete(hub.peers, nodeID)
}

func (hub *HTTPHub) peer(nodeID NodeID) (PeerAddress, bool) {
	hub.lock.Lock()
	defer hub.lock.Unlock()

	peerAddress, ok := hub.peers[nodeID]

	return peerAddress, ok
}

func (hub *HTTPHub) View() MembershipView {
	hub.lock.Lock()
	defer hub.lock.Unlock()

	return hub.view
}

// SetView installs a membership view and notifies listeners. Views older
// than the installed one are ignored.
func (hub *HTTPHub) SetView(view MembershipView) {
	hub.lock.Lock()

	if view.ID != 0 && view.ID <= hub.view.ID {
		hub.lock.Unlock()

		Log.Warningf("Local node (id = %s) ignoring membership view %d, view %d is installed", hub.localID, view.ID, hub.view.ID)

		return
	}

	hub.view = view
	hub.lock.Unlock()

	hub.notifyMembership(view)
}

func (hub *HTTPHub) Broadcast(ctx context.Context, proposal TopologyProposal) ([]Ack, error) {
	members := hub.View().Members
	responses := make([]*Ack, len(members))
	var group errgroup.Group

	for i, member := range members {
		if member == hub.localID {
			continue
		}

		i, member := i, member

		group.Go(func() error {
			var ack Ack

			if err := hub.post(ctx, member, topologyEndpoint, proposal, &ack); err != nil {
				Log.Warningf("Local node (id = %s) could not deliver %s proposal for topology %d to node %s: %v", hub.localID, proposal.Phase, proposal.TopologyID, member, err)

				return nil
			}

			responses[i] = &ack

			return nil
		})
	}

	group.Wait()

	acks := make([]Ack, 0, len(members))

	for _, ack := range responses {
		if ack != nil {
			acks = append(acks, *ack)
		}
	}

	return acks, ctx.Err()
}

func (hub *HTTPHub) Send(ctx context.Context, target NodeID, batch EntryBatch) error {
	if !Contains(hub.View().Members, target) {
		return ENoSuchMember
	}

	return hub.post(ctx, target, fmt.Sprintf(batchesEndpoint, url.PathEscape(batch.Cache)), batch, nil)
}

func (hub *HTTPHub) FetchSegment(ctx context.Context, target NodeID, cache string, segment uint64) ([]*Entry, error) {
	peerAddress, ok := hub.peer(target)

	if !ok {
		return nil, ENoSuchMember
	}

	request, err := http.NewRequestWithContext(ctx, "GET", peerAddress.ToHTTPURL(fmt.Sprintf(segmentEndpoint, url.PathEscape(cache), segment)), nil)

	if err != nil {
		return nil, err
	}

	request.Header.Set("X-Gridcore-Sender", string(hub.localID))

	var entries []*Entry

	if err := hub.do(request, &entries); err != nil {
		return nil, err
	}

	return entries, nil
}

func (hub *HTTPHub) post(ctx context.Context, target NodeID, endpoint string, body interface{}, response interface{}) error {
	peerAddress, ok := hub.peer(target)

	if !ok {
		return ENoSuchMember
	}

	encoded, err := hub.marshaller.Marshal(body)

	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, "POST", peerAddress.ToHTTPURL(endpoint), bytes.NewReader(encoded))

	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", hub.marshaller.ContentType())
	request.Header.Set("X-Gridcore-Sender", string(hub.localID))

	return hub.do(request, response)
}

func (hub *HTTPHub) do(request *http.Request, response interface{}) error {
	resp, err := hub.httpClient.Do(request)

	if err != nil {
		if strings.Contains(err.Error(), "Timeout") {
			return ETimeout
		}

		return err
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)

	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusForbidden {
			return ESenderUnknown
		}

		if resp.StatusCode == http.StatusNotFound {
			return ENoSuchCache
		}

		return errors.New(fmt.Sprintf("Received error code from server: (%d) %s", resp.StatusCode, string(body)))
	}

	if response == nil {
		return nil
	}

	return hub.marshaller.Unmarshal(body, response)
}

func (hub *HTTPHub) knowsSender(r *http.Request) bool {
	sender := NodeID(r.Header.Get("X-Gridcore-Sender"))

	if _, ok := hub.peer(sender); ok {
		return true
	}

	return Contains(hub.View().Members, sender)
}

func (hub *HTTPHub) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", hub.marshaller.ContentType())
	w.WriteHeader(status)

	if body == nil {
		io.WriteString(w, "\n")

		return
	}

	encoded, err := hub.marshaller.Marshal(body)

	if err != nil {
		Log.Errorf("Local node (id = %s) unable to encode response: %v", hub.localID, err)

		return
	}

	w.Write(encoded)
}

func (hub *HTTPHub) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	encoded, err := io.ReadAll(r.Body)

	if err != nil {
		Log.Warningf("%s %s: Unable to read message body", r.Method, r.URL.Path)

		hub.respond(w, http.StatusInternalServerError, nil)

		return false
	}

	if err := hub.marshaller.Unmarshal(encoded, v); err != nil {
		Log.Warningf("%s %s: Unable to parse message body: %v", r.Method, r.URL.Path, err)

		hub.respond(w, http.StatusBadRequest, nil)

		return false
	}

	return true
}

func (hub *HTTPHub) Attach(router *mux.Router) {
	router.HandleFunc(topologyEndpoint, func(w http.ResponseWriter, r *http.Request) {
		if !hub.knowsSender(r) {
			Log.Warningf("POST %s: Sender node (%s) is not known by this node", topologyEndpoint, r.Header.Get("X-Gridcore-Sender"))

			hub.respond(w, http.StatusForbidden, nil)

			return
		}

		var proposal TopologyProposal

		if !hub.decode(w, r, &proposal) {
			return
		}

		hub.respond(w, http.StatusOK, hub.handleProposal(hub.localID, proposal))
	}).Methods("POST")

	router.HandleFunc(membershipEndpoint, func(w http.ResponseWriter, r *http.Request) {
		var view MembershipView

		if !hub.decode(w, r, &view) {
			return
		}

		hub.SetView(view)
		hub.respond(w, http.StatusOK, nil)
	}).Methods("POST")

	router.HandleFunc("/caches/{cache}/batches", func(w http.ResponseWriter, r *http.Request) {
		if !hub.knowsSender(r) {
			Log.Warningf("POST %s: Sender node (%s) is not known by this node", r.URL.Path, r.Header.Get("X-Gridcore-Sender"))

			hub.respond(w, http.StatusForbidden, nil)

			return
		}

		var batch EntryBatch

		if !hub.decode(w, r, &batch) {
			return
		}

		batch.Cache = mux.Vars(r)["cache"]

		if err := hub.handleEntryBatch(batch); err != nil {
			status := http.StatusInternalServerError

			if err == ENoSuchCache {
				status = http.StatusNotFound
			}

			Log.Warningf("POST %s: Unable to apply batch %d of stream %s: %v", r.URL.Path, batch.Index, batch.StreamID, err)

			hub.respond(w, status, nil)

			return
		}

		hub.respond(w, http.StatusOK, nil)
	}).Methods("POST")

	router.HandleFunc("/caches/{cache}/segments/{segment}", func(w http.ResponseWriter, r *http.Request) {
		if !hub.knowsSender(r) {
			Log.Warningf("GET %s: Sender node (%s) is not known by this node", r.URL.Path, r.Header.Get("X-Gridcore-Sender"))

			hub.respond(w, http.StatusForbidden, nil)

			return
		}

		segment, err := strconv.ParseUint(mux.Vars(r)["segment"], 10, 64)

		if err != nil {
			hub.respond(w, http.StatusBadRequest, nil)

			return
		}

		entries, err := hub.handleFetchSegment(mux.Vars(r)["cache"], segment)

		if err == ENoSuchCache {
			hub.respond(w, http.StatusNotFound, nil)

			return
		}

		if err != nil {
			Log.Warningf("GET %s: Unable to read segment: %v", r.URL.Path, err)

			hub.respond(w, http.StatusInternalServerError, nil)

			return
		}

		hub.respond(w, http.StatusOK, entries)
	}).Methods("GET")

	router.Handle("/metrics", metrics.Handler()).Methods("GET")
}
