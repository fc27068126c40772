// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// State is a RemoteSession's lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Role is a party's role in the offer/answer exchange.
type Role string

const (
	// RoleCaller originates the offer and creates the data channels.
	RoleCaller Role = "caller"

	// RoleAnswerer waits for the offer and accepts the channels the
	// caller created.
	RoleAnswerer Role = "answerer"
)

// Config parameterizes a RemoteSession.
type Config struct {
	// DeviceID identifies the device whose session this is; sent in
	// the join message so the relay can pair the two parties.
	DeviceID string

	// Role selects which side of the offer/answer exchange this
	// session plays.
	Role Role

	// ICEServers configures STUN/TURN. Empty means host candidates
	// only, which suffices on one network segment and in tests.
	ICEServers []webrtc.ICEServer

	// Logger receives structured log output. Nil means slog.Default().
	Logger *slog.Logger
}

// RemoteSession negotiates one peer connection over a signaling link
// and owns every resource derived from it. Sessions are single-use:
// after any teardown the owner builds a fresh session, never reuses
// this one. Exactly one session should be current per device at a
// time; the owner tears the old one down fully before connecting a
// replacement.
type RemoteSession struct {
	config Config
	link   SignalingLink
	logger *slog.Logger

	state       *StateStore[State]
	controlOpen *StateStore[bool]
	videoOpen   *StateStore[bool]

	mu                sync.Mutex
	peerConnection    *webrtc.PeerConnection
	control           *Channel
	video             *Channel
	pendingCandidates []webrtc.ICECandidateInit
	remoteDescribed   bool
	started           bool
	failReason        string

	controlHandler func([]byte)
	videoHandler   func([]byte)

	// established closes when the peer connection reaches Connected;
	// terminated closes when the session has fully torn down.
	established      chan struct{}
	establishedOnce  sync.Once
	terminated       chan struct{}
	teardownOnce     sync.Once
	cancelListeners  context.CancelFunc
	listenerFinished chan struct{}
}

// NewRemoteSession creates a session over the given signaling link.
// The link must not be shared with another session.
func NewRemoteSession(link SignalingLink, config Config) *RemoteSession {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteSession{
		config:           config,
		link:             link,
		logger:           logger.With("device", config.DeviceID, "role", config.Role),
		state:            NewStateStore(Disconnected),
		controlOpen:      NewStateStore(false),
		videoOpen:        NewStateStore(false),
		established:      make(chan struct{}),
		terminated:       make(chan struct{}),
		listenerFinished: make(chan struct{}),
	}
}

// State exposes the session lifecycle state for observation.
func (s *RemoteSession) State() *StateStore[State] { return s.state }

// ControlAvailable reports whether the command channel is open.
// Dependent wrappers subscribe here and construct themselves only once
// the value turns true.
func (s *RemoteSession) ControlAvailable() *StateStore[bool] { return s.controlOpen }

// VideoAvailable reports whether the video channel is open.
func (s *RemoteSession) VideoAvailable() *StateStore[bool] { return s.videoOpen }

// OnControlMessage registers the handler for inbound control-channel
// messages. Must be called before Connect.
func (s *RemoteSession) OnControlMessage(handler func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controlHandler = handler
}

// OnVideoMessage registers the handler for inbound video-channel
// messages. Must be called before Connect.
func (s *RemoteSession) OnVideoMessage(handler func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoHandler = handler
}

// Control returns the command channel once open.
func (s *RemoteSession) Control() (*Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control, s.control != nil
}

// Video returns the video channel once open.
func (s *RemoteSession) Video() (*Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video, s.video != nil
}

// Connect joins the signaling session, runs the offer/answer and
// candidate exchange for this session's role, and blocks until the
// peer connection is established, the session fails, or ctx expires.
// A session that has already connected (or failed) returns an error:
// build a new session instead.
func (s *RemoteSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("transport: session already used; create a new one")
	}
	s.started = true
	s.mu.Unlock()

	s.state.Set(Connecting)

	if err := s.link.Connect(ctx); err != nil {
		s.fail(fmt.Sprintf("signaling connect: %v", err))
		return err
	}

	peerConnection, err := s.newPeerConnection()
	if err != nil {
		s.fail(fmt.Sprintf("creating peer connection: %v", err))
		return err
	}
	s.mu.Lock()
	s.peerConnection = peerConnection
	s.mu.Unlock()

	s.registerPeerHandlers(ctx, peerConnection)

	if s.config.Role == RoleCaller {
		if err := s.setUpCallerChannels(peerConnection); err != nil {
			s.fail(err.Error())
			return err
		}
	}

	if err := s.sendSignal(ctx, Join{DeviceID: s.config.DeviceID, Role: s.config.Role}); err != nil {
		s.fail(fmt.Sprintf("sending join: %v", err))
		return err
	}

	if s.config.Role == RoleCaller {
		if err := s.sendOffer(ctx, peerConnection); err != nil {
			s.fail(err.Error())
			return err
		}
	}

	listenerCtx, cancel := context.WithCancel(context.Background())
	s.cancelListeners = cancel
	go s.signalLoop(listenerCtx)

	select {
	case <-s.established:
		return nil
	case <-s.terminated:
		s.mu.Lock()
		reason := s.failReason
		s.mu.Unlock()
		return fmt.Errorf("transport: session failed: %s", reason)
	case <-ctx.Done():
		s.fail("connect cancelled")
		return ctx.Err()
	}
}

// Close tears the session down deliberately: listeners first, then
// channels, then the peer connection, then the signaling link. Safe to
// call on a session that already failed.
func (s *RemoteSession) Close() error {
	s.teardown(Disconnected, "closed")
	return nil
}

// Done closes when the session has fully torn down.
func (s *RemoteSession) Done() <-chan struct{} { return s.terminated }

// fail records the first failure reason and tears down into Failed.
func (s *RemoteSession) fail(reason string) {
	s.teardown(Failed, reason)
}

// teardown releases everything exactly once, in dependency order:
// cancel listener goroutines, close data channels, close the peer
// connection, close the signaling link. The final state is set first
// so observers see the transition before resources disappear.
func (s *RemoteSession) teardown(final State, reason string) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.failReason = reason
		peerConnection := s.peerConnection
		control := s.control
		video := s.video
		s.control = nil
		s.video = nil
		s.mu.Unlock()

		if final == Failed {
			s.logger.Warn("session failed", "reason", reason)
		} else {
			s.logger.Info("session closed")
		}
		s.state.Set(final)

		if s.cancelListeners != nil {
			s.cancelListeners()
			<-s.listenerFinished
		}

		if control != nil {
			control.Close()
		}
		if video != nil {
			video.Close()
		}
		s.controlOpen.Set(false)
		s.videoOpen.Set(false)

		if peerConnection != nil {
			peerConnection.Close()
		}
		s.link.Close()

		close(s.terminated)
	})
}

// newPeerConnection builds a pion PeerConnection with loopback
// candidates enabled so same-machine sessions and tests work without
// external interfaces.
func (s *RemoteSession) newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	peerConnection, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: s.config.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: creating peer connection: %w", err)
	}
	return peerConnection, nil
}

// registerPeerHandlers wires candidate trickling, connection state
// observation, and (for the answerer) inbound data channel adoption.
func (s *RemoteSession) registerPeerHandlers(ctx context.Context, peerConnection *webrtc.PeerConnection) {
	peerConnection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return // gathering complete marker
		}
		init := candidate.ToJSON()
		signal := ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		}
		if err := s.sendSignal(ctx, signal); err != nil {
			s.logger.Debug("forwarding local candidate failed", "error", err)
		}
	})

	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Info("peer connection state change", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.establishedOnce.Do(func() { close(s.established) })
			s.state.Set(Connected)
		case webrtc.PeerConnectionStateFailed:
			// Teardown closes the peer connection; it must not run on
			// pion's callback goroutine.
			go s.fail("peer connection failed")
		case webrtc.PeerConnectionStateDisconnected:
			go s.fail("peer connection disconnected")
		}
	})

	if s.config.Role == RoleAnswerer {
		peerConnection.OnDataChannel(func(dataChannel *webrtc.DataChannel) {
			s.adoptChannel(dataChannel)
		})
	}
}

// setUpCallerChannels creates the control and video channels before
// the offer so they are negotiated in the initial exchange. Control is
// ordered and reliable; video is unordered with no retransmission —
// a lost frame is recovered by the next key frame, not by replay.
func (s *RemoteSession) setUpCallerChannels(peerConnection *webrtc.PeerConnection) error {
	ordered := true
	controlChannel, err := peerConnection.CreateDataChannel(ControlChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("creating control channel: %w", err)
	}
	s.adoptChannel(controlChannel)

	unordered := false
	var maxRetransmits uint16
	videoChannel, err := peerConnection.CreateDataChannel(VideoChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return fmt.Errorf("creating video channel: %w", err)
	}
	s.adoptChannel(videoChannel)
	return nil
}

// adoptChannel wires a data channel's lifecycle into the session.
// Unknown labels are closed: the protocol has exactly two channels.
func (s *RemoteSession) adoptChannel(dataChannel *webrtc.DataChannel) {
	label := dataChannel.Label()

	var open *StateStore[bool]
	switch label {
	case ControlChannelLabel:
		open = s.controlOpen
	case VideoChannelLabel:
		open = s.videoOpen
	default:
		s.logger.Warn("rejecting unknown data channel", "label", label)
		dataChannel.Close()
		return
	}

	dataChannel.OnMessage(func(message webrtc.DataChannelMessage) {
		s.mu.Lock()
		var handler func([]byte)
		if label == ControlChannelLabel {
			handler = s.controlHandler
		} else {
			handler = s.videoHandler
		}
		s.mu.Unlock()
		if handler != nil {
			handler(message.Data)
		}
	})

	dataChannel.OnOpen(func() {
		s.logger.Debug("data channel open", "label", label)
		channel := &Channel{dataChannel: dataChannel}
		s.mu.Lock()
		if label == ControlChannelLabel {
			s.control = channel
		} else {
			s.video = channel
		}
		s.mu.Unlock()
		open.Set(true)
	})

	dataChannel.OnClose(func() {
		s.logger.Debug("data channel closed", "label", label)
		open.Set(false)
	})
}

// sendOffer creates the local description and forwards it immediately;
// candidates trickle afterwards via OnICECandidate.
func (s *RemoteSession) sendOffer(ctx context.Context, peerConnection *webrtc.PeerConnection) error {
	offer, err := peerConnection.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %v", err)
	}
	if err := peerConnection.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %v", err)
	}
	if err := s.sendSignal(ctx, Offer{SDP: offer.SDP}); err != nil {
		return fmt.Errorf("sending offer: %v", err)
	}
	s.logger.Info("offer sent")
	return nil
}

// signalLoop consumes the signaling link until cancellation or link
// loss. Malformed messages are logged and dropped; connectivity loss
// fails the session.
func (s *RemoteSession) signalLoop(ctx context.Context) {
	defer close(s.listenerFinished)

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-s.link.Messages():
			if !ok {
				// fail() blocks on listenerFinished during teardown,
				// so it must run outside this goroutine.
				go s.fail("signaling link closed")
				return
			}
			signal, err := DecodeSignal(raw)
			if err != nil {
				s.logger.Warn("dropping signal", "error", err)
				continue
			}
			s.handleSignal(ctx, signal)
		}
	}
}

func (s *RemoteSession) handleSignal(ctx context.Context, signal Signal) {
	switch message := signal.(type) {
	case Offer:
		if s.config.Role != RoleAnswerer {
			s.logger.Warn("dropping offer received in caller role")
			return
		}
		if err := s.acceptOffer(ctx, message); err != nil {
			go s.fail(fmt.Sprintf("accepting offer: %v", err))
		}

	case Answer:
		if s.config.Role != RoleCaller {
			s.logger.Warn("dropping answer received in answerer role")
			return
		}
		if err := s.acceptAnswer(message); err != nil {
			go s.fail(fmt.Sprintf("accepting answer: %v", err))
		}

	case ICECandidate:
		s.addRemoteCandidate(message)

	case PeerJoined:
		s.logger.Info("peer joined", "peer_role", message.Role)

	case PeerLeft:
		// A controller uses one relay connection for pairing and a
		// fresh one for the session, so the answerer sees a departure
		// between the two. Until an offer has been applied there is
		// nothing to tear down; keep waiting for the rejoin.
		s.mu.Lock()
		awaitingOffer := s.config.Role == RoleAnswerer && !s.remoteDescribed
		s.mu.Unlock()
		if awaitingOffer {
			s.logger.Info("peer left before offering; awaiting rejoin")
			return
		}
		go s.fail("peer left")

	case SignalFault:
		go s.fail("relay error: " + message.Message)

	case Join:
		// Relays do not forward join; a direct link delivers the
		// peer's join, which carries nothing this side needs.
		s.logger.Debug("peer join observed", "peer_role", message.Role)
	}
}

// acceptOffer applies the caller's description and responds with an
// answer.
func (s *RemoteSession) acceptOffer(ctx context.Context, offer Offer) error {
	s.mu.Lock()
	peerConnection := s.peerConnection
	s.mu.Unlock()
	if peerConnection == nil {
		return fmt.Errorf("no peer connection")
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := peerConnection.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	s.flushPendingCandidates(peerConnection)

	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	if err := s.sendSignal(ctx, Answer{SDP: answer.SDP}); err != nil {
		return fmt.Errorf("sending answer: %w", err)
	}
	s.logger.Info("answer sent")
	return nil
}

// acceptAnswer applies the answerer's description on the caller side.
func (s *RemoteSession) acceptAnswer(answer Answer) error {
	s.mu.Lock()
	peerConnection := s.peerConnection
	s.mu.Unlock()
	if peerConnection == nil {
		return fmt.Errorf("no peer connection")
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}
	if err := peerConnection.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	s.flushPendingCandidates(peerConnection)
	return nil
}

// addRemoteCandidate applies a candidate if the remote description is
// set, buffers it if not, and drops it silently once the session has
// torn down — late candidates after teardown are expected, not faults.
func (s *RemoteSession) addRemoteCandidate(candidate ICECandidate) {
	init := webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	}

	s.mu.Lock()
	peerConnection := s.peerConnection
	if peerConnection == nil {
		s.mu.Unlock()
		return
	}
	if !s.remoteDescribed {
		s.pendingCandidates = append(s.pendingCandidates, init)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := peerConnection.AddICECandidate(init); err != nil {
		s.logger.Debug("applying remote candidate failed", "error", err)
	}
}

// flushPendingCandidates applies candidates buffered before the remote
// description was available.
func (s *RemoteSession) flushPendingCandidates(peerConnection *webrtc.PeerConnection) {
	s.mu.Lock()
	s.remoteDescribed = true
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()

	for _, candidate := range pending {
		if err := peerConnection.AddICECandidate(candidate); err != nil {
			s.logger.Debug("applying buffered candidate failed", "error", err)
		}
	}
}

func (s *RemoteSession) sendSignal(ctx context.Context, signal Signal) error {
	encoded, err := EncodeSignal(signal)
	if err != nil {
		return err
	}
	return s.link.Send(ctx, encoded)
}
