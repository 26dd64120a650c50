package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// Session is the runtime RTP state for one call: the RTP/RTCP socket pair,
// the remote endpoint, and the sender counters. Sequence number and
// timestamp are mutated only by the single active sender; StreamPCM
// serializes callers with a mutex.
type Session struct {
	callID string
	codec  Codec

	rtpConn   *net.UDPConn
	rtcpConn  *net.UDPConn
	remote    *net.UDPAddr
	localIP   net.IP
	localPort int

	ssrc      uint32
	seq       uint16
	timestamp uint32

	active    atomic.Bool
	sendMu    sync.Mutex
	recvDone  chan struct{}
	closeOnce sync.Once

	detector *SilenceDetector
	tracker  *SequenceTracker
}

// NewSession opens the RTP socket at localPort and the RTCP socket at
// localPort+1, bound to a preferred private IPv4 address when one exists.
// The utterance callback receives segmented speech from the receive loop;
// it may be nil.
func NewSession(callID string, localPort int, remoteAddr string, remotePort int, onUtterance UtteranceFunc) (*Session, error) {
	localIP := SelectLocalIP()

	rtpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: localIP, Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("failed to bind RTP socket on port %d: %w", localPort, err)
	}

	rtcpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: localIP, Port: localPort + 1})
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("failed to bind RTCP socket on port %d: %w", localPort+1, err)
	}

	remote, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", remoteAddr, remotePort))
	if err != nil {
		rtpConn.Close()
		rtcpConn.Close()
		return nil, fmt.Errorf("failed to resolve remote RTP address %s:%d: %w", remoteAddr, remotePort, err)
	}

	s := &Session{
		callID:    callID,
		codec:     CodecPCMA,
		rtpConn:   rtpConn,
		rtcpConn:  rtcpConn,
		remote:    remote,
		localIP:   localIP,
		localPort: localPort,
		ssrc:      GenerateSSRC(),
		seq:       GenerateSequenceStart(),
		timestamp: GenerateTimestampStart(),
		detector:  NewSilenceDetector(onUtterance),
		tracker:   NewSequenceTracker(),
	}

	slog.Info("[Media] RTP session initialized",
		"call_id", callID,
		"local", rtpConn.LocalAddr().String(),
		"remote", remote.String())

	return s, nil
}

// Start launches the receive loop. Compare-and-set on the active flag makes
// repeated calls idempotent; returns false if the session was already started.
func (s *Session) Start() bool {
	if !s.active.CompareAndSwap(false, true) {
		return false
	}

	s.recvDone = make(chan struct{})
	go s.receiveLoop()

	slog.Info("[Media] Session started", "call_id", s.callID, "ssrc", fmt.Sprintf("%08x", s.ssrc))
	return true
}

// Stop halts the receive loop, closes both sockets and waits a bounded time
// for the loop to drain. Idempotent; returns false if already stopped.
func (s *Session) Stop() bool {
	wasActive := s.active.CompareAndSwap(true, false)

	// Closing the socket unblocks the receive loop's read. Sessions that
	// never started still release their sockets here.
	s.closeOnce.Do(func() {
		s.rtpConn.Close()
		s.rtcpConn.Close()
	})
	if !wasActive {
		return false
	}

	if s.recvDone != nil {
		select {
		case <-s.recvDone:
		case <-time.After(2 * time.Second):
			slog.Warn("[Media] Receive loop did not drain in time", "call_id", s.callID)
		}
	}

	received, lost := s.tracker.Stats()
	slog.Info("[Media] Session stopped",
		"call_id", s.callID,
		"packets_received", received,
		"packets_lost", lost)
	return true
}

// Active reports whether the session is currently running.
func (s *Session) Active() bool {
	return s.active.Load()
}

// CallID returns the owning call's Call-ID.
func (s *Session) CallID() string {
	return s.callID
}

// LocalPort returns the RTP socket's port.
func (s *Session) LocalPort() int {
	return s.localPort
}

// LocalIP returns the bound local address, or "0.0.0.0" for the wildcard.
func (s *Session) LocalIP() string {
	if s.localIP == nil {
		return "0.0.0.0"
	}
	return s.localIP.String()
}

// RemoteAddr returns the negotiated remote RTP endpoint.
func (s *Session) RemoteAddr() string {
	return s.remote.String()
}

// SSRC returns the fixed synchronization source of this media session.
func (s *Session) SSRC() uint32 {
	return s.ssrc
}

// receiveLoop reads datagrams until the session stops, validates RTP
// framing, decodes A-law payloads and feeds the silence detector.
func (s *Session) receiveLoop() {
	defer close(s.recvDone)
	defer s.detector.Flush()

	buf := make([]byte, 1500)
	for {
		n, _, err := s.rtpConn.ReadFromUDP(buf)
		if err != nil {
			if s.active.Load() {
				slog.Error("[Media] RTP read failed", "call_id", s.callID, "error", err.Error())
			}
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			slog.Debug("[Media] Dropping malformed RTP packet", "call_id", s.callID, "size", n)
			continue
		}
		if pkt.Version != 2 {
			slog.Debug("[Media] Dropping packet with unexpected RTP version", "call_id", s.callID, "version", pkt.Version)
			continue
		}
		if pkt.PayloadType != s.codec.PayloadType {
			slog.Warn("[Media] Dropping non-PCMA payload", "call_id", s.callID, "payload_type", pkt.PayloadType)
			continue
		}

		s.tracker.Update(pkt.SequenceNumber)

		pcm := DecodeAlaw(pkt.Payload)
		s.detector.Feed(pcm, time.Now())
	}
}

// StreamPCM sends 16-bit little-endian 8kHz mono PCM to the remote party in
// 20ms A-law frames. Each frame's deadline is computed from the stream start
// time so pacing does not drift; stopping the session halts the stream
// between frames. Callers are serialized per session.
func (s *Session) StreamPCM(pcm []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if !s.active.Load() {
		return fmt.Errorf("media session not active for call %s", s.callID)
	}

	frameBytes := s.codec.PCMBytesPerFrame()
	start := time.Now()

	for n := 0; n*frameBytes < len(pcm); n++ {
		if !s.active.Load() {
			slog.Debug("[Media] Stream halted mid-send", "call_id", s.callID, "frames_sent", n)
			return nil
		}

		if delta := time.Until(start.Add(time.Duration(n) * s.codec.SampleDur)); delta > 0 {
			time.Sleep(delta)
		}

		frame := pcm[n*frameBytes:]
		if len(frame) >= frameBytes {
			frame = frame[:frameBytes]
		} else {
			// Pad the trailing short frame with silence
			padded := make([]byte, frameBytes)
			copy(padded, frame)
			frame = padded
		}

		if err := s.sendFrame(EncodeAlaw(frame)); err != nil {
			return fmt.Errorf("failed to send RTP frame %d: %w", n, err)
		}
	}

	return nil
}

// StreamFile plays a WAV file to the remote party, resampling to
// 8kHz/16-bit/mono as needed.
func (s *Session) StreamFile(path string) error {
	audioFile, err := ReadWAVFile(path)
	if err != nil {
		return fmt.Errorf("failed to read audio file: %w", err)
	}

	pcm, err := ResampleAudio(audioFile)
	if err != nil {
		return fmt.Errorf("failed to resample audio file: %w", err)
	}

	slog.Info("[Media] Streaming audio file",
		"call_id", s.callID,
		"file", path,
		"pcm_bytes", len(pcm))

	return s.StreamPCM(pcm)
}

// sendFrame wraps one encoded payload in an RTP header and sends it,
// advancing the sequence number and timestamp.
func (s *Session) sendFrame(payload []byte) error {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.codec.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}

	data, err := pkt.Marshal()
	if err != nil {
		return err
	}

	if _, err := s.rtpConn.WriteToUDP(data, s.remote); err != nil {
		return err
	}

	s.seq++
	s.timestamp += s.codec.TimestampIncrement()
	return nil
}
