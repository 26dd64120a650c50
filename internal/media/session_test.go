package media

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, remotePort int) *Session {
	t.Helper()
	for port := 40000; port < 40200; port += 2 {
		s, err := NewSession("call-test", port, "127.0.0.1", remotePort, nil)
		if err == nil {
			return s
		}
	}
	t.Fatal("no free RTP port pair found")
	return nil
}

func TestStreamPCMFraming(t *testing.T) {
	receiver, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer receiver.Close()

	s := newTestSession(t, receiver.LocalAddr().(*net.UDPAddr).Port)
	defer s.Stop()

	// Prime the sender counters right below the rollover
	s.active.Store(true)
	s.seq = 0xFFFE
	s.timestamp = 1000

	const frames = 4
	pcm := make([]byte, frames*s.codec.PCMBytesPerFrame())
	require.NoError(t, s.StreamPCM(pcm))

	wantSeq := []uint16{0xFFFE, 0xFFFF, 0, 1}
	buf := make([]byte, 1500)
	for i := 0; i < frames; i++ {
		require.NoError(t, receiver.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := receiver.ReadFromUDP(buf)
		require.NoError(t, err)

		pkt := &rtp.Packet{}
		require.NoError(t, pkt.Unmarshal(buf[:n]))

		assert.Equal(t, uint8(2), pkt.Version)
		assert.Equal(t, uint8(8), pkt.PayloadType)
		assert.Equal(t, wantSeq[i], pkt.SequenceNumber)
		assert.Equal(t, uint32(1000)+uint32(i)*160, pkt.Timestamp)
		assert.Equal(t, s.ssrc, pkt.SSRC)
		assert.Len(t, pkt.Payload, 160)
	}
}

func TestStreamPCMPadsTrailingFrame(t *testing.T) {
	receiver, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer receiver.Close()

	s := newTestSession(t, receiver.LocalAddr().(*net.UDPAddr).Port)
	defer s.Stop()
	s.active.Store(true)

	// One and a half frames of PCM still produce two full payloads
	require.NoError(t, s.StreamPCM(make([]byte, 480)))

	buf := make([]byte, 1500)
	for i := 0; i < 2; i++ {
		require.NoError(t, receiver.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := receiver.ReadFromUDP(buf)
		require.NoError(t, err)

		pkt := &rtp.Packet{}
		require.NoError(t, pkt.Unmarshal(buf[:n]))
		assert.Len(t, pkt.Payload, 160)
	}
}

func TestStreamPCMRejectsInactiveSession(t *testing.T) {
	receiver, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer receiver.Close()

	s := newTestSession(t, receiver.LocalAddr().(*net.UDPAddr).Port)
	defer s.rtpConn.Close()
	defer s.rtcpConn.Close()

	assert.Error(t, s.StreamPCM(make([]byte, 320)))
}

func TestStartStopIdempotent(t *testing.T) {
	receiver, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer receiver.Close()

	s := newTestSession(t, receiver.LocalAddr().(*net.UDPAddr).Port)

	assert.True(t, s.Start())
	assert.False(t, s.Start())
	assert.True(t, s.Active())

	assert.True(t, s.Stop())
	assert.False(t, s.Stop())
	assert.False(t, s.Active())
}

func TestReceiveLoopSegmentsUtterances(t *testing.T) {
	sender, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sender.Close()

	utterances := make(chan []byte, 1)
	var s *Session
	for port := 40200; port < 40400; port += 2 {
		s, err = NewSession("call-recv", port, "127.0.0.1", sender.LocalAddr().(*net.UDPAddr).Port, func(pcm []byte) {
			utterances <- pcm
		})
		if err == nil {
			break
		}
	}
	require.NoError(t, err)
	require.True(t, s.Start())

	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.LocalPort()}
	sendPacket := func(seq uint16, payload []byte) {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    8,
				SequenceNumber: seq,
				Timestamp:      uint32(seq) * 160,
				SSRC:           0xABCD,
			},
			Payload: payload,
		}
		data, err := pkt.Marshal()
		require.NoError(t, err)
		_, err = sender.WriteToUDP(data, dest)
		require.NoError(t, err)
	}

	loud := EncodeAlaw(loudFrame())
	for seq := uint16(0); seq < 5; seq++ {
		sendPacket(seq, loud)
	}

	// Stopping flushes the pending utterance
	time.Sleep(200 * time.Millisecond)
	require.True(t, s.Stop())

	select {
	case got := <-utterances:
		assert.Equal(t, 5*s.codec.PCMBytesPerFrame(), len(got))
	case <-time.After(time.Second):
		t.Fatal("no utterance delivered")
	}
}
