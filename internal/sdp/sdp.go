// Package sdp builds and parses the fixed audio session descriptions this
// agent exchanges: one audio stream, G.711 A-law preferred (payload 8),
// with PCMU and telephone-event offered alongside.
package sdp

import (
	"errors"
	"fmt"
	"time"

	psdp "github.com/pion/sdp/v3"
)

const sessionLabel = "sipagent"

// ErrNoConnectionAddress means neither the media level nor the session
// level carried a connection address.
var ErrNoConnectionAddress = errors.New("no connection address in SDP")

// MediaInfo is the audio endpoint extracted from a session description.
type MediaInfo struct {
	Address string
	Port    int
	Formats []string
}

// Build renders the audio offer/answer for the given local endpoint:
// m=audio <port> RTP/AVP 8 0 101 with rtpmap/fmtp/ptime attributes and
// sendrecv direction.
func Build(addr string, port int) ([]byte, error) {
	id := uint64(time.Now().Unix())

	sd := &psdp.SessionDescription{
		Version: 0,
		Origin: psdp.Origin{
			Username:       "-",
			SessionID:      id,
			SessionVersion: id,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: sessionLabel,
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: addr},
		},
		TimeDescriptions: []psdp.TimeDescription{{}},
		MediaDescriptions: []*psdp.MediaDescription{
			{
				MediaName: psdp.MediaName{
					Media:   "audio",
					Port:    psdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"8", "0", "101"},
				},
				Attributes: []psdp.Attribute{
					{Key: "rtpmap", Value: "8 PCMA/8000"},
					{Key: "rtpmap", Value: "0 PCMU/8000"},
					{Key: "rtpmap", Value: "101 telephone-event/8000"},
					{Key: "fmtp", Value: "101 0-15"},
					{Key: "ptime", Value: "20"},
					{Key: "sendrecv"},
				},
			},
		},
	}

	data, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SDP: %w", err)
	}
	return data, nil
}

// Parse extracts the remote audio endpoint from an SDP body.
// A media-level connection address takes precedence over the session-level
// one; absence of both is an error.
func Parse(body []byte) (*MediaInfo, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty SDP body")
	}

	sdpObj := &psdp.SessionDescription{}
	if err := sdpObj.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("failed to parse SDP: %w", err)
	}

	if len(sdpObj.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("no media descriptions in SDP")
	}

	// First media line is the audio stream
	mediaDesc := sdpObj.MediaDescriptions[0]

	info := &MediaInfo{
		Port:    mediaDesc.MediaName.Port.Value,
		Formats: mediaDesc.MediaName.Formats,
	}

	if mediaDesc.ConnectionInformation != nil && mediaDesc.ConnectionInformation.Address != nil {
		info.Address = mediaDesc.ConnectionInformation.Address.Address
	} else if sdpObj.ConnectionInformation != nil && sdpObj.ConnectionInformation.Address != nil {
		info.Address = sdpObj.ConnectionInformation.Address.Address
	}

	if info.Address == "" {
		return nil, ErrNoConnectionAddress
	}

	return info, nil
}
