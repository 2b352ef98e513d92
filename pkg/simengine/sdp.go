package simengine

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/arzzra/sipcall/pkg/call"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
)

const (
	videoPayloadType = 96
	videoCodec       = "H264"
	videoClockRate   = 90000
)

// offerParams что описать в SDP исходящего запроса
type offerParams struct {
	sessionID uint64
	localIP   string
	port      int
	setting   call.CallSetting
	direction string
}

func sessionIDFromUUID(id uuid.UUID) uint64 {
	return binary.BigEndian.Uint64(id[:8]) >> 1
}

func connection(ip string) *sdp.ConnectionInformation {
	return &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: "IP4",
		Address:     &sdp.Address{Address: ip},
	}
}

// buildOffer создает SDP для INVITE, 200 OK или re-INVITE.
// Видео описывается при VideoCount > 0; с FlagIncludeDisabledMedia
// видео без активного потока остается в SDP с портом 0.
func (e *Engine) buildOffer(p offerParams) (*sdp.SessionDescription, error) {
	version := e.nextSDPVersion()

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      p.sessionID,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: p.localIP,
		},
		SessionName:           sdp.SessionName("sipcall"),
		ConnectionInformation: connection(p.localIP),
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	direction := p.direction
	if direction == "" {
		direction = "sendrecv"
	}

	if p.setting.AudioCount > 0 {
		audio := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:  "audio",
				Port:   sdp.RangedPort{Value: p.port},
				Protos: []string{"RTP", "AVP"},
			},
		}
		audio = audio.WithCodec(0, "PCMU", 8000, 1, "")
		audio = audio.WithCodec(8, "PCMA", 8000, 1, "")
		audio.MediaName.Formats = []string{"0", "8"}
		audio = audio.WithPropertyAttribute(direction)
		desc = desc.WithMedia(audio)
	}

	switch {
	case p.setting.VideoCount > 0:
		video := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:  "video",
				Port:   sdp.RangedPort{Value: p.port + 2},
				Protos: []string{"RTP", "AVP"},
			},
		}
		video = video.WithCodec(videoPayloadType, videoCodec, videoClockRate, 0, "packetization-mode=1")
		video.MediaName.Formats = []string{strconv.Itoa(videoPayloadType)}
		if p.setting.ReqKeyframeMethod == call.KeyframeMethodRTCPPLI {
			video = video.WithValueAttribute("rtcp-fb", fmt.Sprintf("%d nack pli", videoPayloadType))
		}
		video = video.WithPropertyAttribute(direction)
		desc = desc.WithMedia(video)

	case p.setting.Flags&call.FlagIncludeDisabledMedia != 0:
		desc = desc.WithMedia(&sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "video",
				Port:    sdp.RangedPort{Value: 0},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{strconv.Itoa(videoPayloadType)},
			},
			Attributes: []sdp.Attribute{{Key: "inactive"}},
		})
	}

	if len(desc.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("offer without media: %w", ErrNoMedia)
	}
	return desc, nil
}

// mediaPorts порты m-строк описания: тип медиа -> порт
func mediaPorts(desc *sdp.SessionDescription) map[string]int {
	ports := make(map[string]int, len(desc.MediaDescriptions))
	for _, m := range desc.MediaDescriptions {
		ports[m.MediaName.Media] = m.MediaName.Port.Value
	}
	return ports
}
