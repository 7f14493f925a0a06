// Package sdp builds RFC 4566 session descriptions for relay streams.
// Descriptions are deterministic: identical inputs always produce
// byte-identical output, so a session's descriptor can be generated once
// and handed to every consumer. Construction and marshaling use
// github.com/pion/sdp/v3.
package sdp

import (
	"encoding/base64"
	"fmt"

	"github.com/pion/sdp/v3"

	"github.com/zsiec/camrelay/media"
	"github.com/zsiec/camrelay/nalu"
)

// VideoParams describes the video stream for SDP generation.
type VideoParams struct {
	Type        media.VideoType
	PayloadType uint8
	Sets        nalu.ParameterSets
}

// AudioCodec identifies the audio codec of the optional audio line.
type AudioCodec int

// Supported audio codecs.
const (
	AudioAAC AudioCodec = iota
	AudioOpus
)

// AudioParams describes the optional audio stream. Config is the MPEG-4
// AudioSpecificConfig and applies to AAC only.
type AudioParams struct {
	Codec       AudioCodec
	PayloadType uint8
	SampleRate  int
	Channels    int
	Config      []byte
}

// Build produces the session description text (CRLF line endings) for a
// video stream and optional audio stream. The video clock rate is fixed at
// 90000 Hz. Video parameter sets must be complete for the codec.
func Build(video VideoParams, audio *AudioParams) (string, error) {
	if !video.Sets.Complete(video.Type) {
		return "", fmt.Errorf("incomplete %s parameter sets", video.Type)
	}

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName: "camrelay",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
	}

	desc.MediaDescriptions = append(desc.MediaDescriptions, videoDescription(video))
	if audio != nil {
		desc.MediaDescriptions = append(desc.MediaDescriptions, audioDescription(*audio))
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal session description: %w", err)
	}
	return string(out), nil
}

func videoDescription(video VideoParams) *sdp.MediaDescription {
	pt := fmt.Sprintf("%d", video.PayloadType)
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "video",
			Port:    sdp.RangedPort{Value: 0},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{pt},
		},
	}

	b64 := base64.StdEncoding.EncodeToString
	if video.Type == media.VideoH265 {
		md.Attributes = append(md.Attributes,
			sdp.NewAttribute("rtpmap:"+pt+" H265/90000", ""),
			sdp.NewAttribute(fmt.Sprintf("fmtp:%s sprop-vps=%s;sprop-sps=%s;sprop-pps=%s",
				pt, b64(video.Sets.VPS), b64(video.Sets.SPS), b64(video.Sets.PPS)), ""),
		)
		return md
	}

	fmtp := fmt.Sprintf("fmtp:%s packetization-mode=1", pt)
	if id := nalu.ProfileLevelID(video.Sets.SPS); id != "" {
		fmtp += ";profile-level-id=" + id
	}
	fmtp += fmt.Sprintf(";sprop-parameter-sets=%s,%s", b64(video.Sets.SPS), b64(video.Sets.PPS))

	md.Attributes = append(md.Attributes,
		sdp.NewAttribute("rtpmap:"+pt+" H264/90000", ""),
		sdp.NewAttribute(fmtp, ""),
	)
	return md
}

func audioDescription(audio AudioParams) *sdp.MediaDescription {
	pt := fmt.Sprintf("%d", audio.PayloadType)
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: 0},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{pt},
		},
	}

	if audio.Codec == AudioOpus {
		md.Attributes = append(md.Attributes,
			sdp.NewAttribute(fmt.Sprintf("rtpmap:%s opus/%d/%d", pt, audio.SampleRate, audio.Channels), ""),
		)
		return md
	}

	md.Attributes = append(md.Attributes,
		sdp.NewAttribute(fmt.Sprintf("rtpmap:%s MPEG4-GENERIC/%d/%d", pt, audio.SampleRate, audio.Channels), ""),
		sdp.NewAttribute(fmt.Sprintf(
			"fmtp:%s streamtype=5;profile-level-id=1;mode=AAC-hbr;sizelength=13;indexlength=3;indexdeltalength=3;config=%s",
			pt, base64.StdEncoding.EncodeToString(audio.Config)), ""),
	)
	return md
}
