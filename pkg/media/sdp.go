package media

import (
	"net"
	"strconv"
	"strings"
	"time"

	"voice-gateway/pkg/errors"

	"github.com/pion/sdp/v3"
)

// Direction is an SDP media direction attribute
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

// Answer returns the direction to answer an offer with
func (d Direction) Answer() Direction {
	switch d {
	case SendOnly:
		return RecvOnly
	case RecvOnly:
		return SendOnly
	case Inactive:
		return Inactive
	default:
		return SendRecv
	}
}

// Pauses reports whether this offered direction puts the call on hold
func (d Direction) Pauses() bool {
	return d != SendRecv
}

// Offer is the audio part of a remote SDP offer
type Offer struct {
	Session   *sdp.SessionDescription
	Address   string
	Port      int
	Direction Direction
	Formats   []Codec

	// Payload type of telephone-event, 0 when not offered
	TelephoneEvent uint8
}

// ParseOffer extracts the first usable audio section from an SDP body
func ParseOffer(body []byte) (*Offer, error) {
	if len(body) == 0 {
		return nil, errors.ErrMissingSDP
	}

	session := &sdp.SessionDescription{}
	if err := session.Unmarshal(body); err != nil {
		return nil, errors.NewInvalidSDP(err.Error())
	}

	sessionDirection := directionFromAttributes(session.Attributes, SendRecv)

	for _, md := range session.MediaDescriptions {
		if md.MediaName.Media != "audio" || md.MediaName.Port.Value == 0 {
			continue
		}

		offer := &Offer{
			Session:   session,
			Port:      md.MediaName.Port.Value,
			Direction: directionFromAttributes(md.Attributes, sessionDirection),
		}

		switch {
		case md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil:
			offer.Address = md.ConnectionInformation.Address.Address
		case session.ConnectionInformation != nil && session.ConnectionInformation.Address != nil:
			offer.Address = session.ConnectionInformation.Address.Address
		}
		if offer.Address == "" {
			return nil, errors.NewInvalidSDP("audio section has no connection address")
		}

		for _, format := range md.MediaName.Formats {
			pt, err := strconv.Atoi(strings.TrimSpace(format))
			if err != nil || pt < 0 || pt > 127 {
				continue
			}

			codec, ok := codecForPayloadType(session, uint8(pt))
			if !ok {
				continue
			}
			if strings.EqualFold(codec.Name, "telephone-event") {
				offer.TelephoneEvent = codec.PayloadType
				continue
			}
			offer.Formats = append(offer.Formats, codec)
		}

		return offer, nil
	}

	return nil, errors.NewInvalidSDP("no audio media section")
}

func codecForPayloadType(session *sdp.SessionDescription, pt uint8) (Codec, bool) {
	if c, err := session.GetCodecForPayloadType(pt); err == nil && c.Name != "" {
		codec := Codec{
			Name:        c.Name,
			PayloadType: pt,
			ClockRate:   c.ClockRate,
			Channels:    1,
			Fmtp:        c.Fmtp,
		}
		if ch, err := strconv.Atoi(c.EncodingParameters); err == nil && ch > 0 {
			codec.Channels = uint16(ch)
		}
		return codec, true
	}

	codec, ok := staticPayloadTypes[pt]
	return codec, ok
}

func directionFromAttributes(attrs []sdp.Attribute, fallback Direction) Direction {
	for _, attr := range attrs {
		switch Direction(attr.Key) {
		case SendRecv, SendOnly, RecvOnly, Inactive:
			return Direction(attr.Key)
		}
	}
	return fallback
}

// AnswerParams describes the local side of an SDP answer
type AnswerParams struct {
	Codec          Codec
	PublicIP       string
	Port           int
	Direction      Direction
	TelephoneEvent uint8
	SessionID      uint64
	SessionVersion uint64
}

// BuildAnswer renders an SDP answer carrying only the negotiated codec and the gateway address
func BuildAnswer(p AnswerParams) ([]byte, error) {
	if p.SessionID == 0 {
		p.SessionID = uint64(time.Now().UnixNano())
	}
	if p.SessionVersion == 0 {
		p.SessionVersion = p.SessionID
	}
	if p.Direction == "" {
		p.Direction = SendRecv
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: p.Port},
			Protos: []string{"RTP", "AVP"},
		},
	}

	channels := p.Codec.Channels
	if channels <= 1 {
		channels = 0
	}
	md.WithCodec(p.Codec.PayloadType, p.Codec.Name, p.Codec.ClockRate, channels, p.Codec.Fmtp)
	if p.TelephoneEvent != 0 {
		md.WithCodec(p.TelephoneEvent, "telephone-event", 8000, 0, "0-16")
	}
	md.WithValueAttribute("ptime", strconv.Itoa(int(FrameDuration/time.Millisecond)))
	md.WithPropertyAttribute(string(p.Direction))

	addressType := addressTypeOf(p.PublicIP)
	answer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      p.SessionID,
			SessionVersion: p.SessionVersion,
			NetworkType:    "IN",
			AddressType:    addressType,
			UnicastAddress: p.PublicIP,
		},
		SessionName: "voice-gateway",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addressType,
			Address:     &sdp.Address{Address: p.PublicIP},
		},
		TimeDescriptions:  []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
		MediaDescriptions: []*sdp.MediaDescription{md},
	}

	out, err := answer.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal SDP answer")
	}
	return out, nil
}

// addressTypeOf is the SDP address type for ip; hostnames and IPv4 are IP4
func addressTypeOf(ip string) string {
	if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() == nil {
		return "IP6"
	}
	return "IP4"
}
