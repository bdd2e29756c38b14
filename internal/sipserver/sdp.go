package sipserver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/codec"
)

// ErrNoCommonCodec is returned when the offer shares no codec with our
// supported set. The caller maps it to 488 Not Acceptable Here.
var ErrNoCommonCodec = errors.New("no mutually supported codec")

// OfferedCodec is one entry from the offer's audio format list.
type OfferedCodec struct {
	PayloadType uint8
	Name        string // from a=rtpmap, empty for static types without one
	ClockRate   int
	// CaptureRate is the sprop-maxcapturerate fmtp parameter (Opus), 0 when
	// absent.
	CaptureRate int
}

// Offer is the media-relevant subset of a parsed SDP offer.
type Offer struct {
	// IP and Port locate the far-end RTP endpoint (c= and m=audio).
	IP   string
	Port int

	Codecs []OfferedCodec
}

// DefaultCodecPreference is the negotiation order when none is configured.
var DefaultCodecPreference = []string{"PCMU", "PCMA", "opus"}

// ParseOffer extracts the audio media description from an SDP offer.
func ParseOffer(body []byte) (*Offer, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}

	var media *sdp.MediaDescription
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			media = m
			break
		}
	}
	if media == nil {
		return nil, errors.New("sdp offer has no audio media")
	}

	// Connection address: media-level c= wins over session-level.
	ip := ""
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		ip = media.ConnectionInformation.Address.Address
	} else if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		ip = sd.ConnectionInformation.Address.Address
	}
	if ip == "" {
		return nil, errors.New("sdp offer has no connection address")
	}

	offer := &Offer{IP: ip, Port: media.MediaName.Port.Value}

	// Map dynamic payload types to names via a=rtpmap.
	rtpmap := make(map[uint8]OfferedCodec)
	fmtp := make(map[uint8]string)
	for _, attr := range media.Attributes {
		switch attr.Key {
		case "rtpmap":
			pt, oc, err := parseRTPMap(attr.Value)
			if err != nil {
				continue
			}
			rtpmap[pt] = oc
		case "fmtp":
			ptStr, params, ok := strings.Cut(attr.Value, " ")
			if !ok {
				continue
			}
			if pt, err := strconv.Atoi(ptStr); err == nil && pt >= 0 && pt <= 127 {
				fmtp[uint8(pt)] = params
			}
		}
	}

	for _, format := range media.MediaName.Formats {
		ptInt, err := strconv.Atoi(format)
		if err != nil || ptInt < 0 || ptInt > 127 {
			continue
		}
		pt := uint8(ptInt)

		oc, ok := rtpmap[pt]
		if !ok {
			// Static types are valid without an rtpmap line.
			switch pt {
			case codec.PayloadTypePCMU:
				oc = OfferedCodec{PayloadType: pt, Name: "PCMU", ClockRate: 8000}
			case codec.PayloadTypePCMA:
				oc = OfferedCodec{PayloadType: pt, Name: "PCMA", ClockRate: 8000}
			default:
				continue
			}
		}
		oc.PayloadType = pt
		oc.CaptureRate = captureRate(fmtp[pt])
		offer.Codecs = append(offer.Codecs, oc)
	}

	if len(offer.Codecs) == 0 {
		return nil, errors.New("sdp offer lists no usable audio formats")
	}
	return offer, nil
}

func parseRTPMap(value string) (uint8, OfferedCodec, error) {
	// "111 opus/48000/2"
	ptStr, enc, ok := strings.Cut(value, " ")
	if !ok {
		return 0, OfferedCodec{}, fmt.Errorf("malformed rtpmap %q", value)
	}
	pt, err := strconv.Atoi(ptStr)
	if err != nil || pt < 0 || pt > 127 {
		return 0, OfferedCodec{}, fmt.Errorf("bad payload type in rtpmap %q", value)
	}
	parts := strings.Split(enc, "/")
	oc := OfferedCodec{Name: parts[0]}
	if len(parts) > 1 {
		oc.ClockRate, _ = strconv.Atoi(parts[1])
	}
	return uint8(pt), oc, nil
}

// captureRate extracts sprop-maxcapturerate from an fmtp parameter list.
func captureRate(params string) int {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok && k == "sprop-maxcapturerate" {
			if rate, err := strconv.Atoi(v); err == nil {
				return rate
			}
		}
	}
	return 0
}

// Negotiate picks the first codec from preference that the offer carries and
// instantiates it. Returns ErrNoCommonCodec when the intersection is empty.
func Negotiate(offer *Offer, preference []string) (codec.Codec, error) {
	if len(preference) == 0 {
		preference = DefaultCodecPreference
	}
	for _, want := range preference {
		for _, oc := range offer.Codecs {
			if !strings.EqualFold(oc.Name, want) {
				continue
			}
			c, err := codec.ByName(oc.Name, oc.PayloadType, oc.CaptureRate)
			if err != nil {
				// Offered but unusable (bad Opus rate); keep scanning.
				continue
			}
			return c, nil
		}
	}
	return nil, ErrNoCommonCodec
}

// BuildAnswer produces the answer SDP for a negotiated codec: our advertised
// IP in o=/c=, the allocated RTP port, the single chosen format, sendrecv.
func BuildAnswer(advertisedIP string, rtpPort int, c codec.Codec, sessionID int64) ([]byte, error) {
	pt := strconv.Itoa(int(c.PayloadType()))

	rtpmapRate := strconv.Itoa(c.ClockRate())
	if strings.EqualFold(c.Name(), "opus") {
		// Opus is declared as stereo on the wire per RFC 7587 even when we
		// only produce mono.
		rtpmapRate += "/2"
	}

	answer := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(sessionID),
			SessionVersion: uint64(sessionID),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: advertisedIP,
		},
		SessionName: "voice-connector",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: advertisedIP},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: rtpPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{pt},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: pt + " " + c.Name() + "/" + rtpmapRate},
					{Key: "ptime", Value: strconv.Itoa(c.PtimeMs())},
					{Key: "sendrecv"},
				},
			},
		},
	}

	return answer.Marshal()
}
