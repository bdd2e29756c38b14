package sipserver

import (
	"errors"
	"strings"
	"testing"
)

const offerAllCodecs = `v=0
o=opensips 12345 12345 IN IP4 192.168.1.10
s=call
c=IN IP4 192.168.1.10
t=0 0
m=audio 35002 RTP/AVP 0 8 111
a=rtpmap:0 PCMU/8000
a=rtpmap:8 PCMA/8000
a=rtpmap:111 opus/48000/2
a=fmtp:111 sprop-maxcapturerate=16000;useinbandfec=1
`

func TestParseOffer(t *testing.T) {
	offer, err := ParseOffer([]byte(offerAllCodecs))
	if err != nil {
		t.Fatal(err)
	}
	if offer.IP != "192.168.1.10" {
		t.Errorf("ip = %q", offer.IP)
	}
	if offer.Port != 35002 {
		t.Errorf("port = %d", offer.Port)
	}
	if len(offer.Codecs) != 3 {
		t.Fatalf("codecs = %d, want 3", len(offer.Codecs))
	}
	opus := offer.Codecs[2]
	if opus.PayloadType != 111 || opus.Name != "opus" {
		t.Errorf("opus entry = %+v", opus)
	}
	if opus.CaptureRate != 16000 {
		t.Errorf("opus capture rate = %d, want 16000", opus.CaptureRate)
	}
}

func TestParseOfferStaticTypesWithoutRTPMap(t *testing.T) {
	body := `v=0
o=- 1 1 IN IP4 10.0.0.1
s=-
c=IN IP4 10.0.0.1
t=0 0
m=audio 4000 RTP/AVP 0 8
`
	offer, err := ParseOffer([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(offer.Codecs) != 2 {
		t.Fatalf("codecs = %d, want 2", len(offer.Codecs))
	}
	if offer.Codecs[0].Name != "PCMU" || offer.Codecs[1].Name != "PCMA" {
		t.Errorf("static codecs = %+v", offer.Codecs)
	}
}

func TestParseOfferMediaLevelConnection(t *testing.T) {
	body := `v=0
o=- 1 1 IN IP4 10.0.0.1
s=-
c=IN IP4 10.0.0.1
t=0 0
m=audio 4000 RTP/AVP 0
c=IN IP4 172.16.0.5
`
	offer, err := ParseOffer([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if offer.IP != "172.16.0.5" {
		t.Errorf("ip = %q, want media-level 172.16.0.5", offer.IP)
	}
}

func TestParseOfferErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"garbage", "this is not sdp"},
		{"no audio", "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=video 4000 RTP/AVP 96\r\na=rtpmap:96 VP8/90000\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseOffer([]byte(tt.body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNegotiatePreference(t *testing.T) {
	offer, err := ParseOffer([]byte(offerAllCodecs))
	if err != nil {
		t.Fatal(err)
	}

	// Default order picks PCMU when everything is on the table.
	c, err := Negotiate(offer, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Name() != "PCMU" {
		t.Errorf("default negotiation = %s, want PCMU", c.Name())
	}

	// An offer without PCMU falls through to PCMA.
	narrowed := &Offer{IP: offer.IP, Port: offer.Port, Codecs: offer.Codecs[1:]}
	c, err = Negotiate(narrowed, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Name() != "PCMA" {
		t.Errorf("negotiation without pcmu = %s, want PCMA", c.Name())
	}

	// A configured preference overrides the default order.
	c, err = Negotiate(offer, []string{"opus", "PCMU"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Name() != "opus" {
		t.Errorf("configured preference = %s, want opus", c.Name())
	}
	if c.SampleRate() != 16000 {
		t.Errorf("opus sample rate = %d, want capture-rate 16000", c.SampleRate())
	}
}

func TestNegotiateNoCommonCodec(t *testing.T) {
	offer := &Offer{
		IP:   "10.0.0.1",
		Port: 4000,
		Codecs: []OfferedCodec{
			{PayloadType: 18, Name: "G729", ClockRate: 8000},
		},
	}
	if _, err := Negotiate(offer, nil); !errors.Is(err, ErrNoCommonCodec) {
		t.Errorf("err = %v, want ErrNoCommonCodec", err)
	}
}

func TestBuildAnswer(t *testing.T) {
	offer, err := ParseOffer([]byte(offerAllCodecs))
	if err != nil {
		t.Fatal(err)
	}
	c, err := Negotiate(offer, nil)
	if err != nil {
		t.Fatal(err)
	}

	body, err := BuildAnswer("203.0.113.5", 35004, c, 42)
	if err != nil {
		t.Fatal(err)
	}
	answer := string(body)

	for _, want := range []string{
		"c=IN IP4 203.0.113.5",
		"m=audio 35004 RTP/AVP 0",
		"a=rtpmap:0 PCMU/8000",
		"a=sendrecv",
		"a=ptime:20",
	} {
		if !strings.Contains(answer, want) {
			t.Errorf("answer missing %q:\n%s", want, answer)
		}
	}

	// The answer must itself parse as a valid offer from the peer's view.
	parsed, err := ParseOffer(body)
	if err != nil {
		t.Fatalf("answer does not re-parse: %v", err)
	}
	if parsed.Port != 35004 {
		t.Errorf("re-parsed port = %d", parsed.Port)
	}
}

func TestSessionIDStable(t *testing.T) {
	a := sessionIDFor("call-abc-123")
	b := sessionIDFor("call-abc-123")
	if a != b {
		t.Error("session id not stable for same call id")
	}
	if a < 0 {
		t.Error("session id negative")
	}
}

func TestNegotiateOpusWithoutCaptureRate(t *testing.T) {
	body := `v=0
o=opensips 7 7 IN IP4 192.168.1.10
s=call
c=IN IP4 192.168.1.10
t=0 0
m=audio 35002 RTP/AVP 111
a=rtpmap:111 opus/48000/2
`
	offer, err := ParseOffer([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	c, err := Negotiate(offer, []string{"opus"})
	if err != nil {
		t.Fatal(err)
	}
	// No sprop-maxcapturerate: the codec must land on a rate the audio
	// pipeline can bridge to the 16 kHz recognizer feed.
	if c.SampleRate() != 16000 {
		t.Errorf("sample rate = %d, want 16000", c.SampleRate())
	}
}
