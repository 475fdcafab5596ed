package sdp

import (
	"fmt"
	"strconv"
	"strings"
)

// TelephoneEventPT is the dynamic payload type this system always offers
// for RFC 2833 DTMF relay, negotiated alongside the voice codec whenever
// the offer included telephone-event.
const TelephoneEventPT = 101

// AnswerParams describes the parameters needed to build a 200 OK SDP
// answer to an inbound INVITE's offer.
type AnswerParams struct {
	SessionID   string
	SessionVer  string
	LocalIP     string
	LocalPort   int
	PayloadType int    // negotiated static PT, e.g. 0 for PCMU
	CodecName   string // "PCMU" or "PCMA"
	ClockRate   int
	OfferDTMF   bool // true if the offer included telephone-event
}

// BuildAnswer constructs a minimal single-audio-media SDP answer body
// offering exactly the negotiated codec (plus telephone-event if the
// offer had it), sendrecv, per RFC 3264 §6.
func BuildAnswer(p AnswerParams) []byte {
	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString(fmt.Sprintf("o=- %s %s IN IP4 %s\r\n", p.SessionID, p.SessionVer, p.LocalIP))
	b.WriteString("s=voice-connector\r\n")
	b.WriteString(fmt.Sprintf("c=IN IP4 %s\r\n", p.LocalIP))
	b.WriteString("t=0 0\r\n")

	formats := strconv.Itoa(p.PayloadType)
	if p.OfferDTMF {
		formats += " " + strconv.Itoa(TelephoneEventPT)
	}
	b.WriteString(fmt.Sprintf("m=audio %d RTP/AVP %s\r\n", p.LocalPort, formats))
	b.WriteString(fmt.Sprintf("a=rtpmap:%d %s/%d\r\n", p.PayloadType, p.CodecName, p.ClockRate))
	if p.OfferDTMF {
		b.WriteString(fmt.Sprintf("a=rtpmap:%d telephone-event/8000\r\n", TelephoneEventPT))
		b.WriteString(fmt.Sprintf("a=fmtp:%d 0-15\r\n", TelephoneEventPT))
	}
	b.WriteString("a=sendrecv\r\n")
	b.WriteString("a=ptime:20\r\n")
	return []byte(b.String())
}

// NegotiatedCodec is the result of picking a codec from an offer.
type NegotiatedCodec struct {
	PayloadType int
	Name        string
	ClockRate   int
	DTMF        bool
}

// supportedCodecs lists what this system can encode/decode, in preference
// order (PCMU then PCMA — both static RTP/AVP payload types per RFC 3551).
var supportedCodecs = []string{"PCMU", "PCMA"}

// Negotiate picks the first mutually supported codec from an offer's audio
// media section, preferring our own priority order over the offer's
// listed order (common SIP UA behavior: the answerer's preference wins
// when both are acceptable).
func Negotiate(offer *SessionDescription) (NegotiatedCodec, error) {
	am := offer.AudioMedia()
	if am == nil {
		return NegotiatedCodec{}, fmt.Errorf("sdp: offer has no audio media section")
	}
	for _, name := range supportedCodecs {
		if c := am.CodecByName(name); c != nil {
			return NegotiatedCodec{
				PayloadType: c.PayloadType,
				Name:        strings.ToUpper(c.Name),
				ClockRate:   c.ClockRate,
				DTMF:        am.CodecByName("telephone-event") != nil,
			}, nil
		}
	}
	// Static payload types 0 (PCMU) and 8 (PCMA) are valid even without an
	// explicit a=rtpmap line (RFC 3551 §6); check the format list directly.
	for _, pt := range am.Formats {
		switch pt {
		case 0:
			return NegotiatedCodec{PayloadType: 0, Name: "PCMU", ClockRate: 8000, DTMF: am.CodecByName("telephone-event") != nil}, nil
		case 8:
			return NegotiatedCodec{PayloadType: 8, Name: "PCMA", ClockRate: 8000, DTMF: am.CodecByName("telephone-event") != nil}, nil
		}
	}
	return NegotiatedCodec{}, fmt.Errorf("sdp: no supported codec (PCMU/PCMA) in offer")
}
