package audio

import (
	"fmt"
	"strings"

	"github.com/zaf/g711"
)

// Codec is a narrow capability set for the two G.711 payload types this
// system negotiates over SIP. It intentionally does not try to model Opus or
// other wideband codecs: the Voice Connector only ever talks G.711 to
// OpenSIPS and resamples/transcodes on the service side.
type Codec interface {
	Name() string
	// StaticPayloadType is the RFC 3551 static RTP payload type (0 for
	// PCMU, 8 for PCMA).
	StaticPayloadType() uint8
	Encode(pcm Sample) []byte
	Decode(payload []byte) Sample
}

type pcmuCodec struct{}

func (pcmuCodec) Name() string               { return "PCMU" }
func (pcmuCodec) StaticPayloadType() uint8    { return 0 }
func (pcmuCodec) Encode(pcm Sample) []byte    { return g711.EncodeUlaw(SampleToBytes(nil, pcm)) }
func (pcmuCodec) Decode(payload []byte) Sample {
	return BytesToSample(nil, g711.DecodeUlaw(payload))
}

type pcmaCodec struct{}

func (pcmaCodec) Name() string            { return "PCMA" }
func (pcmaCodec) StaticPayloadType() uint8 { return 8 }
func (pcmaCodec) Encode(pcm Sample) []byte { return g711.EncodeAlaw(SampleToBytes(nil, pcm)) }
func (pcmaCodec) Decode(payload []byte) Sample {
	return BytesToSample(nil, g711.DecodeAlaw(payload))
}

var (
	PCMU Codec = pcmuCodec{}
	PCMA Codec = pcmaCodec{}
)

// CodecByPayloadType resolves the negotiated static payload type to a Codec.
// Dynamic payload types (>=96) are not handled here: this system only
// negotiates the two static G.711 codecs.
func CodecByPayloadType(pt uint8) (Codec, error) {
	switch pt {
	case 0:
		return PCMU, nil
	case 8:
		return PCMA, nil
	default:
		return nil, fmt.Errorf("unsupported RTP payload type %d (only PCMU/PCMA static types are negotiated)", pt)
	}
}

// CodecByName resolves a codec by its SDP rtpmap name (case-insensitive).
func CodecByName(name string) (Codec, error) {
	switch strings.ToUpper(name) {
	case "PCMU":
		return PCMU, nil
	case "PCMA":
		return PCMA, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", name)
	}
}
