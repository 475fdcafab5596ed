// Package sdp implements the minimal RFC 4566 SDP parsing and answer
// construction the Voice Connector needs for G.711 audio negotiation: a
// line-oriented scanner producing a SessionDescription whose audio
// MediaDescription's rtpmap/fmtp attributes resolve into a Codec slice.
// The wire format needed here (plain audio m= sections, rtpmap/fmtp,
// sendrecv direction) is a small, stable subset that doesn't need a
// general-purpose SDP/WebRTC library pulled in for it.
package sdp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	lineVersion    = "v="
	lineOrigin     = "o="
	lineSession    = "s="
	lineConnection = "c="
	lineTime       = "t="
	lineMedia      = "m="
	lineAttribute  = "a="
)

// Connection holds the c= line: <nettype> <addrtype> <address>.
type Connection struct {
	NetType  string
	AddrType string
	Address  string
}

func (c Connection) String() string {
	return c.NetType + " " + c.AddrType + " " + c.Address
}

// Origin holds the o= line.
type Origin struct {
	Username       string
	SessionID      string
	SessionVersion string
	NetType        string
	AddrType       string
	Address        string
}

func (o Origin) String() string {
	return o.Username + " " + o.SessionID + " " + o.SessionVersion + " " +
		o.NetType + " " + o.AddrType + " " + o.Address
}

// Codec is one rtpmap-described audio format.
type Codec struct {
	PayloadType int
	Name        string
	ClockRate   int
	Channels    int
	Fmtp        string
}

func (c Codec) rtpmapValue() string {
	s := strconv.Itoa(c.PayloadType) + " " + c.Name + "/" + strconv.Itoa(c.ClockRate)
	if c.Channels > 0 {
		s += "/" + strconv.Itoa(c.Channels)
	}
	return s
}

// MediaDescription holds one m= section.
type MediaDescription struct {
	Type       string
	Port       int
	Proto      string
	Formats    []int
	Connection *Connection
	Codecs     []Codec
	Direction  string
}

// CodecByPayloadType looks up a codec by RTP payload type within this media
// section.
func (m *MediaDescription) CodecByPayloadType(pt int) *Codec {
	for i := range m.Codecs {
		if m.Codecs[i].PayloadType == pt {
			return &m.Codecs[i]
		}
	}
	return nil
}

// CodecByName looks up the first codec with the given name, case
// insensitively (e.g. "PCMU", "telephone-event").
func (m *MediaDescription) CodecByName(name string) *Codec {
	lower := strings.ToLower(name)
	for i := range m.Codecs {
		if strings.ToLower(m.Codecs[i].Name) == lower {
			return &m.Codecs[i]
		}
	}
	return nil
}

// SessionDescription is a fully parsed SDP body.
type SessionDescription struct {
	Version     int
	Origin      Origin
	SessionName string
	Connection  *Connection
	Time        string
	Media       []MediaDescription
}

// AudioMedia returns the first audio m= section, or nil.
func (s *SessionDescription) AudioMedia() *MediaDescription {
	for i := range s.Media {
		if s.Media[i].Type == "audio" {
			return &s.Media[i]
		}
	}
	return nil
}

// ConnectionAddress returns the effective connection address for a media
// section: its own c= line if present, else the session-level one.
func (s *SessionDescription) ConnectionAddress(m *MediaDescription) string {
	if m.Connection != nil {
		return m.Connection.Address
	}
	if s.Connection != nil {
		return s.Connection.Address
	}
	return ""
}

// Parse parses an SDP body.
func Parse(body []byte) (*SessionDescription, error) {
	text := strings.ReplaceAll(string(body), "\r\n", "\n")
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil, fmt.Errorf("sdp: empty body")
	}
	lines := strings.Split(text, "\n")

	sd := &SessionDescription{}
	var cur *MediaDescription

	for _, line := range lines {
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		switch {
		case strings.HasPrefix(line, lineVersion):
			v, err := strconv.Atoi(line[2:])
			if err != nil {
				return nil, fmt.Errorf("sdp: invalid version: %w", err)
			}
			sd.Version = v

		case strings.HasPrefix(line, lineOrigin):
			o, err := parseOrigin(line[2:])
			if err != nil {
				return nil, fmt.Errorf("sdp: invalid origin: %w", err)
			}
			sd.Origin = o

		case strings.HasPrefix(line, lineSession):
			sd.SessionName = line[2:]

		case strings.HasPrefix(line, lineConnection):
			c, err := parseConnection(line[2:])
			if err != nil {
				return nil, fmt.Errorf("sdp: invalid connection: %w", err)
			}
			if cur != nil {
				cur.Connection = &c
			} else {
				sd.Connection = &c
			}

		case strings.HasPrefix(line, lineTime):
			sd.Time = line[2:]

		case strings.HasPrefix(line, lineMedia):
			md, err := parseMediaLine(line[2:])
			if err != nil {
				return nil, fmt.Errorf("sdp: invalid media line: %w", err)
			}
			sd.Media = append(sd.Media, md)
			cur = &sd.Media[len(sd.Media)-1]

		case strings.HasPrefix(line, lineAttribute):
			if cur != nil {
				parseMediaAttribute(cur, line[2:])
			}
		}
	}

	if len(sd.Media) == 0 {
		return nil, fmt.Errorf("sdp: no media sections found")
	}
	return sd, nil
}

func parseConnection(value string) (Connection, error) {
	parts := strings.Fields(value)
	if len(parts) < 3 {
		return Connection{}, fmt.Errorf("expected 3 fields, got %d", len(parts))
	}
	addr := parts[2]
	if idx := strings.Index(addr, "/"); idx >= 0 {
		addr = addr[:idx]
	}
	if net.ParseIP(addr) == nil {
		return Connection{}, fmt.Errorf("invalid ip %q", addr)
	}
	return Connection{NetType: parts[0], AddrType: parts[1], Address: addr}, nil
}

func parseOrigin(value string) (Origin, error) {
	parts := strings.Fields(value)
	if len(parts) < 6 {
		return Origin{}, fmt.Errorf("expected 6 fields, got %d", len(parts))
	}
	return Origin{
		Username: parts[0], SessionID: parts[1], SessionVersion: parts[2],
		NetType: parts[3], AddrType: parts[4], Address: parts[5],
	}, nil
}

func parseMediaLine(value string) (MediaDescription, error) {
	parts := strings.Fields(value)
	if len(parts) < 4 {
		return MediaDescription{}, fmt.Errorf("expected at least 4 fields, got %d", len(parts))
	}
	md := MediaDescription{Type: parts[0], Proto: parts[2], Direction: "sendrecv"}
	portStr := parts[1]
	if idx := strings.Index(portStr, "/"); idx >= 0 {
		portStr = portStr[:idx]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return MediaDescription{}, fmt.Errorf("invalid port: %w", err)
	}
	md.Port = port
	for _, f := range parts[3:] {
		pt, err := strconv.Atoi(f)
		if err != nil {
			return MediaDescription{}, fmt.Errorf("invalid payload type %q: %w", f, err)
		}
		md.Formats = append(md.Formats, pt)
	}
	return md, nil
}

func parseMediaAttribute(md *MediaDescription, attr string) {
	switch {
	case strings.HasPrefix(attr, "rtpmap:"):
		codec, err := parseRtpmap(attr[len("rtpmap:"):])
		if err != nil {
			return
		}
		for i := range md.Codecs {
			if md.Codecs[i].PayloadType == codec.PayloadType {
				codec.Fmtp = md.Codecs[i].Fmtp
				md.Codecs[i] = codec
				return
			}
		}
		md.Codecs = append(md.Codecs, codec)

	case strings.HasPrefix(attr, "fmtp:"):
		pt, params, ok := parseFmtp(attr[len("fmtp:"):])
		if !ok {
			return
		}
		for i := range md.Codecs {
			if md.Codecs[i].PayloadType == pt {
				md.Codecs[i].Fmtp = params
				return
			}
		}
		md.Codecs = append(md.Codecs, Codec{PayloadType: pt, Fmtp: params})

	case attr == "sendrecv", attr == "sendonly", attr == "recvonly", attr == "inactive":
		md.Direction = attr
	}
}

func parseRtpmap(value string) (Codec, error) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return Codec{}, fmt.Errorf("expected '<pt> <encoding>', got %q", value)
	}
	pt, err := strconv.Atoi(parts[0])
	if err != nil {
		return Codec{}, fmt.Errorf("invalid payload type: %w", err)
	}
	encParts := strings.Split(parts[1], "/")
	if len(encParts) < 2 {
		return Codec{}, fmt.Errorf("expected '<name>/<rate>', got %q", parts[1])
	}
	clockRate, err := strconv.Atoi(encParts[1])
	if err != nil {
		return Codec{}, fmt.Errorf("invalid clock rate: %w", err)
	}
	codec := Codec{PayloadType: pt, Name: encParts[0], ClockRate: clockRate}
	if len(encParts) >= 3 {
		if ch, err := strconv.Atoi(encParts[2]); err == nil {
			codec.Channels = ch
		}
	}
	return codec, nil
}

func parseFmtp(value string) (int, string, bool) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) < 2 {
		return 0, "", false
	}
	pt, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	return pt, parts[1], true
}
