package relay

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// BuildSDP renders a session description for the RTP network leg so a
// standard receiver can be pointed at the stream. target is the host:port
// the leg transmits to; payloadType must match the leg's RTP payload type.
func BuildSDP(sessionID, target string, payloadType int) (string, error) {
	host, portText, err := net.SplitHostPort(target)
	if err != nil {
		return "", fmt.Errorf("parse rtp target: %w", err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("rtp target port %q is not valid", portText)
	}
	lines := []string{
		"v=0",
		fmt.Sprintf("o=- 0 0 IN IP4 %s", host),
		fmt.Sprintf("s=ripplecast %s", sessionID),
		fmt.Sprintf("c=IN IP4 %s", host),
		"t=0 0",
		fmt.Sprintf("m=audio %d RTP/AVP %d", port, payloadType),
		fmt.Sprintf("a=rtpmap:%d opus/48000/2", payloadType),
		fmt.Sprintf("a=fmtp:%d minptime=20;useinbandfec=1", payloadType),
	}
	return strings.Join(lines, "\r\n") + "\r\n", nil
}
