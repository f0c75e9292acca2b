package media

import (
	"regexp"
	"strings"
)

var videoSectionRe = regexp.MustCompile(`(?m)^(m=video[^\r\n]*\r?\n)`)

// ForceVideoSendRecv adds an explicit a=sendrecv attribute to video media
// sections when the description carries no direction at all. Some peers emit
// offers/answers that under-specify direction, which leaves the video flow
// one-way; this is an interoperability patch for that negotiation edge case,
// applied only when no direction attribute is present.
func ForceVideoSendRecv(sdp string) string {
	if strings.Contains(sdp, "a=sendrecv") || strings.Contains(sdp, "a=recvonly") {
		return sdp
	}
	return videoSectionRe.ReplaceAllString(sdp, "${1}a=sendrecv\r\n")
}
