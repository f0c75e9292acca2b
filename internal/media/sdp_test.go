package media

import (
	"strings"
	"testing"
)

func TestForceVideoSendRecv(t *testing.T) {
	testCases := []struct {
		name string
		sdp  string
		want string
	}{
		{
			name: "directionless video section gets sendrecv",
			sdp:  "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\na=mid:1\r\n",
			want: "m=video 9 UDP/TLS/RTP/SAVPF 96\r\na=sendrecv\r\n",
		},
		{
			name: "explicit sendrecv untouched",
			sdp:  "v=0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\na=sendrecv\r\n",
			want: "v=0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\na=sendrecv\r\n",
		},
		{
			name: "recvonly intent preserved",
			sdp:  "v=0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\na=recvonly\r\n",
			want: "a=recvonly",
		},
		{
			name: "audio-only descriptor unchanged",
			sdp:  "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n",
			want: "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ForceVideoSendRecv(tc.sdp)
			if !strings.Contains(got, tc.want) {
				t.Errorf("patched SDP missing %q:\n%s", tc.want, got)
			}
		})
	}
}

func TestForceVideoSendRecvPatchesOnlyVideoSections(t *testing.T) {
	sdp := "m=audio 9 UDP/TLS/RTP/SAVPF 111\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\n"
	got := ForceVideoSendRecv(sdp)
	if strings.Count(got, "a=sendrecv") != 1 {
		t.Errorf("expected exactly one injected direction attribute:\n%s", got)
	}
	if strings.Contains(got, "m=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=sendrecv") {
		t.Errorf("audio section was patched:\n%s", got)
	}
}
