// Callkit CLI entry point.
//
// This tool joins a job's signaling room as one participant and drives the
// call lifecycle from the terminal: start a call to the peer, answer or
// reject incoming calls, toggle tracks, and hang up. Media is negotiated
// peer-to-peer over WebRTC; only signaling goes through the relay.
//
// It can be launched non-interactively via CLI flags (-room, -id, -name,
// -role, -relay, -tokenUrl) with environment variables as fallback.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/proline/callkit/internal/call"
	"github.com/proline/callkit/internal/config"
	"github.com/proline/callkit/internal/media"
	"github.com/proline/callkit/internal/signaling"
	"github.com/proline/callkit/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	env := config.FromEnv()

	relay := flag.String("relay", env.RelayURL, "Relay base URL (ws:// or wss://)")
	tokenURL := flag.String("tokenUrl", env.TokenURL, "Token endpoint issuing relay auth tokens")
	room := flag.String("room", env.RoomID, "Job/room id scoping the call")
	id := flag.String("id", env.UserID, "Local participant id")
	name := flag.String("name", env.UserName, "Local participant display name")
	role := flag.String("role", env.UserRole, "Local participant role: client or professional")
	peer := flag.String("peer", "", "Participant id to call (optional; prompted otherwise)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Callkit — v%s", version))
	pterm.Println()

	if *room == "" {
		*room = askRequired("Job/room id")
	}
	if *id == "" {
		*id = uuid.NewString()
		util.LogInfo("no -id given, using generated participant id %s", *id)
	}
	if *name == "" {
		*name = askRequired("Display name")
	}
	if *role != "client" && *role != "professional" {
		util.LogError("invalid -role: must be 'client' or 'professional'")
		os.Exit(1)
	}

	local := call.Participant{ID: *id, Name: *name, Role: *role}
	run(ctx, local, *relay, *tokenURL, *room, *peer)
}

// run wires transport, machine, and terminal UI together and loops on user
// intents until interrupted.
func run(ctx context.Context, local call.Participant, relay, tokenURL, room, peerID string) {
	tokens := &signaling.CachingTokenProvider{
		Inner: &signaling.HTTPTokenProvider{URL: tokenURL},
	}

	transport := signaling.NewTransport(signaling.Options{
		RelayURL: relay,
		RoomID:   room,
		Local:    signaling.Identity{ID: local.ID, Name: local.Name, Role: local.Role},
		Tokens:   tokens,
	})
	defer transport.Close()

	incoming := make(chan call.Participant, 1)

	machine := call.NewMachine(local, transport, sampleMediaFactory, call.Callbacks{
		OnState: func(st call.Status, _ *call.Session) {
			util.LogInfo("call status: %s", st)
		},
		OnIncoming: func(p call.Participant) {
			select {
			case incoming <- p:
			default:
			}
		},
		OnError:  func(msg string) { util.LogWarning("%s", msg) },
		OnNotice: func(msg string) { notice(msg) },
		OnQuality: func(q media.Quality) {
			util.LogDebug("connection quality: %s", q)
		},
		OnDuration: func(elapsed string) {
			pterm.Printo(pterm.Gray("in call " + elapsed))
		},
	})
	defer machine.Close()

	transport.OnMessage(machine.HandleMessage)
	transport.OnStateChange(machine.HandleSignalingState)

	if err := transport.Connect(ctx); err != nil {
		util.LogWarning("initial connect failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			machine.EndCall("Call ended by user")
			util.LogInfo("shutting down")
			return
		case caller := <-incoming:
			answerPrompt(machine, caller)
		default:
		}

		action, _ := pterm.DefaultInteractiveSelect.
			WithOptions([]string{"Start call", "Toggle audio", "Toggle video", "End call", "Quit"}).
			WithDefaultText("Action").
			Show()

		switch {
		case strings.HasPrefix(action, "Start"):
			target := peerID
			if target == "" {
				target = askRequired("Peer participant id")
			}
			err := machine.StartCall(call.Participant{ID: target, Name: target})
			if err != nil {
				util.LogWarning("cannot start call: %v", err)
			}
		case strings.HasPrefix(action, "Toggle audio"):
			util.LogInfo("audio enabled: %t", machine.ToggleAudio())
		case strings.HasPrefix(action, "Toggle video"):
			util.LogInfo("video enabled: %t", machine.ToggleVideo())
		case strings.HasPrefix(action, "End"):
			machine.EndCall("Call ended by user")
		case action == "Quit":
			machine.EndCall("Call ended by user")
			return
		}
	}
}

// answerPrompt asks the user to accept or reject a ringing call.
func answerPrompt(machine *call.Machine, caller call.Participant) {
	accept, _ := pterm.DefaultInteractiveConfirm.
		WithDefaultText(fmt.Sprintf("Incoming call from %s (%s) — accept?", caller.Name, caller.Role)).
		Show()

	if accept {
		if err := machine.AcceptCall(); err != nil {
			util.LogWarning("cannot accept call: %v", err)
		}
		return
	}
	if err := machine.RejectCall(); err != nil {
		util.LogWarning("cannot reject call: %v", err)
	}
}

// sampleMediaFactory builds the per-call media session with static sample
// tracks. Real capture devices are the embedding application's concern; the
// CLI only needs valid negotiable tracks.
func sampleMediaFactory(initiator bool, ev media.Events) (call.MediaSession, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "callkit")
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "callkit")
	if err != nil {
		return nil, err
	}
	return media.New([]webrtc.TrackLocal{audio, video}, initiator, ev)
}

func notice(msg string) {
	if msg == "" {
		return
	}
	util.LogWarning("%s", msg)
}

// askRequired prompts until a non-empty value is entered.
func askRequired(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}
		util.LogWarning("value required")
		pterm.Println()
	}
}
