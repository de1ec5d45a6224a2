package app

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MikhailOznobikhin/moznods/internal/call"
	"github.com/MikhailOznobikhin/moznods/internal/config"
	"github.com/MikhailOznobikhin/moznods/internal/history"
	"github.com/MikhailOznobikhin/moznods/internal/identity"
	"github.com/MikhailOznobikhin/moznods/internal/media"
	"github.com/MikhailOznobikhin/moznods/internal/notify"
	"github.com/MikhailOznobikhin/moznods/internal/signal"
	"github.com/MikhailOznobikhin/moznods/internal/state"
	"github.com/MikhailOznobikhin/moznods/internal/util"
)

type Options struct {
	ClientDir string
	CfgPath   string
	Cfg       config.Config
	RoomID    int64
	WantVideo bool
}

// Run joins the room and stays in the call until the user quits, the
// context ends, or the session dies. Commands are read from stdin.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	self, err := identity.FromTokenFile(util.ResolvePath(opt.ClientDir, cfg.Identity.TokenFile))
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	log.Printf("APP: user %s (id %d)", self.Username, self.UserID)

	hist, err := history.Open(util.ResolvePath(opt.ClientDir, cfg.Paths.DataDir))
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	defer hist.Close()

	rooms := state.NewRoomTable()
	notifier := notify.NewClient(cfg.Server.WSURL, self.Token, rooms)
	notifier.OnRoomAdded = func(roomID int64, name string) {
		fmt.Printf(">> added to room %d (%s)\n", roomID, name)
	}
	go notifier.Run(ctx)

	mediaCtl, err := media.NewController(cfg.Media)
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}

	factory := call.NewPionFactory(
		call.ICEServersFromConfig(cfg.ICE.Servers),
		mediaCtl.PopulateEngine,
	)

	// Hot-reload: only the ICE server list is picked up at runtime, and
	// only for links created afterwards.
	watcher, err := config.Watch(opt.CfgPath, func(next config.Config) {
		factory.SetICEServers(call.ICEServersFromConfig(next.ICE.Servers))
	})
	if err != nil {
		log.Printf("APP: config watch unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	client := call.New(self.UserID, self.Username, mediaCtl, factory,
		func(ctx context.Context, roomID int64) (call.Signaler, error) {
			return signal.Dial(ctx, cfg.Server.WSURL, roomID, self.Token)
		})

	events, cancelEvents := client.Subscribe()
	defer cancelEvents()

	session, err := client.Join(ctx, opt.RoomID, opt.WantVideo)
	if err != nil {
		return fmt.Errorf("join room %d: %w", opt.RoomID, err)
	}

	recordID, err := hist.Begin(opt.RoomID, time.Now())
	if err != nil {
		log.Printf("APP: history: %v", err)
	}

	endHistory := func(reason string) {
		if recordID == "" {
			return
		}
		if err := hist.End(recordID, time.Now(), reason); err != nil {
			log.Printf("APP: history: %v", err)
		}
		recordID = ""
	}

	go eventLoop(events, session, hist, recordID)

	commands := readCommands(ctx)

	for {
		select {
		case <-ctx.Done():
			session.Leave()
			<-session.Done()
			endHistory("")
			return nil

		case <-session.Done():
			endHistory(session.LastError())
			if reason := session.LastError(); reason != "" {
				return fmt.Errorf("call ended: %s", reason)
			}
			return nil

		case line, ok := <-commands:
			if !ok {
				session.Leave()
				<-session.Done()
				endHistory("")
				return nil
			}
			if quit := handleCommand(line, session, client, rooms); quit {
				session.Leave()
				<-session.Done()
				endHistory("")
				return nil
			}
		}
	}
}

// eventLoop prints session events and tracks the participant peak.
func eventLoop(events <-chan call.Event, session *call.Session, hist *history.Store, recordID string) {
	for evt := range events {
		switch evt.Type {
		case call.EventStateChanged:
			fmt.Printf(">> call %s\n", evt.State)
		case call.EventParticipantJoined:
			fmt.Printf(">> %s joined (id %d)\n", evt.Username, evt.UserID)
		case call.EventParticipantLeft:
			fmt.Printf(">> user %d left\n", evt.UserID)
		case call.EventRemoteTrack:
			fmt.Printf(">> receiving %s from user %d\n", evt.TrackKind, evt.UserID)
		case call.EventLinkStateChanged:
			fmt.Printf(">> link to user %d: %s\n", evt.UserID, evt.LinkState)
		case call.EventMicRequested:
			fmt.Printf(">> user %d asks you to unmute (a to accept)\n", evt.UserID)
		case call.EventSessionError:
			fmt.Printf(">> error: %s\n", evt.Err)
		}

		if recordID != "" && (evt.Type == call.EventRosterUpdated || evt.Type == call.EventParticipantJoined) {
			if err := hist.ObservePeak(recordID, len(session.Participants())+1); err != nil {
				log.Printf("APP: history: %v", err)
			}
		}
	}
}

func handleCommand(line string, session *call.Session, client *call.Client, rooms *state.RoomTable) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "q", "quit":
		return true

	case "m", "mute":
		enabled := session.ToggleAudio()
		fmt.Printf("microphone %s\n", onOff(enabled))

	case "v", "video":
		enabled, err := session.ToggleVideo()
		if err != nil {
			fmt.Printf("video: %v\n", err)
			break
		}
		fmt.Printf("camera %s\n", onOff(enabled))

	case "a", "accept":
		session.AcceptMicRequest()
		fmt.Printf("microphone %s\n", onOff(session.AudioEnabled()))

	case "r", "reqmic":
		if len(fields) < 2 {
			fmt.Println("usage: r <user-id>")
			break
		}
		target, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			fmt.Println("usage: r <user-id>")
			break
		}
		if err := session.RequestMic(target); err != nil {
			fmt.Printf("request mic: %v\n", err)
		}

	case "p", "who":
		for _, p := range session.Participants() {
			line := fmt.Sprintf("  %d  %-20s %s", p.UserID, p.Username, p.State)
			if stats, ok := session.LinkStats(p.UserID); ok {
				line += fmt.Sprintf("  (%d pkts, %d KiB in)", stats.PacketsIn, stats.BytesIn/1024)
			}
			fmt.Println(line)
		}

	case "rooms":
		snapshot := rooms.Snapshot()
		for _, id := range rooms.IDs() {
			room := snapshot[id]
			fmt.Printf("  %d  %-20s in call: %s\n", id, room.Name, strings.Join(room.ActiveParticipants, ", "))
		}

	case "s", "status":
		fmt.Printf("state=%s mic=%s camera=%s participants=%d\n",
			session.State(), onOff(session.AudioEnabled()), onOff(session.VideoEnabled()),
			len(session.Participants()))
		for _, evt := range client.Recent() {
			fmt.Printf("  %s\n", formatEvent(evt))
		}

	case "h", "help":
		printCommands()

	default:
		fmt.Printf("unknown command %q (h for help)\n", fields[0])
	}
	return false
}

func formatEvent(evt call.Event) string {
	switch evt.Type {
	case call.EventStateChanged:
		return fmt.Sprintf("state %s", evt.State)
	case call.EventParticipantJoined:
		return fmt.Sprintf("joined %s (%d)", evt.Username, evt.UserID)
	case call.EventParticipantLeft:
		return fmt.Sprintf("left %d", evt.UserID)
	case call.EventRemoteTrack:
		return fmt.Sprintf("track %s from %d", evt.TrackKind, evt.UserID)
	case call.EventLinkStateChanged:
		return fmt.Sprintf("link %d %s", evt.UserID, evt.LinkState)
	case call.EventMicRequested:
		return fmt.Sprintf("mic request from %d", evt.UserID)
	case call.EventSessionError:
		return fmt.Sprintf("error %s", evt.Err)
	default:
		return string(evt.Type)
	}
}

func printCommands() {
	fmt.Println("  m          toggle microphone")
	fmt.Println("  v          toggle camera")
	fmt.Println("  a          accept a mic request (unmute)")
	fmt.Println("  r <id>     ask user <id> to unmute")
	fmt.Println("  p          list call participants")
	fmt.Println("  rooms      list known rooms and their call presence")
	fmt.Println("  s          status and recent events")
	fmt.Println("  q          leave the call and quit")
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// readCommands reads stdin lines. The channel closes on EOF.
func readCommands(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// RunHistory prints the recent call log for a client directory.
func RunHistory(clientDir string, cfg config.Config, limit int) error {
	hist, err := history.Open(util.ResolvePath(clientDir, cfg.Paths.DataDir))
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	defer hist.Close()

	records, err := hist.Recent(limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no calls recorded")
		return nil
	}

	for _, r := range records {
		dur := "ongoing"
		if r.Ended() {
			dur = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		line := fmt.Sprintf("%s  room %-6d %-10s peak %d",
			r.StartedAt.Local().Format("2006-01-02 15:04"), r.RoomID, dur, r.PeakParticipants)
		if r.EndReason != "" {
			line += "  (" + r.EndReason + ")"
		}
		fmt.Println(line)
	}
	return nil
}
