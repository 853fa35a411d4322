package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/onnwee/raid-tender/raid"
	"github.com/onnwee/raid-tender/streaming"
	"github.com/onnwee/raid-tender/telemetry"
)

// TrackLookup resolves a track reference to display metadata. Satisfied by
// *streaming.Client; nil disables !startraid track enrichment.
type TrackLookup interface {
	GetTrack(ctx context.Context, id string) (streaming.Track, error)
}

// Bot wires the Twitch command surface to the raid engine and coordinator.
type Bot struct {
	Channel     string
	Username    string
	OAuthToken  string
	Engine      *raid.Engine
	Coordinator *raid.Coordinator
	Tracks      TrackLookup

	say func(msg string)
}

// Start connects to Twitch IRC and serves commands until ctx is cancelled.
// Returns the connect error, or nil after a clean shutdown.
func (b *Bot) Start(ctx context.Context) error {
	client := twitch.NewClient(b.Username, b.OAuthToken)
	b.say = func(msg string) { client.Say(b.Channel, msg) }

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		b.handleMessage(ctx, msg)
	})

	b.Engine.Subscribe(func(v *raid.View) {
		b.announce(v)
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		client.Disconnect()
		close(done)
	}()

	client.Join(b.Channel)
	slog.Info("chat bot connecting", "channel", b.Channel, "username", b.Username)
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("twitch chat connect: %w", err)
	}
	<-done
	return nil
}

func (b *Bot) handleMessage(ctx context.Context, msg twitch.PrivateMessage) {
	text := strings.TrimSpace(msg.Message)
	if !strings.HasPrefix(text, "!") {
		return
	}
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])

	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	switch cmd {
	case "!raid":
		b.cmdRaid()
	case "!claim":
		b.cmdClaim(ctx, msg.User.Name)
	case "!startraid":
		b.cmdStartRaid(ctx, msg, fields[1:])
	case "!endraid":
		b.cmdEndRaid(ctx, msg)
	}
}

func (b *Bot) cmdRaid() {
	v := b.Engine.CurrentView()
	if v == nil {
		b.say("No raid is active right now.")
		return
	}
	b.say(describeRaid(v, time.Now()))
}

func (b *Bot) cmdClaim(ctx context.Context, username string) {
	res := b.Coordinator.Claim(ctx, username)
	switch res.Status {
	case raid.StatusClaimed:
		b.say(fmt.Sprintf("@%s claimed a seat!", username))
	case raid.StatusNoActiveRaid:
		b.say(fmt.Sprintf("@%s there's no raid to claim right now.", username))
	case raid.StatusAlreadyClaimed:
		b.say(fmt.Sprintf("@%s you already claimed this raid.", username))
	case raid.StatusRaidFull:
		b.say(fmt.Sprintf("@%s all seats are taken, better luck next raid.", username))
	case raid.StatusRaidEnded:
		b.say(fmt.Sprintf("@%s that raid already ended.", username))
	case raid.StatusAmbiguous:
		b.say(fmt.Sprintf("@%s your claim went out but the result is unclear - check back in a moment.", username))
	case raid.StatusRateLimited:
		b.say(fmt.Sprintf("@%s slow down a little: %s.", username, res.Reason))
	case raid.StatusRejected:
		b.say(fmt.Sprintf("@%s claim rejected: %s.", username, res.Reason))
	default:
		b.say(fmt.Sprintf("@%s the claim failed, try again shortly.", username))
	}
}

func (b *Bot) cmdStartRaid(ctx context.Context, msg twitch.PrivateMessage, args []string) {
	if !isPrivileged(msg) {
		return
	}
	if len(args) < 1 {
		b.say("Usage: !startraid <raid-id> [track-link]")
		return
	}
	ov := raid.Overlay{RaidID: args[0]}
	if len(args) > 1 && b.Tracks != nil {
		id, err := streaming.ParseTrackID(args[1])
		if err != nil {
			b.say("That doesn't look like a track link.")
			return
		}
		tr, err := b.Tracks.GetTrack(ctx, id)
		if err != nil {
			slog.Warn("track lookup failed", "track_id", id, "error", err)
			b.say("Couldn't look up that track, starting the raid without it.")
		} else {
			ov.TrackTitle = tr.Title
			ov.Artist = tr.Artist()
			ov.TrackURL = tr.URL
		}
	}
	if err := b.Engine.AdoptOverlay(ctx, ov); err != nil {
		slog.Error("adopt overlay failed", "raid_id", ov.RaidID, "error", err)
		b.say("Couldn't save the raid details, sorry.")
		return
	}
	b.say(fmt.Sprintf("Raid %s is queued - it goes live as soon as the ledger confirms.", ov.RaidID))
}

func (b *Bot) cmdEndRaid(ctx context.Context, msg twitch.PrivateMessage) {
	if !isPrivileged(msg) {
		return
	}
	if b.Engine.CurrentView() == nil {
		b.say("No raid to end.")
		return
	}
	if err := b.Engine.Clear(ctx); err != nil {
		slog.Error("clear raid failed", "error", err)
		b.say("Couldn't end the raid, try again.")
		return
	}
	b.say("Raid dismissed. Thanks for listening!")
}

// announce pushes engine state changes into chat.
func (b *Bot) announce(v *raid.View) {
	if b.say == nil {
		return
	}
	if v == nil {
		b.say("The raid has ended.")
		return
	}
	if v.SeatsLeft() == 0 {
		b.say(fmt.Sprintf("Raid %s is full! All %d seats claimed.", v.ID, v.MaxSeats))
		return
	}
	b.say("Raid alert! " + describeRaid(v, time.Now()) + " Type !claim to grab a seat!")
}

func describeRaid(v *raid.View, now time.Time) string {
	var sb strings.Builder
	if v.TrackTitle != "" {
		fmt.Fprintf(&sb, "Listening raid: %s", v.TrackTitle)
		if v.Artist != "" {
			fmt.Fprintf(&sb, " by %s", v.Artist)
		}
		sb.WriteString(". ")
	} else {
		fmt.Fprintf(&sb, "Raid %s is live. ", v.ID)
	}
	fmt.Fprintf(&sb, "%d of %d seats left", v.SeatsLeft(), v.MaxSeats)
	if left := v.ExpiresAt.Sub(now); left > 0 {
		fmt.Fprintf(&sb, ", %s remaining", left.Round(time.Minute))
	}
	sb.WriteString(".")
	if v.TrackURL != "" {
		sb.WriteString(" " + v.TrackURL)
	}
	return sb.String()
}

func isPrivileged(msg twitch.PrivateMessage) bool {
	return msg.User.Badges["broadcaster"] > 0 || msg.User.Badges["moderator"] > 0
}
