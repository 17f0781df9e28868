// Package parser decodes single VRChat log lines into typed events. It is
// pure: no I/O, no state carried across calls beyond the compiled regexes.
package parser

import (
	"regexp"
	"time"

	"github.com/vrcjournal/vrcjournal/internal/event"
)

const timestampLayout = "2006.01.02 15:04:05"

// Parser recognizes the closed set of log line shapes described in spec §6.
// The zero value is not usable; construct with New.
type Parser struct {
	auth             *regexp.Regexp
	joining          *regexp.Regexp
	enteringRoom     *regexp.Regexp
	playerJoined     *regexp.Regexp
	avatarChanged    *regexp.Regexp
	screenshot       *regexp.Regexp
	destroyingPlayer *regexp.Regexp
	eventSyncFailed  *regexp.Regexp
}

// New compiles the recognized line-shape patterns once.
func New() *Parser {
	const ts = `(\d{4}\.\d{2}\.\d{2} \d{2}:\d{2}:\d{2})`
	return &Parser{
		auth:             regexp.MustCompile(ts + ` .* User Authenticated: (.+?) \((usr_[a-f0-9\-]+)\)`),
		joining:          regexp.MustCompile(ts + ` .* \[Behaviour\] Joining (wrld_[a-f0-9\-]+):(.+)`),
		enteringRoom:     regexp.MustCompile(ts + ` .* \[Behaviour\] Joining or Creating Room: (.+)`),
		playerJoined:     regexp.MustCompile(ts + ` .* \[Behaviour\] OnPlayerJoined (.+?) \((usr_[a-f0-9\-]+)\)`),
		avatarChanged:    regexp.MustCompile(ts + ` .* \[Behaviour\] Switching (.+?) to avatar (.+)`),
		screenshot:       regexp.MustCompile(ts + ` .* \[VRC Camera\] Took screenshot to: (.+)`),
		destroyingPlayer: regexp.MustCompile(ts + ` .* \[Behaviour\] Destroying (.+)`),
		eventSyncFailed:  regexp.MustCompile(ts + ` .* \[Behaviour\] Master is not sending any events! Moving to a new instance\.`),
	}
}

// ParseLine decodes one line into an Event. Unrecognized lines, and lines
// that match a shape but carry an unparseable timestamp, return (nil,
// false) — never an error (spec §4.2, §7: ParseError is never raised).
func (p *Parser) ParseLine(line string) (event.Event, bool) {
	if m := p.auth.FindStringSubmatch(line); m != nil {
		ts, ok := parseTimestamp(m[1])
		if !ok {
			return nil, false
		}
		return event.NewUserAuthenticated(ts, m[2], m[3]), true
	}

	if m := p.joining.FindStringSubmatch(line); m != nil {
		ts, ok := parseTimestamp(m[1])
		if !ok {
			return nil, false
		}
		return event.NewJoiningWorld(ts, m[2], m[3]), true
	}

	if m := p.enteringRoom.FindStringSubmatch(line); m != nil {
		ts, ok := parseTimestamp(m[1])
		if !ok {
			return nil, false
		}
		return event.NewEnteringRoom(ts, m[2]), true
	}

	if m := p.playerJoined.FindStringSubmatch(line); m != nil {
		ts, ok := parseTimestamp(m[1])
		if !ok {
			return nil, false
		}
		return event.NewPlayerJoined(ts, m[2], m[3]), true
	}

	if m := p.avatarChanged.FindStringSubmatch(line); m != nil {
		ts, ok := parseTimestamp(m[1])
		if !ok {
			return nil, false
		}
		return event.NewAvatarChanged(ts, m[2], m[3]), true
	}

	if m := p.screenshot.FindStringSubmatch(line); m != nil {
		ts, ok := parseTimestamp(m[1])
		if !ok {
			return nil, false
		}
		return event.NewScreenshotTaken(ts, m[2]), true
	}

	if m := p.destroyingPlayer.FindStringSubmatch(line); m != nil {
		ts, ok := parseTimestamp(m[1])
		if !ok {
			return nil, false
		}
		return event.NewDestroyingPlayer(ts, m[2]), true
	}

	if m := p.eventSyncFailed.FindStringSubmatch(line); m != nil {
		ts, ok := parseTimestamp(m[1])
		if !ok {
			return nil, false
		}
		return event.NewEventSyncFailed(ts), true
	}

	return nil, false
}

// parseTimestamp interprets s ("2006.01.02 15:04:05") as wall-clock time in
// the host's local zone and converts it to UTC. It rejects s if the local
// interpretation is ambiguous (a DST fall-back repeats the wall clock) or
// nonexistent (a DST spring-forward skips it) — time.ParseInLocation
// otherwise silently picks one offset per Go's tzdata rules, which spec
// §4.2 requires we not do ("the unique local interpretation when one
// exists... rejects the line otherwise").
func parseTimestamp(s string) (time.Time, bool) {
	local, err := time.ParseInLocation(timestampLayout, s, time.Local)
	if err != nil {
		return time.Time{}, false
	}

	// Round-trip through the zone: a nonexistent L (DST gap) is shifted by
	// Go to an adjacent offset, so the formatted wall clock differs from s.
	if local.Format(timestampLayout) != s {
		return time.Time{}, false
	}

	// An ambiguous L (DST overlap) round-trips under either offset, so look
	// for a second instant with the same wall clock under the offset in
	// force 12h before or after.
	_, off := local.Zone()
	for _, probe := range []time.Time{local.Add(-12 * time.Hour), local.Add(12 * time.Hour)} {
		if _, other := probe.Zone(); other != off {
			alt := local.Add(time.Duration(off-other) * time.Second)
			if alt.Format(timestampLayout) == s {
				return time.Time{}, false
			}
		}
	}

	return local.UTC(), true
}
