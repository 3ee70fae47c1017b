// Package irclog parses plaintext IRC logs in the archive.logbot.info export
// format and converts them into the archive's event shape. Imported events
// carry no event id; the store's merge never deduplicates them, so the
// importer refuses to touch a day file that already exists.
package irclog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/onnwee/chat-archiver/event"
)

// lineFormat is one logbot line: timestamp, channel, nick marker, message.
// The nick appears as <nick> for messages, -nick- for notices, and "* nick"
// for /me actions.
var lineFormat = regexp.MustCompile(`^([0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}) (#[A-Za-z0-9#\-_]+) ((?:<[^>]+>)|(?:-[^-]+-)|(?:\* [^ ]+)) (.*)$`)

// Line is one parsed log line.
type Line struct {
	Channel string
	Event   event.Event
}

// ParseError reports the first unparseable line of an import. The whole file
// is rejected: a partial import of an id-less source cannot be retried safely.
type ParseError struct {
	LineNo int
	Line   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse line %d: %q", e.LineNo, e.Line)
}

// ErrChannelMismatch rejects a file mixing lines from more than one channel.
var ErrChannelMismatch = errors.New("channel name is not consistent")

// ParseLine parses a single log line. Blank lines are the caller's concern.
func ParseLine(line string) (Line, error) {
	m := lineFormat.FindStringSubmatch(line)
	if m == nil {
		return Line{}, &ParseError{Line: line}
	}
	tsString, channel, marker, message := m[1], m[2], m[3], m[4]

	ts, err := time.Parse("2006-01-02T15:04:05", tsString)
	if err != nil {
		return Line{}, &ParseError{Line: line}
	}

	isEmote := strings.HasPrefix(marker, "*")
	isNotice := strings.HasPrefix(marker, "-")
	var nick string
	if isEmote {
		nick = marker[2:]
	} else {
		nick = marker[1 : len(marker)-1]
	}

	msgtype := event.MsgTypeText
	if isEmote {
		msgtype = event.MsgTypeEmote
	}
	return Line{
		Channel: channel,
		Event: event.Event{
			Content: event.Content{
				Body:        message,
				Msgtype:     msgtype,
				IsIrcNotice: isNotice,
			},
			TS:         ts.UTC().UnixMilli(),
			SenderName: nick,
			SenderID:   nick + "@irc",
		},
	}, nil
}

// Parse reads a whole log export and returns its channel and events in file
// order. Blank lines are skipped; the first malformed line or channel switch
// aborts the parse.
func Parse(r io.Reader) (string, []event.Event, error) {
	var (
		channel string
		events  []event.Event
		lineNo  int
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		if strings.TrimSpace(raw) == "" {
			continue
		}
		line, err := ParseLine(raw)
		if err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				perr.LineNo = lineNo
			}
			return "", nil, err
		}
		if channel == "" {
			channel = line.Channel
		} else if channel != line.Channel {
			return "", nil, fmt.Errorf("%w: %s then %s at line %d", ErrChannelMismatch, channel, line.Channel, lineNo)
		}
		events = append(events, line.Event)
	}
	if err := scanner.Err(); err != nil {
		return "", nil, fmt.Errorf("read log: %w", err)
	}
	return channel, events, nil
}
