// Package gamequery implements the UDP teamstatus query protocol spoken by the game server.
package gamequery

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Command is the remote console command that returns the player table.
	Command = "teamstatus"

	// EchoPrefixLen is the length of the "print" echo every response datagram starts with.
	EchoPrefixLen = 11

	// MaxTeam is the highest valid team index. Team 0 is the pre-match/connecting state.
	MaxTeam = 2

	// rowColumns is the number of columns in a teamstatus row, counting the name as one.
	rowColumns = 10

	// columns following the name: team, lastmsg, address, qport, rate.
	tailColumns = 5
)

var (
	marker      = []byte{0xFF, 0xFF, 0xFF, 0xFF}
	sentinel    = []byte{'\n', '\n'}
	colorReset  = "^7"
	mapHeaderID = "map:"
)

// Player is one row of the teamstatus table.
type Player struct {
	ID        int
	Score     int
	Ping      int
	GUID      int64
	Name      string
	Team      int
	LastMsg   int
	Address   string
	QueryPort int
	Rate      int
}

// Response is a decoded teamstatus reply.
type Response struct {
	Map     string
	Players []Player
}

// RowError describes a teamstatus row that could not be decoded.
type RowError struct {
	Line   int
	Row    string
	Reason string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Reason, e.Row)
}

// BuildRequest returns the request packet for the teamstatus command.
// Layout: FF FF FF FF 00 <password> 20 "teamstatus" 00.
func BuildRequest(password string) []byte {
	buf := make([]byte, 0, len(marker)+len(password)+len(Command)+3)
	buf = append(buf, marker...)
	buf = append(buf, 0x00)
	buf = append(buf, password...)
	buf = append(buf, ' ')
	buf = append(buf, Command...)
	buf = append(buf, 0x00)

	return buf
}

// StripEcho removes the echo prefix from a response datagram and trims trailing NUL terminators.
// Datagrams not starting with the marker are returned unchanged apart from the trim.
func StripEcho(datagram []byte) []byte {
	if len(datagram) >= EchoPrefixLen && bytes.HasPrefix(datagram, marker) {
		datagram = datagram[EchoPrefixLen:]
	}

	return bytes.TrimRight(datagram, "\x00")
}

// ParseResponse decodes the concatenated payload of a teamstatus reply.
// Line 0 holds the map, lines 1 and 2 are column headers and every following line is a player.
// Malformed rows are reported in the returned slice and skipped; they never abort the parse.
func ParseResponse(blob []byte) (Response, []error) {
	var (
		resp Response
		errs []error
	)

	lines := strings.Split(string(blob), "\n")

	for i, line := range lines {
		line = strings.TrimRight(line, "\r\x00")

		switch {
		case i == 0:
			resp.Map = parseMapHeader(line)
			continue
		case i <= 2:
			continue
		case strings.TrimSpace(line) == "":
			continue
		}

		player, err := ParseRow(line)
		if err != nil {
			err.Line = i
			errs = append(errs, err)

			continue
		}

		// id <= 0 is the server's demo client, not a real player.
		if player.ID <= 0 {
			continue
		}

		if player.Team < 0 || player.Team > MaxTeam {
			continue
		}

		resp.Players = append(resp.Players, player)
	}

	return resp, errs
}

func parseMapHeader(line string) string {
	line = strings.TrimSpace(line)

	if strings.HasPrefix(line, mapHeaderID) {
		return strings.TrimSpace(strings.TrimPrefix(line, mapHeaderID))
	}

	return line
}

// ParseRow decodes a single teamstatus row.
// Column order: id, score, ping, guid, name, team, lastmsg, address, qport, rate.
func ParseRow(row string) (Player, *RowError) {
	var (
		p    Player
		rest = row
		err  error
	)

	fail := func(reason string) (Player, *RowError) {
		return Player{}, &RowError{Row: row, Reason: reason}
	}

	head := make([]string, 4)
	for i := range head {
		head[i], rest = nextField(rest)
		if head[i] == "" {
			return fail(fmt.Sprintf("expected %d columns", rowColumns))
		}
	}

	if p.ID, err = strconv.Atoi(head[0]); err != nil {
		return fail("invalid id")
	}

	if p.Score, err = strconv.Atoi(head[1]); err != nil {
		return fail("invalid score")
	}

	if p.Ping, err = strconv.Atoi(head[2]); err != nil {
		return fail("invalid ping")
	}

	if p.GUID, err = strconv.ParseInt(head[3], 10, 64); err != nil {
		return fail("invalid guid")
	}

	name, tail, ok := splitName(rest)
	if !ok {
		return fail(fmt.Sprintf("expected %d columns", rowColumns))
	}

	p.Name = name

	if p.Team, err = strconv.Atoi(tail[0]); err != nil {
		return fail("invalid team")
	}

	if p.LastMsg, err = strconv.Atoi(tail[1]); err != nil {
		return fail("invalid lastmsg")
	}

	p.Address = tail[2]

	if p.QueryPort, err = strconv.Atoi(tail[3]); err != nil {
		return fail("invalid qport")
	}

	if p.Rate, err = strconv.Atoi(tail[4]); err != nil {
		return fail("invalid rate")
	}

	return p, nil
}

// splitName extracts the name column and the columns that follow it.
// The name ends at a "^7" followed by a field boundary. Names may carry several
// color resets (clan tags), so only a marker that leaves exactly the trailing
// columns after it counts. Otherwise the trailing columns are anchored to the end
// of the row and everything before them is the name.
func splitName(rest string) (string, []string, bool) {
	rest = strings.TrimLeft(rest, " ")

	for i := 0; i+len(colorReset) <= len(rest); i++ {
		if rest[i:i+len(colorReset)] != colorReset {
			continue
		}

		end := i + len(colorReset)
		if end != len(rest) && rest[end] != ' ' {
			continue
		}

		if tail := strings.Fields(rest[end:]); len(tail) == tailColumns {
			return rest[:i], tail, true
		}
	}

	fields := strings.Fields(rest)
	if len(fields) < tailColumns+1 {
		return "", nil, false
	}

	split := len(fields) - tailColumns

	return strings.Join(fields[:split], " "), fields[split:], true
}

// nextField returns the next space-delimited field and the remainder of s.
func nextField(s string) (string, string) {
	s = strings.TrimLeft(s, " ")

	end := strings.IndexByte(s, ' ')
	if end < 0 {
		return s, ""
	}

	return s[:end], s[end:]
}
