package switcher

import "fmt"

// NumTeams is the number of team slots: 0 (connecting), 1 and 2.
const NumTeams = 3

// Target is the voice channel a team is moved into.
type Target struct {
	Channel  int
	Password string
}

// TeamChannels maps each team to an optional target channel. An unset team is never
// moved; this is distinct from a target of channel 0.
type TeamChannels struct {
	targets [NumTeams]Target
	set     [NumTeams]bool
}

// NewTeamChannels builds a team map, rejecting team indexes outside 0..2.
func NewTeamChannels(targets map[int]Target) (TeamChannels, error) {
	var tc TeamChannels

	for team, target := range targets {
		if !validTeam(team) {
			return TeamChannels{}, fmt.Errorf("team %d is not one of 0, 1, 2", team)
		}

		tc.targets[team] = target
		tc.set[team] = true
	}

	return tc, nil
}

// Target returns the channel configured for team.
func (tc TeamChannels) Target(team int) (Target, bool) {
	if !validTeam(team) || !tc.set[team] {
		return Target{}, false
	}

	return tc.targets[team], true
}

func validTeam(team int) bool {
	return team >= 0 && team < NumTeams
}

// ChannelSet is a set of voice channel ids.
type ChannelSet map[int]struct{}

// NewChannelSet builds a set from ids.
func NewChannelSet(ids ...int) ChannelSet {
	s := make(ChannelSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}

	return s
}

// Contains reports whether id is in the set.
func (s ChannelSet) Contains(id int) bool {
	_, ok := s[id]
	return ok
}
