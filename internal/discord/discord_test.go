package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcm/ts-team-switcher/internal/gamequery"
	"github.com/samcm/ts-team-switcher/internal/switcher"
	"github.com/samcm/ts-team-switcher/internal/teamspeak"
)

func member(nick string, team int) switcher.Member {
	return switcher.Member{
		Client: teamspeak.Client{Nickname: nick},
		Player: gamequery.Player{Name: nick, Team: team},
	}
}

func TestBuildEmbed_Idle(t *testing.T) {
	embed := buildEmbed(&switcher.Plan{Server: "bo1"})

	assert.Equal(t, "bo1", embed.Title)
	assert.Contains(t, embed.Description, "Nobody")
	assert.Empty(t, embed.Fields)
	assert.Nil(t, embed.Footer)
}

func TestBuildEmbed_Lineup(t *testing.T) {
	plan := &switcher.Plan{
		Server:      "bo1",
		Interesting: 4,
		Confirmed: []switcher.Member{
			member("zed", 1),
			member("amy", 1),
			member("bob", 2),
		},
		QuorumMet: true,
	}
	plan.Batches = []*switcher.Batch{
		{Team: 1, Members: plan.Confirmed[:2], Applied: true},
		{Team: 2, Members: plan.Confirmed[2:], Err: errors.New("boom")},
	}

	embed := buildEmbed(plan)

	require.Len(t, embed.Fields, 2)
	assert.Equal(t, "Team 1", embed.Fields[0].Name)
	assert.Equal(t, "amy\nzed", embed.Fields[0].Value)
	assert.Equal(t, "Team 2", embed.Fields[1].Name)
	assert.Equal(t, "bob", embed.Fields[1].Value)
	assert.Equal(t, 0x2ECC71, embed.Color)
	assert.Equal(t, "3 of 4 listening users in game • moved 2", embed.Footer.Text)
}

func TestBuildEmbed_BelowQuorum(t *testing.T) {
	plan := &switcher.Plan{
		Server:      "bo1",
		Interesting: 2,
		Confirmed:   []switcher.Member{member("amy", 0)},
	}

	embed := buildEmbed(plan)

	require.Len(t, embed.Fields, 1)
	assert.Equal(t, "Connecting", embed.Fields[0].Name)
	assert.False(t, embed.Fields[0].Inline)
	assert.Equal(t, 0xFAA61A, embed.Color)
	assert.Contains(t, embed.Footer.Text, "waiting for more players")
}

func TestFingerprint(t *testing.T) {
	base := &switcher.Plan{
		Server:      "bo1",
		Interesting: 2,
		Confirmed:   []switcher.Member{member("amy", 1), member("bob", 2)},
		QuorumMet:   true,
	}

	reordered := &switcher.Plan{
		Server:      "bo1",
		Interesting: 2,
		Confirmed:   []switcher.Member{member("bob", 2), member("amy", 1)},
		QuorumMet:   true,
		Batches:     []*switcher.Batch{{Team: 1, Applied: true}},
	}
	assert.Equal(t, fingerprint(base), fingerprint(reordered))

	swapped := &switcher.Plan{
		Server:      "bo1",
		Interesting: 2,
		Confirmed:   []switcher.Member{member("amy", 2), member("bob", 2)},
		QuorumMet:   true,
	}
	assert.NotEqual(t, fingerprint(base), fingerprint(swapped))

	other := *base
	other.Server = "bo2"
	assert.NotEqual(t, fingerprint(base), fingerprint(&other))
}

type fakeMessenger struct {
	mu       sync.Mutex
	existing []*discordgo.Message
	sent     []*discordgo.MessageEmbed
	edits    map[string][]*discordgo.MessageEmbed // message id -> embeds
	entered  chan struct{}
	release  chan struct{}
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{edits: make(map[string][]*discordgo.MessageEmbed)}
}

func (f *fakeMessenger) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.existing, nil
}

func (f *fakeMessenger) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, embed)

	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", len(f.sent))}, nil
}

func (f *fakeMessenger) ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.edits[messageID] = append(f.edits[messageID], embed)

	return &discordgo.Message{ID: messageID}, nil
}

func (f *fakeMessenger) counts() (sent, edits int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.edits {
		edits += len(e)
	}

	return len(f.sent), edits
}

func startService(t *testing.T, m messenger) *service {
	t.Helper()

	log, _ := logtest.NewNullLogger()
	s := newService(log, Config{ChannelID: "lineups"})
	s.run(context.Background(), m, "bot")

	t.Cleanup(func() { s.Stop() })

	return s
}

func lineup(server string, nicks ...string) *switcher.Plan {
	plan := &switcher.Plan{Server: server, Interesting: len(nicks), QuorumMet: true}
	for _, n := range nicks {
		plan.Confirmed = append(plan.Confirmed, member(n, 1))
	}

	return plan
}

func TestReport_SkipsUnchangedLineup(t *testing.T) {
	f := newFakeMessenger()
	s := startService(t, f)

	s.Report(context.Background(), lineup("bo1", "amy"))
	require.Eventually(t, func() bool {
		sent, _ := f.counts()
		return sent == 1
	}, time.Second, 5*time.Millisecond)

	// Same lineup after a converged tick, then a second server.
	again := lineup("bo1", "amy")
	again.Batches = []*switcher.Batch{{Team: 1, Applied: true}}
	s.Report(context.Background(), again)
	s.Report(context.Background(), lineup("bo2", "bob"))

	require.Eventually(t, func() bool {
		sent, _ := f.counts()
		return sent == 2
	}, time.Second, 5*time.Millisecond)

	_, edits := f.counts()
	assert.Zero(t, edits)
}

func TestReport_EditsExistingMessage(t *testing.T) {
	f := newFakeMessenger()
	f.existing = []*discordgo.Message{
		{ID: "other", Author: &discordgo.User{ID: "someone"}, Embeds: []*discordgo.MessageEmbed{{Title: "bo1"}}},
		{ID: "mine", Author: &discordgo.User{ID: "bot"}, Embeds: []*discordgo.MessageEmbed{{Title: "bo1"}}},
	}

	s := startService(t, f)
	s.Report(context.Background(), lineup("bo1", "amy"))

	require.Eventually(t, func() bool {
		_, edits := f.counts()
		return edits == 1
	}, time.Second, 5*time.Millisecond)

	s.Report(context.Background(), lineup("bo1", "amy", "zed"))

	require.Eventually(t, func() bool {
		_, edits := f.counts()
		return edits == 2
	}, time.Second, 5*time.Millisecond)

	sent, _ := f.counts()
	assert.Zero(t, sent)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.edits["mine"], 2)
}

func TestReport_DoesNotWaitForDiscord(t *testing.T) {
	f := newFakeMessenger()
	f.entered = make(chan struct{}, 1)
	f.release = make(chan struct{})

	s := startService(t, f)

	s.Report(context.Background(), lineup("bo1", "amy"))
	<-f.entered

	// Discord is stuck; further reports queue and only the latest is kept.
	done := make(chan struct{})
	go func() {
		s.Report(context.Background(), lineup("bo1", "amy", "bob"))
		s.Report(context.Background(), lineup("bo1", "amy", "bob", "cat"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Report blocked on a slow Discord API")
	}

	s.pendingMu.Lock()
	require.Len(t, s.pending, 1)
	assert.Len(t, s.pending["bo1"].Confirmed, 3)
	s.pendingMu.Unlock()

	close(f.release)

	require.Eventually(t, func() bool {
		_, edits := f.counts()
		return edits == 1
	}, time.Second, 5*time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.sent, 1)
	assert.Equal(t, "amy\nbob\ncat", f.edits["msg-1"][0].Fields[0].Value)
}
