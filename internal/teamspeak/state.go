// Package teamspeak provides TeamSpeak ServerQuery client functionality.
package teamspeak

// Client represents a voice client connected to the TeamSpeak server.
type Client struct {
	ID        int    // Connection id, changes on reconnect
	UniqueID  string // Long-lived identity
	ChannelID int
	Nickname  string
}

// Channel represents a TeamSpeak channel.
type Channel struct {
	ID       int
	Name     string
	ParentID int
}
