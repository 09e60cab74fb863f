package message

import (
	"sort"
	"strings"
)

// Well-known channel keys.
const (
	SystemChannel      = "#system"
	SystemRelayChannel = "#system-chan"
	TaskHandle         = "@@task"
	SystemHandle       = "@sys"
)

const directSep = "->"

// DirectChannelName returns the canonical conversation key for two handles.
// The result is the same whichever handle is passed first.
func DirectChannelName(h1, h2 string) string {
	pair := []string{h1, h2}
	sort.Strings(pair)
	return "#" + pair[0] + directSep + pair[1]
}

// DirectParticipants splits a direct channel key back into its two handles.
func DirectParticipants(channel string) (string, string, bool) {
	if !IsDirectChannel(channel) {
		return "", "", false
	}
	a, b, _ := strings.Cut(strings.TrimPrefix(channel, "#"), directSep)
	return a, b, true
}

// IsDirectChannel reports whether channel names a two-party conversation.
func IsDirectChannel(channel string) bool {
	return strings.Contains(channel, directSep)
}

// IsPersonalChannel reports whether channel is a handle's own mailbox.
func IsPersonalChannel(channel string) bool {
	return strings.HasPrefix(channel, "@")
}

// IsBroadcastChannel reports whether channel is a named, non-direct channel.
func IsBroadcastChannel(channel string) bool {
	return strings.HasPrefix(channel, "#") && !IsDirectChannel(channel)
}

// NormalizeChannel prefixes a bare name with "#".
func NormalizeChannel(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasPrefix(name, "#") || strings.HasPrefix(name, "@") {
		return name
	}
	return "#" + name
}

// NormalizeHandle prefixes a bare name with "@".
func NormalizeHandle(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasPrefix(name, "@") {
		return name
	}
	return "@" + name
}

// Mentions reports whether content addresses handle.
func Mentions(content, handle string) bool {
	return handle != "" && strings.Contains(content, handle)
}
