package feed

import (
	"fmt"
	"strings"
	"time"
)

// DefaultExplorerURL is the block explorer used for transaction and address links.
const DefaultExplorerURL = "https://etherscan.io"

// Identity is what a name service knows about a signer. Both fields may be empty.
type Identity struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// NameResolver reports cached identities. Lookup must not block; ok is false
// while a signer has not been resolved yet.
type NameResolver interface {
	Lookup(signer string) (Identity, bool)
}

// Profile is the display identity of a signer.
type Profile struct {
	DisplayName string `json:"displayName"`
	Name        string `json:"name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Resolved    bool   `json:"resolved"`
}

// ProfileFor builds the profile of signer. Without a resolved name the display
// name is the truncated address.
func ProfileFor(signer string, names NameResolver) Profile {
	p := Profile{DisplayName: TruncateAddress(signer)}
	if names == nil {
		return p
	}
	id, ok := names.Lookup(signer)
	p.Resolved = ok
	p.Name, p.Avatar = id.Name, id.Avatar
	if id.Name != "" {
		p.DisplayName = id.Name
	}
	return p
}

// TimeAgo renders ts relative to now as "45s ago", "3m ago", "5h ago" or
// "2d ago". Anything a week or older renders as its UTC date. Timestamps in
// the future clamp to "0s ago".
func TimeAgo(ts int64, now time.Time) string {
	secs := now.Unix() - ts
	switch {
	case secs < 0:
		return "0s ago"
	case secs < 60:
		return fmt.Sprintf("%ds ago", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm ago", secs/60)
	case secs < 86400:
		return fmt.Sprintf("%dh ago", secs/3600)
	case secs < 7*86400:
		return fmt.Sprintf("%dd ago", secs/86400)
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02")
}

// ExplorerURL links an event to the block explorer at base: its transaction
// when the hash is known, the signer's address otherwise.
func ExplorerURL(base string, ev CanonicalEvent) string {
	if base == "" {
		base = DefaultExplorerURL
	}
	base = strings.TrimRight(base, "/")
	if ev.TransactionHash != "" {
		return base + "/tx/" + ev.TransactionHash
	}
	return base + "/address/" + ev.Signer
}
