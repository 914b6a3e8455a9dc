package monitor

import (
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"autopilot/internal/types"
)

// DefaultArchivePrefix names a channel's archive directory: "<prefix><name>".
const DefaultArchivePrefix = "Published - "

var (
	nonSlugEmail   = regexp.MustCompile(`[^a-z0-9-]`)
	nonSlugChannel = regexp.MustCompile(`[^\w\s-]`)
	spaces         = regexp.MustCompile(`\s+`)
	dashes         = regexp.MustCompile(`-+`)
)

// OwnerSlug turns an owner email into a directory name: "@" becomes "-at-"
// and everything outside [a-z0-9-] becomes a dash.
func OwnerSlug(email string) string {
	s := strings.ToLower(strings.TrimSpace(email))
	s = strings.ReplaceAll(s, "@", "-at-")
	s = nonSlugEmail.ReplaceAllString(s, "-")
	s = dashes.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// ChannelSlug builds a directory name from the channel name and the first
// eight characters of its id.
func ChannelSlug(name, channelID string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = nonSlugChannel.ReplaceAllString(s, "")
	s = spaces.ReplaceAllString(s, "-")
	s = dashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")

	short := channelID
	if len(short) > 8 {
		short = short[:8]
	}
	if len(s) < 2 {
		return "channel-" + short
	}
	return s + "-" + short
}

// Layout maps channels to their directories under the storage root.
type Layout struct {
	Root          string
	ArchivePrefix string
	// MediaBaseURL is the public base the publisher fetches files from.
	MediaBaseURL string
}

// Paths are the resolved directories of one channel.
type Paths struct {
	OwnerSlug   string
	ChannelSlug string
	InputDir    string
	ArchiveDir  string
}

// PathsFor resolves a channel's directories. Channels without an owner email
// use "<owner id>@unknown.local".
func (l Layout) PathsFor(ch *types.Channel) Paths {
	email := ch.OwnerEmail
	if email == "" {
		email = ch.OwnerID + "@unknown.local"
	}
	name := ch.Name
	if name == "" {
		name = "channel_" + ch.ID
	}
	prefix := l.ArchivePrefix
	if prefix == "" {
		prefix = DefaultArchivePrefix
	}

	owner := OwnerSlug(email)
	channel := ChannelSlug(name, ch.ID)
	input := filepath.Join(l.Root, owner, channel)
	return Paths{
		OwnerSlug:   owner,
		ChannelSlug: channel,
		InputDir:    input,
		ArchiveDir:  filepath.Join(input, prefix+sanitizeDirName(name)),
	}
}

// MediaURL is the public URL of a pending file.
func (l Layout) MediaURL(p Paths, fileName string) string {
	base := strings.TrimRight(l.MediaBaseURL, "/")
	return base + "/api/media/" + p.OwnerSlug + "/" + p.ChannelSlug + "/" + url.PathEscape(fileName)
}

// sanitizeDirName keeps a display name usable as a single path element.
func sanitizeDirName(name string) string {
	r := strings.NewReplacer("/", "-", `\`, "-", "\x00", "")
	return strings.TrimSpace(r.Replace(name))
}
