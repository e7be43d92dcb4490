package voice

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// NameResolver maps user IDs to display names for log fields.
type NameResolver interface {
	UserName(userID string) string
}

// cacheTTL controls how long a cached name is valid.
var cacheTTL = 5 * time.Minute

type cacheEntry struct {
	val    string
	expiry time.Time
}

type discordResolver struct {
	s  *discordgo.Session
	mu sync.Mutex
	// user name cache: id -> (value, expiry)
	userCache map[string]cacheEntry
}

func NewDiscordResolver(s *discordgo.Session) NameResolver {
	return &discordResolver{
		s:         s,
		userCache: make(map[string]cacheEntry),
	}
}

func (d *discordResolver) UserName(userID string) string {
	if d.s == nil || userID == "" {
		return ""
	}
	d.mu.Lock()
	if e, ok := d.userCache[userID]; ok {
		if time.Now().Before(e.expiry) {
			d.mu.Unlock()
			return e.val
		}
		delete(d.userCache, userID)
	}
	d.mu.Unlock()

	// prefer the gateway state cache before hitting the REST API
	name := ""
	if d.s.State != nil {
		for _, g := range d.s.State.Guilds {
			if m, err := d.s.State.Member(g.ID, userID); err == nil && m != nil && m.User != nil {
				name = m.User.Username
				break
			}
		}
	}
	if name == "" {
		if u, err := d.s.User(userID); err == nil && u != nil {
			name = u.Username
		}
	}
	if name == "" {
		return ""
	}
	d.mu.Lock()
	d.userCache[userID] = cacheEntry{val: name, expiry: time.Now().Add(cacheTTL)}
	d.mu.Unlock()
	return name
}

type noopResolver struct{}

// NewNoopResolver returns a resolver that never resolves anything.
// Useful in tests and when no session is available.
func NewNoopResolver() NameResolver { return noopResolver{} }

func (noopResolver) UserName(string) string { return "" }
