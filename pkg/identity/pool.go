package identity

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FranksOps/bazaar/pkg/useragent"
)

// Credentials describe a rotating-proxy gateway. Country targeting and a
// sticky session id are encoded into the username, the common convention of
// residential proxy providers.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Password string
	Country  string
}

// Enabled reports whether the credentials are usable.
func (c Credentials) Enabled() bool { return c.Host != "" && c.Username != "" }

// SessionURL renders the proxy URL for one sticky session.
func (c Credentials) SessionURL(sessionID string) *url.URL {
	user := c.Username
	if c.Country != "" {
		user += "-country-" + c.Country
	}
	if sessionID != "" {
		user += "-session-" + sessionID
	}
	return &url.URL{
		Scheme: "http",
		User:   url.UserPassword(user, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
	}
}

// Identity is one outbound persona: a sticky proxy session plus a browser
// User-Agent. Keeping the pair stable across requests preserves whatever
// trust the session has accumulated with the target.
type Identity struct {
	SessionID string
	Proxy     *url.URL
	UserAgent string
	BornAt    time.Time
}

// Pool hands out the current Identity and rotates it only on sustained
// blocking, never per request.
type Pool struct {
	creds          Credentials
	uas            *useragent.Pool
	blockThreshold int

	mu        sync.Mutex
	current   *Identity
	blocks    int
	rotations int
}

// NewPool creates an identity pool. blockThreshold is how many block
// signals in a row force a rotation; values below 1 default to 3. uas may be
// nil, in which case the default User-Agent set is used.
func NewPool(creds Credentials, uas *useragent.Pool, blockThreshold int) *Pool {
	if blockThreshold < 1 {
		blockThreshold = 3
	}
	if uas == nil {
		uas = useragent.NewPool(nil)
	}
	return &Pool{
		creds:          creds,
		uas:            uas,
		blockThreshold: blockThreshold,
	}
}

// Current returns the active identity, minting one on first use.
func (p *Pool) Current() Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		p.current = p.mint()
	}
	return *p.current
}

// ReportBlock records a block signal against the active identity. It returns
// true when the signal tipped the streak over the threshold and the identity
// was rotated.
func (p *Pool) ReportBlock() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.blocks++
	if p.blocks < p.blockThreshold {
		return false
	}
	p.current = p.mint()
	p.blocks = 0
	p.rotations++
	return true
}

// ReportSuccess resets the block streak; an identity that still gets real
// pages through is worth keeping.
func (p *Pool) ReportSuccess() {
	p.mu.Lock()
	p.blocks = 0
	p.mu.Unlock()
}

// Rotations returns how many identities have been burned so far.
func (p *Pool) Rotations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotations
}

// mint creates a fresh identity. Must be called with the lock held.
func (p *Pool) mint() *Identity {
	id := &Identity{
		SessionID: uuid.New().String()[:8],
		UserAgent: p.uas.Random(),
		BornAt:    time.Now(),
	}
	if p.creds.Enabled() {
		id.Proxy = p.creds.SessionURL(id.SessionID)
	}
	return id
}
