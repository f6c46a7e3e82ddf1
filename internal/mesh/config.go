package mesh

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/sthibaul/galera/internal/gmid"
)

// DefaultPort is the listen port assumed when a configuration URI's
// authority omits one.
const DefaultPort = 4567

// DefaultMaxRetryCnt bounds how many reconnection sweeps an address survives
// before being forgotten, mirroring the teacher's queueTtl-style retry
// budget (cla.Manager.queueTtl) scaled to GMCast's finer 1s sweep period.
const DefaultMaxRetryCnt = 30

// Config is the fully-resolved construction parameters for a Mesh, parsed
// from a gmcast:// URI by NewFromURI.
type Config struct {
	// MyUUID is this node's fixed identity. Generated once if not supplied.
	MyUUID gmid.UUID

	// GroupName is the overlay group this node joins. Required.
	GroupName string

	// InitialAddr is the first seed peer to connect to, or "" for none.
	InitialAddr string

	// ListenAddr is this node's own advertised and bound address.
	ListenAddr string

	// MaxRetryCnt bounds the address book's retry budget.
	MaxRetryCnt int
}

// NewFromURI parses a gmcast://[host[:port]]/?gmcast.group=G[&gmcast.listen_addr=...]
// configuration URI into a Config. A missing host means "no initial seed".
// A gmcast.listen_addr without a port takes the URI authority's port, if any.
func NewFromURI(raw string) (Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Config{}, fmt.Errorf("mesh: invalid configuration URI: %w", err)
	}
	if u.Scheme != "gmcast" {
		return Config{}, fmt.Errorf("mesh: configuration URI scheme must be gmcast, got %q", u.Scheme)
	}

	group := u.Query().Get("gmcast.group")
	if group == "" {
		return Config{}, fmt.Errorf("mesh: configuration URI missing required gmcast.group")
	}

	cfg := Config{
		MyUUID:      gmid.New(),
		GroupName:   group,
		MaxRetryCnt: DefaultMaxRetryCnt,
	}

	if listen := u.Query().Get("gmcast.listen_addr"); listen != "" {
		if lu, err := url.Parse(listen); err == nil && lu.Port() == "" && u.Port() != "" {
			listen = lu.Scheme + "://" + net.JoinHostPort(lu.Hostname(), u.Port())
		}
		canon, err := CanonicalizeAddr(listen)
		if err != nil {
			return Config{}, fmt.Errorf("mesh: invalid gmcast.listen_addr: %w", err)
		}
		cfg.ListenAddr = canon
	} else {
		cfg.ListenAddr = fmt.Sprintf("tcp://0.0.0.0:%d", DefaultPort)
	}

	if u.Host != "" {
		canon, err := CanonicalizeAddr("tcp://" + u.Host)
		if err != nil {
			return Config{}, fmt.Errorf("mesh: invalid initial address in %q: %w", raw, err)
		}
		cfg.InitialAddr = canon
	}

	return cfg, nil
}

// ListenScheme is the URI scheme of ListenAddr ("tcp" or "ws"), or "" if
// ListenAddr is malformed.
func (c Config) ListenScheme() string {
	u, err := url.Parse(c.ListenAddr)
	if err != nil {
		return ""
	}
	return u.Scheme
}

// ListenHostPort is the bare "host:port" authority of ListenAddr, the form
// an http.Server's Addr field expects. Used by callers that must bind their
// own listener for a scheme (like ws) whose Provider doesn't bind one itself.
func (c Config) ListenHostPort() string {
	u, err := url.Parse(c.ListenAddr)
	if err != nil {
		return ""
	}
	return u.Host
}

// CanonicalizeAddr resolves addr (already carrying a tcp:// or ws://
// scheme) to a scheme://ip:port string, filling in DefaultPort if the
// authority omitted a port. Exported so other entrypoints parsing addresses
// from a config source other than a gmcast:// URI (e.g. cmd/gmcastd's TOML
// loader) resolve and validate hostnames the same way NewFromURI does.
func CanonicalizeAddr(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	if u.Scheme != "tcp" && u.Scheme != "ws" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	port := u.Port()
	if host == "" {
		return "", fmt.Errorf("address %q has no host", addr)
	}
	if port == "" {
		port = strconv.Itoa(DefaultPort)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", host, err)
	}
	return fmt.Sprintf("%s://%s", u.Scheme, net.JoinHostPort(ips[0], port)), nil
}
