// Package discovery finds other GMCast nodes on the local network segment
// via UDP multicast, the same peerdiscovery-based mechanism the teacher uses
// to find DTN convergence-layer peers, adapted to hand candidate addresses
// to a mesh.Mesh instead of a cla.Manager.
package discovery

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"
)

const (
	// address4 is the default multicast IPv4 address used for discovery.
	address4 = "224.0.0.23"

	// address6 is the default multicast IPv6 address used for discovery.
	address6 = "ff02::23"

	// port is the default multicast UDP port used for discovery.
	port = 35023
)

// Sink receives an address a Manager has learned about, in the same
// "scheme://host:port" shape mesh.Config.InitialAddr uses. Implemented by
// *mesh.Mesh's Discovered method; kept as an interface here so this package
// does not need to import mesh.
type Sink interface {
	Discovered(addr string)
}

// Manager broadcasts this node's own group/port announcement and reports
// every peer it hears back from announcing the same group to a Sink. A
// peer advertising a different group is silently ignored: discovery never
// crosses group boundaries, the same way an established connection to a
// wrong-group peer is rejected at the handshake.
type Manager struct {
	sink  Sink
	group string

	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

// announcement is a node's self-advertisement, encoded as a small delimited
// string rather than a binary/CBOR payload -- peerdiscovery's Payload is an
// opaque []byte and the only consumer is this same package, so there's no
// wire-compatibility reason to reach for a serializer here.
type announcement struct {
	group  string
	scheme string
	port   string
}

func (a announcement) marshal() []byte {
	return []byte(a.group + "|" + a.scheme + "|" + a.port)
}

func unmarshalAnnouncement(buf []byte) (announcement, error) {
	parts := strings.SplitN(string(buf), "|", 3)
	if len(parts) != 3 {
		return announcement{}, fmt.Errorf("discovery: malformed announcement %q", buf)
	}
	if _, err := strconv.Atoi(parts[2]); err != nil {
		return announcement{}, fmt.Errorf("discovery: bad port in announcement: %w", err)
	}
	return announcement{group: parts[0], scheme: parts[1], port: parts[2]}, nil
}

func (m *Manager) notify6(discovered peerdiscovery.Discovered) {
	discovered.Address = fmt.Sprintf("[%s]", discovered.Address)
	m.notify(discovered)
}

func (m *Manager) notify(discovered peerdiscovery.Discovered) {
	ann, err := unmarshalAnnouncement(discovered.Payload)
	if err != nil {
		log.WithError(err).WithField("peer", discovered.Address).Warn("discovery: failed to parse incoming announcement")
		return
	}
	if ann.group != m.group {
		log.WithFields(log.Fields{"peer": discovered.Address, "group": ann.group}).Debug("discovery: ignoring peer from a different group")
		return
	}

	addr := fmt.Sprintf("%s://%s:%s", ann.scheme, discovered.Address, ann.port)
	log.WithFields(log.Fields{"peer": discovered.Address, "addr": addr}).Debug("discovery: found a peer")
	m.sink.Discovered(addr)
}

// Close stops broadcasting and listening.
func (m *Manager) Close() {
	for _, c := range []chan struct{}{m.stopChan4, m.stopChan6} {
		if c != nil {
			c <- struct{}{}
		}
	}
}

// NewManager starts broadcasting group/scheme/listenPort over UDP multicast
// every intervalSec seconds and reports discovered same-group peers to
// sink. At least one of ipv4/ipv6 must be true.
func NewManager(sink Sink, group, scheme string, listenPort int, intervalSec uint, ipv4, ipv6 bool) (*Manager, error) {
	log.WithFields(log.Fields{
		"interval": intervalSec,
		"ipv4":     ipv4,
		"ipv6":     ipv6,
		"group":    group,
		"port":     listenPort,
	}).Info("discovery: starting manager")

	m := &Manager{sink: sink, group: group}
	if ipv4 {
		m.stopChan4 = make(chan struct{})
	}
	if ipv6 {
		m.stopChan6 = make(chan struct{})
	}

	msg := announcement{group: group, scheme: scheme, port: strconv.Itoa(listenPort)}.marshal()

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
		notify           func(discovered peerdiscovery.Discovered)
	}{
		{ipv4, address4, m.stopChan4, peerdiscovery.IPv4, m.notify},
		{ipv6, address6, m.stopChan6, peerdiscovery.IPv6, m.notify6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		settings := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", port),
			MulticastAddress: set.multicastAddress,
			Payload:          msg,
			Delay:            time.Duration(intervalSec) * time.Second,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        true,
			IPVersion:        set.ipVersion,
			Notify:           set.notify,
		}

		discoverErrChan := make(chan error, 1)
		go func() {
			_, discoverErr := peerdiscovery.Discover(settings)
			discoverErrChan <- discoverErr
		}()

		select {
		case discoverErr := <-discoverErrChan:
			if discoverErr != nil {
				return nil, discoverErr
			}
		case <-time.After(time.Second):
		}
	}

	return m, nil
}
