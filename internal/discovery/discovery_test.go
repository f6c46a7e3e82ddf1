package discovery

import (
	"testing"

	"github.com/schollz/peerdiscovery"
)

func discoveredFrom(addr string, ann announcement) peerdiscovery.Discovered {
	return peerdiscovery.Discovered{Address: addr, Payload: ann.marshal()}
}

func TestAnnouncementRoundTrip(t *testing.T) {
	a := announcement{group: "mygroup", scheme: "tcp", port: "4567"}
	got, err := unmarshalAnnouncement(a.marshal())
	if err != nil {
		t.Fatalf("unmarshalAnnouncement: %v", err)
	}
	if got != a {
		t.Fatalf("got %+v, want %+v", got, a)
	}
}

func TestUnmarshalAnnouncementRejectsMalformed(t *testing.T) {
	if _, err := unmarshalAnnouncement([]byte("too|few")); err == nil {
		t.Fatal("expected an error for a malformed announcement")
	}
	if _, err := unmarshalAnnouncement([]byte("mygroup|tcp|notaport")); err == nil {
		t.Fatal("expected an error for a bad port")
	}
}

func TestNotifyIgnoresOtherGroups(t *testing.T) {
	sink := &fakeSink{}
	m := &Manager{sink: sink, group: "mygroup"}

	m.notify(discoveredFrom("10.0.0.5", announcement{group: "othergroup", scheme: "tcp", port: "4567"}))
	if len(sink.got) != 0 {
		t.Fatalf("expected no addresses from a different group, got %v", sink.got)
	}

	m.notify(discoveredFrom("10.0.0.5", announcement{group: "mygroup", scheme: "tcp", port: "4567"}))
	if len(sink.got) != 1 || sink.got[0] != "tcp://10.0.0.5:4567" {
		t.Fatalf("got %v, want [tcp://10.0.0.5:4567]", sink.got)
	}
}

type fakeSink struct {
	got []string
}

func (f *fakeSink) Discovered(addr string) { f.got = append(f.got, addr) }
