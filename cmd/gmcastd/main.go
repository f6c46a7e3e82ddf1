// Command gmcastd runs one GMCast mesh node: it binds the configured
// listener, optionally dials a seed peer, optionally advertises itself via
// LAN broadcast discovery, and optionally serves read-only JSON status over
// HTTP, until interrupted.
package main

import (
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"

	"github.com/sthibaul/galera/internal/discovery"
	"github.com/sthibaul/galera/internal/mesh"
	"github.com/sthibaul/galera/internal/protostack"
	"github.com/sthibaul/galera/internal/statusd"
	"github.com/sthibaul/galera/internal/transport"
	"github.com/sthibaul/galera/internal/transport/tcp"
	"github.com/sthibaul/galera/internal/transport/ws"
)

// muxAdapter adapts *mux.Router's Handle (which returns *mux.Route) to the
// narrower Handle(string, http.Handler) signature ws.Provider.Mux expects.
type muxAdapter struct {
	*mux.Router
}

func (m muxAdapter) Handle(pattern string, handler http.Handler) {
	m.Router.Handle(pattern, handler)
}

func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signal.Notify(signalSyn, os.Interrupt)
	<-signalSyn
}

// watchConfigForLogLevel reloads just the Logging block whenever filename
// changes on disk, so an operator can raise verbosity on a running node
// without a restart. Any other configuration change requires a restart.
func watchConfigForLogLevel(filename string) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("gmcastd: could not start config file watcher, log level reload disabled")
		return nil
	}
	if err := watcher.Add(filename); err != nil {
		log.WithError(err).Warn("gmcastd: could not watch config file, log level reload disabled")
		_ = watcher.Close()
		return nil
	}

	go func() {
		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if e.Op&fsnotify.Write == 0 {
					continue
				}
				conf, err := loadConfig(filename)
				if err != nil {
					log.WithError(err).Warn("gmcastd: re-reading configuration failed")
					continue
				}
				applyLogging(conf.Logging)
				log.Info("gmcastd: reloaded logging configuration")

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("gmcastd: config watcher errored")
			}
		}
	}()

	return watcher
}

func main() {
	rand.Seed(time.Now().UnixNano())

	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := loadConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("gmcastd: failed to parse configuration")
	}

	meshCfg, err := parseMeshConfig(conf.Mesh)
	if err != nil {
		log.WithError(err).Fatal("gmcastd: invalid mesh configuration")
	}
	log.WithFields(log.Fields{
		"node-id": meshCfg.MyUUID,
		"group":   meshCfg.GroupName,
		"listen":  meshCfg.ListenAddr,
	}).Info("gmcastd: starting")

	router := mux.NewRouter()
	providers := map[string]transport.Provider{
		"tcp": tcp.Provider{},
		"ws":  ws.Provider{Mux: muxAdapter{router}},
	}

	stack := protostack.New()
	m := mesh.New(meshCfg, providers, stack, nil)
	if err := m.Connect(); err != nil {
		log.WithError(err).Fatal("gmcastd: failed to bind listener")
	}
	m.Run()

	// The ws transport doesn't bind its own socket (see ws.Provider.Listen);
	// if the mesh listener uses it, something has to actually run the
	// http.Server that serves router's upgrade handler.
	var meshHTTPSrv *http.Server
	if scheme, hostport := meshCfg.ListenScheme(), meshCfg.ListenHostPort(); scheme == "ws" || scheme == "wss" {
		meshHTTPSrv = &http.Server{Addr: hostport, Handler: router}
		go func() {
			if err := meshHTTPSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("gmcastd: mesh ws listener errored")
			}
		}()
	}

	for _, addr := range conf.Mesh.Peer[minInt(1, len(conf.Mesh.Peer)):] {
		canon, err := mesh.CanonicalizeAddr(addr)
		if err != nil {
			log.WithError(err).WithField("addr", addr).Warn("gmcastd: skipping unresolvable configured peer")
			continue
		}
		m.Discovered(canon)
	}

	var disc *discovery.Manager
	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		interval := conf.Discovery.Interval
		if interval == 0 {
			interval = 10
		}
		scheme, port := schemeAndPort(meshCfg)
		disc, err = discovery.NewManager(m, meshCfg.GroupName, scheme, port, interval, conf.Discovery.IPv4, conf.Discovery.IPv6)
		if err != nil {
			log.WithError(err).Warn("gmcastd: failed to start discovery")
		}
	}

	var statusSrv *http.Server
	if conf.Status.ListenAddr != "" {
		statusd.New(router, m)
		statusSrv = &http.Server{Addr: conf.Status.ListenAddr, Handler: router}
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("gmcastd: status server errored")
			}
		}()
	}

	watcher := watchConfigForLogLevel(os.Args[1])

	waitSigint()
	log.Info("gmcastd: shutting down")

	if watcher != nil {
		_ = watcher.Close()
	}
	if disc != nil {
		disc.Close()
	}
	if statusSrv != nil {
		_ = statusSrv.Close()
	}
	if meshHTTPSrv != nil {
		_ = meshHTTPSrv.Close()
	}
	if err := m.Close(); err != nil {
		log.WithError(err).Warn("gmcastd: error while closing mesh")
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// schemeAndPort extracts the scheme and port advertised in discovery
// announcements from a resolved mesh.Config's listen address.
func schemeAndPort(cfg mesh.Config) (scheme string, port int) {
	scheme = cfg.ListenScheme()
	if scheme == "" {
		scheme = "tcp"
	}
	port = mesh.DefaultPort
	if _, portStr, err := net.SplitHostPort(cfg.ListenHostPort()); err == nil {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}
	return
}
