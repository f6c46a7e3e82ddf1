package main

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"

	"github.com/sthibaul/galera/internal/gmid"
	"github.com/sthibaul/galera/internal/mesh"
)

// tomlConfig describes gmcastd's on-disk TOML configuration.
type tomlConfig struct {
	Mesh      meshConf
	Logging   logConf
	Discovery discoveryConf
	Status    statusConf
}

// meshConf describes the Mesh-configuration block.
type meshConf struct {
	NodeID      string `toml:"node-id"`
	Group       string
	ListenAddr  string `toml:"listen-addr"`
	Peer        []string
	MaxRetryCnt int `toml:"max-retry-count"`
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// statusConf describes the status HTTP server's configuration block.
type statusConf struct {
	ListenAddr string `toml:"listen-addr"`
}

func applyLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("gmcastd: failed to set log level, leaving it unchanged")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		log.Warn("gmcastd: unknown logging format")
	}
}

// parseMeshConfig turns a decoded tomlConfig's Mesh block into a mesh.Config.
func parseMeshConfig(conf meshConf) (mesh.Config, error) {
	if conf.Group == "" {
		return mesh.Config{}, fmt.Errorf("mesh.group is empty")
	}
	if conf.ListenAddr == "" {
		return mesh.Config{}, fmt.Errorf("mesh.listen-addr is empty")
	}

	listenAddr, err := mesh.CanonicalizeAddr(conf.ListenAddr)
	if err != nil {
		return mesh.Config{}, fmt.Errorf("mesh.listen-addr: %w", err)
	}

	cfg := mesh.Config{
		MyUUID:      gmid.New(),
		GroupName:   conf.Group,
		ListenAddr:  listenAddr,
		MaxRetryCnt: conf.MaxRetryCnt,
	}
	if cfg.MaxRetryCnt == 0 {
		cfg.MaxRetryCnt = mesh.DefaultMaxRetryCnt
	}
	if conf.NodeID != "" {
		parsed, err := gmid.Parse(conf.NodeID)
		if err != nil {
			return mesh.Config{}, fmt.Errorf("mesh.node-id: %w", err)
		}
		cfg.MyUUID = parsed
	}
	if len(conf.Peer) > 0 {
		initialAddr, err := mesh.CanonicalizeAddr(conf.Peer[0])
		if err != nil {
			return mesh.Config{}, fmt.Errorf("mesh.peer[0]: %w", err)
		}
		cfg.InitialAddr = initialAddr
	}
	return cfg, nil
}

// loadConfig decodes filename into a tomlConfig and applies the Logging
// block immediately, the same order the teacher's parseCore uses.
func loadConfig(filename string) (tomlConfig, error) {
	var conf tomlConfig
	if _, err := toml.DecodeFile(filename, &conf); err != nil {
		return tomlConfig{}, err
	}
	applyLogging(conf.Logging)
	return conf, nil
}
