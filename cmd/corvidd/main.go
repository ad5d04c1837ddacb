// corvidd is the overlay daemon: it runs the DHT node and, when
// configured, the active-proxy tunnel.
package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/corvid-net/corvid/activeproxy"
	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/crypto"
	"github.com/corvid-net/corvid/dht"
	"github.com/corvid-net/corvid/log"
)

type nodeConfig struct {
	IPv4        string
	IPv6        string
	Port        uint16
	DataDir     string
	Bootstraps  []string
	Development bool
}

type logConfig struct {
	Level string
	File  string
}

type proxyConfig struct {
	ServerPeerId   string
	ServerId       string
	ServerHost     string
	ServerPort     uint16
	UpstreamHost   string
	UpstreamPort   uint16
	Domain         string
	PeerPrivateKey string
}

type config struct {
	Node        nodeConfig
	Log         logConfig
	ActiveProxy proxyConfig
}

func defaultConfig() config {
	return config{
		Node: nodeConfig{IPv4: "0.0.0.0", Port: 39001, DataDir: "."},
		Log:  logConfig{Level: "info"},
	}
}

var (
	configFlag  = &cli.StringFlag{Name: "config", Usage: "configuration `file`"}
	ipv4Flag    = &cli.StringFlag{Name: "ipv4", Usage: "IPv4 listen `address`"}
	ipv6Flag    = &cli.StringFlag{Name: "ipv6", Usage: "IPv6 listen `address`"}
	portFlag    = &cli.UintFlag{Name: "port", Usage: "UDP listen `port`"}
	dataDirFlag = &cli.StringFlag{Name: "data-dir", Usage: "persistent storage `directory`"}
	bootstrapFlag = &cli.StringSliceFlag{
		Name:  "bootstrap",
		Usage: "bootstrap node as `<id>@<addr>:<port>`, repeatable",
	}
)

func main() {
	app := &cli.App{
		Name:   "corvidd",
		Usage:  "Kademlia overlay node with active-proxy tunnel",
		Flags:  []cli.Flag{configFlag, ipv4Flag, ipv6Flag, portFlag, dataDirFlag, bootstrapFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "corvidd:", err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) (config, error) {
	cfg := defaultConfig()
	if path := ctx.String(configFlag.Name); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	}
	// flags override file values
	if ctx.IsSet(ipv4Flag.Name) {
		cfg.Node.IPv4 = ctx.String(ipv4Flag.Name)
	}
	if ctx.IsSet(ipv6Flag.Name) {
		cfg.Node.IPv6 = ctx.String(ipv6Flag.Name)
	}
	if ctx.IsSet(portFlag.Name) {
		cfg.Node.Port = uint16(ctx.Uint(portFlag.Name))
	}
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.Node.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(bootstrapFlag.Name) {
		cfg.Node.Bootstraps = ctx.StringSlice(bootstrapFlag.Name)
	}
	return cfg, nil
}

func setupLogging(cfg logConfig) {
	level := log.LevelFromString(cfg.Level)
	if cfg.File != "" {
		log.SetDefault(log.NewLogger(log.FileHandler(cfg.File, level)))
		return
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, level, true)))
}

// parseBootstrap parses "<id>@<addr>:<port>".
func parseBootstrap(s string) (core.NodeInfo, error) {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return core.NodeInfo{}, fmt.Errorf("invalid bootstrap %q, want <id>@<addr>:<port>", s)
	}
	id, err := core.IdFromBase58(s[:at])
	if err != nil {
		return core.NodeInfo{}, fmt.Errorf("invalid bootstrap id in %q: %w", s, err)
	}
	host, portStr, err := net.SplitHostPort(s[at+1:])
	if err != nil {
		return core.NodeInfo{}, fmt.Errorf("invalid bootstrap address in %q: %w", s, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return core.NodeInfo{}, fmt.Errorf("invalid bootstrap host in %q", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return core.NodeInfo{}, fmt.Errorf("invalid bootstrap port in %q: %w", s, err)
	}
	return core.NodeInfo{Id: id, Addr: &net.UDPAddr{IP: ip, Port: int(port)}}, nil
}

func run(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	var bootstraps []core.NodeInfo
	for _, s := range cfg.Node.Bootstraps {
		ni, err := parseBootstrap(s)
		if err != nil {
			return err
		}
		bootstraps = append(bootstraps, ni)
	}

	node, err := dht.NewNode(dht.Config{
		Addr4:           cfg.Node.IPv4,
		Addr6:           cfg.Node.IPv6,
		Port:            cfg.Node.Port,
		DataDir:         cfg.Node.DataDir,
		Bootstrap:       bootstraps,
		DevelopmentMode: cfg.Node.Development,
	})
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	defer node.Stop()
	log.Info("Node is ready", "id", node.Id())

	var proxy *activeproxy.ActiveProxy
	if cfg.ActiveProxy.UpstreamHost != "" {
		proxyCfg, err := buildProxyConfig(cfg.ActiveProxy)
		if err != nil {
			return err
		}
		if proxy, err = activeproxy.NewActiveProxy(node, proxyCfg); err != nil {
			return err
		}
		if err := proxy.Start(); err != nil {
			return err
		}
		defer proxy.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", "signal", sig)
	return nil
}

func buildProxyConfig(cfg proxyConfig) (activeproxy.Config, error) {
	out := activeproxy.Config{
		ServerHost:   cfg.ServerHost,
		ServerPort:   cfg.ServerPort,
		UpstreamHost: cfg.UpstreamHost,
		UpstreamPort: cfg.UpstreamPort,
		Domain:       cfg.Domain,
	}
	if cfg.ServerPeerId != "" {
		id, err := core.IdFromBase58(cfg.ServerPeerId)
		if err != nil {
			return out, fmt.Errorf("invalid activeproxy server peer id: %w", err)
		}
		out.ServerPeerId = &id
	} else if cfg.ServerId != "" {
		id, err := core.IdFromBase58(cfg.ServerId)
		if err != nil {
			return out, fmt.Errorf("invalid activeproxy server id: %w", err)
		}
		out.ServerId = id
	}
	if cfg.PeerPrivateKey != "" {
		seed, err := hex.DecodeString(strings.TrimPrefix(cfg.PeerPrivateKey, "0x"))
		if err != nil {
			return out, fmt.Errorf("invalid activeproxy peer key: %w", err)
		}
		kp, err := crypto.KeyPairFromSeed(seed)
		if err != nil {
			return out, fmt.Errorf("invalid activeproxy peer key: %w", err)
		}
		out.PeerKeyPair = &kp
	}
	return out, nil
}
