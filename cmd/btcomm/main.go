package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/btcomm/internal/ble"
	"github.com/chaz8081/btcomm/internal/ble/discovery"
	"github.com/chaz8081/btcomm/internal/ble/gate"
	"github.com/chaz8081/btcomm/internal/ble/protocol"
	"github.com/chaz8081/btcomm/internal/bluez"
	"github.com/chaz8081/btcomm/internal/chat"
	"github.com/chaz8081/btcomm/internal/config"
	"github.com/google/uuid"
	"github.com/urfave/cli"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "btcomm"
	app.Usage = "Chat and gesture messaging over Bluetooth LE"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "path to config file (default: ~/.config/btcomm/config.yaml)"},
		cli.StringFlag{Name: "profile, p", Usage: "override the configured profile (chat or gesture)"},
	}
	app.Commands = []cli.Command{
		{
			Name:    "scan",
			Aliases: []string{"s"},
			Usage:   "Discover nearby peers over LE and classic Bluetooth",
			Action:  scan,
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "all, a", Usage: "report every LE peer, not only those advertising the profile service"},
			},
		},
		{
			Name:      "connect",
			Usage:     "Connect to peers and print what they send (discovers peers when none are given)",
			ArgsUsage: "[address...]",
			Action:    connect,
		},
		{
			Name:   "serve",
			Usage:  "Run the GATT server and send lines read from stdin",
			Action: serve,
		},
		{
			Name:      "chat",
			Usage:     "Serve and connect at once: print what peers send, send what you type",
			ArgsUsage: "[address...]",
			Action:    chatCmd,
		},
		{
			Name:   "init",
			Usage:  "Write the default config file",
			Action: initConfig,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// runtime is the shared state every BLE command sets up.
type runtime struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     *config.Config
	profile ble.Profile
	codec   protocol.Codec
	gate    *gate.Gate
	radio   *ble.TinyGoAdapter
	bluez   *bluez.Adapter // nil without BlueZ
}

func setup(c *cli.Context) (*runtime, error) {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, cli.NewExitError(fmt.Sprintf("config: %v", err), 2)
	}
	if p := c.GlobalString("profile"); p != "" {
		cfg.Profile = p
	}
	if err := cfg.Validate(); err != nil {
		return nil, cli.NewExitError(fmt.Sprintf("config validation: %v", err), 2)
	}
	setupLogging(cfg.LogLevel)

	profile, err := cfg.BLEProfile()
	if err != nil {
		return nil, cli.NewExitError(fmt.Sprintf("config: %v", err), 2)
	}
	printBanner(cfg, profile)

	g := gate.New(false)
	radio := ble.NewTinyGoAdapter(g)
	if err := radio.Enable(); err != nil {
		return nil, adapterExit(err)
	}

	ctx, cancel := signalContext()
	rt := &runtime{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		profile: profile,
		codec:   cfg.CodecSettings(profile.Kind),
		gate:    g,
		radio:   radio,
	}

	bz, err := bluez.Open()
	if err != nil {
		slog.Warn("[BLE] BlueZ unavailable, classic discovery and power tracking disabled", "error", err)
		return rt, nil
	}
	rt.bluez = bz
	if powered, err := bz.Powered(); err == nil {
		g.Set(powered)
	}
	go func() {
		if err := bz.WatchPowered(ctx, g.Set); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("[BLE] adapter power watch stopped", "error", err)
		}
	}()
	return rt, nil
}

func (rt *runtime) Close() {
	rt.cancel()
	if rt.bluez != nil {
		_ = rt.bluez.Close()
	}
}

func scan(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	filter := rt.profile.Service
	if c.Bool("all") || !rt.cfg.Scan.Filter {
		filter = uuid.Nil
	}
	var classic discovery.ClassicRadio
	if rt.cfg.Scan.Classic && rt.bluez != nil {
		classic = rt.bluez
	}
	scanners := peerScanners(rt.radio, classic, filter, rt.cfg.Scan)

	log.Printf("Scanning with %d scanner(s)...", len(scanners))
	peers, err := collectPeers(rt.ctx, scanners, rt.cfg.Scan.RequireLE, rt.gate)
	if err != nil && !errors.Is(err, context.Canceled) {
		return adapterExit(err)
	}

	if len(peers) == 0 {
		fmt.Println("No peers found.")
		return nil
	}
	for _, p := range peers {
		fmt.Printf("%-17s  %-7s  %4d dBm  %s\n", p.Address, p.Transport, p.RSSI, p.DisplayName())
	}
	return nil
}

func connect(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	mgr, err := startClients(rt, c.Args())
	if err != nil {
		return err
	}
	defer mgr.Close()

	printer := chat.NewPrinter(os.Stdout, rt.profile.Kind)
	log.Println("Connected. Ctrl+C to quit.")
	for {
		select {
		case <-rt.ctx.Done():
			return nil
		case ev, ok := <-mgr.Events():
			if !ok {
				return nil
			}
			if err := printer.Print(ev); err != nil {
				return err
			}
		}
	}
}

func serve(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv, err := startServer(rt)
	if err != nil {
		return err
	}
	defer srv.Close()

	out := chat.NewOutbox(srv, rt.cfg.Codec.MaxContent)
	lines := readLines(os.Stdin)
	log.Println(inputHint(rt.profile.Kind))
	for {
		select {
		case <-rt.ctx.Done():
			_ = srv.SetOnline(false)
			return nil
		case line, ok := <-lines:
			if !ok {
				_ = srv.SetOnline(false)
				return nil
			}
			if err := sendLine(out, rt.profile.Kind, line); err != nil {
				log.Printf("ERROR: %v", err)
			}
		}
	}
}

func chatCmd(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv, err := startServer(rt)
	if err != nil {
		return err
	}
	defer srv.Close()

	mgr, err := startClients(rt, c.Args())
	if err != nil {
		return err
	}
	defer mgr.Close()

	out := chat.NewOutbox(srv, rt.cfg.Codec.MaxContent)
	printer := chat.NewPrinter(os.Stdout, rt.profile.Kind)
	lines := readLines(os.Stdin)
	log.Println(inputHint(rt.profile.Kind))
	for {
		select {
		case <-rt.ctx.Done():
			_ = srv.SetOnline(false)
			return nil
		case line, ok := <-lines:
			if !ok {
				_ = srv.SetOnline(false)
				return nil
			}
			if err := sendLine(out, rt.profile.Kind, line); err != nil {
				log.Printf("ERROR: %v", err)
			}
		case ev, ok := <-mgr.Events():
			if !ok {
				return nil
			}
			if err := printer.Print(ev); err != nil {
				return err
			}
		}
	}
}

func initConfig(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

func startServer(rt *runtime) (*ble.Server, error) {
	srv := ble.NewServer(rt.radio, rt.profile, ble.ServerOptions{Codec: rt.codec, LocalName: rt.cfg.Server.LocalName}, rt.gate)
	if err := srv.Start(); err != nil {
		srv.Close()
		return nil, adapterExit(err)
	}
	if err := srv.SetOnline(true); err != nil {
		slog.Debug("[BLE] publish online state", "error", err)
	}
	return srv, nil
}

func startClients(rt *runtime, args []string) (*ble.ClientManager, error) {
	peers, err := resolvePeers(rt.ctx, args, rt.cfg.Client.Peers, func(ctx context.Context) ([]string, error) {
		log.Printf("No peers configured, discovering %s peers...", rt.profile.Name)
		return discoverAddresses(ctx, peerScanners(rt.radio, nil, rt.profile.Service, rt.cfg.Scan), rt.gate)
	})
	if err != nil {
		return nil, adapterExit(err)
	}

	mgr := ble.NewClientManager(rt.radio, rt.profile, rt.cfg.ClientOptions(rt.codec), rt.gate)
	if err := mgr.Start(peers); err != nil {
		if errors.Is(err, ble.ErrAdapterUnavailable) {
			mgr.Close()
			return nil, adapterExit(err)
		}
		log.Printf("Some peers could not be dialed: %v", err)
	}
	return mgr, nil
}

// errNoPeers is returned when no address was given, none is configured and
// discovery found nobody.
var errNoPeers = cli.NewExitError("no peers: pass addresses, set client.peers in the config, or bring a peer into range", 2)

// resolvePeers picks the addresses to connect to: explicit arguments first,
// then the configured peers, then whatever discover finds.
func resolvePeers(ctx context.Context, args, configured []string, discover func(context.Context) ([]string, error)) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	if len(configured) > 0 {
		return configured, nil
	}
	found, err := discover(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	if len(found) == 0 {
		return nil, errNoPeers
	}
	return found, nil
}

// peerScanners builds the LE scanner plus, when classic is non-nil, a classic
// inquiry scanner.
func peerScanners(le discovery.LERadio, classic discovery.ClassicRadio, filter uuid.UUID, sc config.ScanConfig) []discovery.Scanner {
	scanners := []discovery.Scanner{discovery.NewLEScanner(le, filter, sc.LETimeout)}
	if classic != nil {
		scanners = append(scanners, discovery.NewClassicScanner(classic, sc.ClassicTimeout))
	}
	return scanners
}

// collectPeers runs one discovery pass over scanners.
func collectPeers(ctx context.Context, scanners []discovery.Scanner, requireLE bool, g *gate.Gate) ([]discovery.Peer, error) {
	var opts discovery.CoordinatorOptions
	if requireLE {
		opts.Filter = discovery.RequireLE
	}
	coord := discovery.NewCoordinator(scanners, opts, g)
	defer coord.Close()
	return discovery.Collect(ctx, coord)
}

// discoverAddresses runs discovery for GATT clients, which can only reach LE
// peers, and returns the addresses found.
func discoverAddresses(ctx context.Context, scanners []discovery.Scanner, g *gate.Gate) ([]string, error) {
	peers, err := collectPeers(ctx, scanners, true, g)
	addrs := make([]string, 0, len(peers))
	for _, p := range peers {
		addrs = append(addrs, discovery.NormalizeAddress(p.Address))
	}
	return addrs, err
}

// sendLine interprets one line of user input for the profile's payload kind.
func sendLine(out *chat.Outbox, kind protocol.Kind, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if kind == protocol.KindGesture {
		g, err := kind.ParseType(line)
		if err != nil {
			return err
		}
		return out.SendGesture(g)
	}
	if emoji, ok := strings.CutPrefix(line, "/emoji "); ok {
		return out.SendEmoji(strings.TrimSpace(emoji))
	}
	return out.SendText(line)
}

func inputHint(kind protocol.Kind) string {
	if kind == protocol.KindGesture {
		return "Ready! Type a gesture (confirm, left, right, top, bottom). Ctrl+C to quit."
	}
	return "Ready! Type a message, or /emoji <emoji>. Ctrl+C to quit."
}

// readLines feeds lines from r into a channel that closes at EOF.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// adapterExit turns adapter-off errors into an actionable exit message.
func adapterExit(err error) error {
	if errors.Is(err, ble.ErrAdapterUnavailable) || errors.Is(err, discovery.ErrAdapterOff) {
		return cli.NewExitError(fmt.Sprintf("%v\n\nEnable Bluetooth and make sure this user may use it (on Linux: bluetoothd running, user in the bluetooth group).", err), 3)
	}
	return err
}

// signalContext returns a context that is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Printf("Received %s, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, p ble.Profile) {
	fmt.Println("=== btcomm ===")
	fmt.Printf("  Profile: %s (service %s)\n", p.Name, p.Service)
	fmt.Printf("  Name:    %s\n", cfg.Server.LocalName)
	fmt.Printf("  Scan:    filter=%t classic=%t\n", cfg.Scan.Filter, cfg.Scan.Classic)
	fmt.Printf("  Peers:   %s\n", strings.Join(cfg.Client.Peers, ", "))
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("==============")
}
