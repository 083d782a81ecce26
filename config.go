// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrnet/addrmgr"
	"github.com/decred/dcrnet/banmgr"
	"github.com/decred/dcrnet/connmgr"
	"github.com/decred/dcrnet/internal/version"
	"github.com/decred/go-socks/socks"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "dcrnet.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "dcrnet.log"
	defaultMaxLogRolls    = 8
	defaultPort           = 9108
	defaultNetMagic       = 0xd9b400f9
	defaultMaxMessageSize = 1 << 20
	defaultMetricsPath    = "/metrics"
)

var (
	defaultHomeDir    = dcrutil.AppDataDir("dcrnet", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)

	defaultDNSSeeds = []string{
		"mainnet-seed-1.decred.org",
		"mainnet-seed-2.decred.org",
	}
)

// config defines the configuration options for dcrnet.
//
// See loadConfig for details on the configuration load process.
type config struct {
	// General application behavior.
	ShowVersion   bool   `short:"V" long:"version" description:"Display version information and exit"`
	HomeDir       string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile    string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir       string `short:"b" long:"datadir" description:"Directory to store the address and ban tables"`
	LogDir        string `long:"logdir" description:"Directory to log output"`
	NoFileLogging bool   `long:"nofilelogging" description:"Disable file logging"`
	MaxLogRolls   int    `long:"maxlogrolls" description:"Number of rolled log files to keep"`
	DebugLevel    string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	// Network settings.
	Listeners      []string `long:"listen" description:"Add an interface/port to listen for connections (default all interfaces port: 9108)"`
	NoListen       bool     `long:"nolisten" description:"Disable listening for incoming connections"`
	ConnectPeers   []string `long:"connect" description:"Connect only to the specified peers at startup"`
	AddPeers       []string `short:"a" long:"addpeer" description:"Add a peer to connect with at startup and keep connected"`
	Port           uint16   `long:"port" description:"Default port of peers and DNS seed results"`
	NetMagic       uint32   `long:"netmagic" description:"Network identifier exchanged during the handshake"`
	NoSeeders      bool     `long:"noseeders" description:"Disable seeding for peer discovery"`
	DNSSeeds       []string `long:"dnsseed" description:"DNS seed to query for peers (default the main network seeds)"`
	NoBloom        bool     `long:"nobloom" description:"Do not advertise bloom filtering support"`
	DisableNetwork bool     `long:"nonetwork" description:"Start with automatic network activity disabled"`

	// Connection slots.
	MaxFullRelay      int           `long:"maxfullrelay" description:"Max number of automatic full relay outbound connections"`
	MaxBlockRelayOnly int           `long:"maxblockrelay" description:"Max number of automatic block relay only outbound connections"`
	MaxManual         int           `long:"maxmanual" description:"Max number of manual outbound connections"`
	MaxInbound        int           `long:"maxinbound" description:"Max number of inbound connections"`
	DialTimeout       time.Duration `long:"dialtimeout" description:"How long to wait for a connection to be established"`
	HandshakeTimeout  time.Duration `long:"handshaketimeout" description:"How long to wait for the peer handshake to complete"`
	MaxMessageSize    uint32        `long:"maxmsgsize" description:"Max size of a relayed message in bytes"`
	RelayQueueSize    int           `long:"relayqueuesize" description:"Max number of messages queued for relay to a single peer"`
	RelayPolicy       string        `long:"relaypolicy" description:"Relay queue overflow policy {dropoldest, rejectnew}"`

	// Bans.
	NoBanning    bool          `long:"nobanning" description:"Disable banning of misbehaving peers"`
	BanDuration  time.Duration `long:"banduration" description:"How long to ban misbehaving peers.  Valid time units are {s, m, h}.  Minimum 1 second"`
	BanThreshold uint32        `long:"banthreshold" description:"Maximum allowed ban score before disconnecting and banning misbehaving peers"`
	Whitelists   []string      `long:"whitelist" description:"Add an IP network or IP that will not be banned. (eg. 192.168.1.0/24 or ::1)"`

	// Proxy.
	Proxy        string `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser    string `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass    string `long:"proxypass" default-mask:"-" description:"Password for proxy server"`
	TorIsolation bool   `long:"torisolation" description:"Enable Tor stream isolation by randomizing user credentials for each connection"`

	// Metrics and profiling.
	MetricsListen string `long:"metricslisten" description:"Interface/port to serve prometheus metrics on (disabled when empty)"`
	Profile       string `long:"profile" description:"Enable HTTP profiling on given [addr:]port -- NOTE port must be between 1024 and 65535"`

	// The following fields are set by loadConfig from the options above.
	whitelists  []net.IPNet
	relayPolicy connmgr.QueuePolicy
	services    addrmgr.ServiceFlag
	dial        func(ctx context.Context, network, addr string) (net.Conn, error)
	lookup      connmgr.LookupFunc
}

// errSuppressUsage signifies that an error that happened during the initial
// configuration phase should suppress the usage output since it was not caused
// by the user.
type errSuppressUsage string

// Error implements the error interface.
func (e errSuppressUsage) Error() string {
	return string(e)
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Nothing to do when no path is given.
	if path == "" {
		return path
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser
	// to otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr string, defaultPort uint16) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, strconv.Itoa(int(defaultPort)))
	}
	return addr
}

// normalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port, and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort uint16) []string {
	result := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		addr = normalizeAddress(addr, defaultPort)
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		result = append(result, addr)
	}
	return result
}

// parseWhitelists parses the passed IP networks and IPs.  Single IPs are
// treated as host networks.
func parseWhitelists(whitelists []string) ([]net.IPNet, error) {
	ipNets := make([]net.IPNet, 0, len(whitelists))
	for _, addr := range whitelists {
		_, ipnet, err := net.ParseCIDR(addr)
		if err != nil {
			ip := net.ParseIP(addr)
			if ip == nil {
				return nil, fmt.Errorf("the whitelist value of '%s' is "+
					"invalid", addr)
			}
			var bits int
			if ip.To4() == nil {
				// IPv6
				bits = 128
			} else {
				bits = 32
			}
			ipnet = &net.IPNet{
				IP:   ip,
				Mask: net.CIDRMask(bits, bits),
			}
		}
		ipNets = append(ipNets, *ipnet)
	}
	return ipNets, nil
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	return flags.NewParser(cfg, options)
}

// defaultConfig returns a config populated with the default values.
func defaultConfig() config {
	return config{
		HomeDir:           defaultHomeDir,
		ConfigFile:        defaultConfigFile,
		DataDir:           defaultDataDir,
		LogDir:            defaultLogDir,
		MaxLogRolls:       defaultMaxLogRolls,
		DebugLevel:        defaultLogLevel,
		Port:              defaultPort,
		NetMagic:          defaultNetMagic,
		MaxFullRelay:      connmgr.DefaultMaxFullRelay,
		MaxBlockRelayOnly: connmgr.DefaultMaxBlockRelayOnly,
		MaxManual:         connmgr.DefaultMaxManual,
		MaxInbound:        connmgr.DefaultMaxInbound,
		DialTimeout:       connmgr.DefaultDialTimeout,
		HandshakeTimeout:  connmgr.DefaultHandshakeTimeout,
		MaxMessageSize:    defaultMaxMessageSize,
		RelayQueueSize:    connmgr.DefaultRelayQueueSize,
		RelayPolicy:       connmgr.DropOldest.String(),
		BanDuration:       banmgr.DefaultBanDuration,
		BanThreshold:      banmgr.DefaultBanThreshold,
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in dcrnet functioning properly without any config settings
// while still allowing the user to override settings with config files and
// command line options.  Command line options always take precedence.
func loadConfig(appName string, args []string) (*config, []string, error) {
	// Default config.
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := newConfigParser(&preCfg, flags.HelpFlag)
	_, err := preParser.ParseArgs(args)
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			version.String(), runtime.Version(), runtime.GOOS,
			runtime.GOARCH)
		os.Exit(0)
	}

	// Update the home directory if specified.  Since the home directory is
	// updated, other variables need to be updated to reflect the new
	// changes.
	if preCfg.HomeDir != "" {
		cfg.HomeDir = cleanAndExpandPath(preCfg.HomeDir)
		if preCfg.ConfigFile == defaultConfigFile {
			cfg.ConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
		} else {
			cfg.ConfigFile = cleanAndExpandPath(preCfg.ConfigFile)
		}
		if preCfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		}
	} else if preCfg.ConfigFile != defaultConfigFile {
		cfg.ConfigFile = cleanAndExpandPath(preCfg.ConfigFile)
	}

	// Load additional config from file.
	var configFileError error
	parser := newConfigParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(cfg.ConfigFile)
	if err != nil {
		var e *os.PathError
		if !errors.As(err, &e) {
			err = fmt.Errorf("error parsing config file: %w", err)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		return nil, nil, err
	}

	// Create the home directory if it doesn't already exist.
	funcName := "loadConfig"
	err = os.MkdirAll(cfg.HomeDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		var e *os.PathError
		if errors.As(err, &e) && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, e.Path, link)
			}
		}

		str := "%s: failed to create home directory: %v"
		err := fmt.Errorf(str, funcName, err)
		return nil, nil, errSuppressUsage(err.Error())
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized, the
	// logger variables may be used.
	if !cfg.NoFileLogging {
		logPath := filepath.Join(cfg.LogDir, defaultLogFilename)
		if err := initLogRotator(logPath, cfg.MaxLogRolls); err != nil {
			return nil, nil, errSuppressUsage(err.Error())
		}
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %w", funcName, err)
		return nil, nil, err
	}

	// Validate the connection slot limits.
	limits := []struct {
		name  string
		value int
	}{
		{"maxfullrelay", cfg.MaxFullRelay},
		{"maxblockrelay", cfg.MaxBlockRelayOnly},
		{"maxmanual", cfg.MaxManual},
		{"maxinbound", cfg.MaxInbound},
		{"relayqueuesize", cfg.RelayQueueSize},
	}
	for _, limit := range limits {
		if limit.value < 0 {
			str := "%s: the %s option may not be negative -- parsed [%d]"
			err := fmt.Errorf(str, funcName, limit.name, limit.value)
			return nil, nil, err
		}
	}
	if cfg.DialTimeout <= 0 || cfg.HandshakeTimeout <= 0 {
		str := "%s: the dialtimeout and handshaketimeout options must be " +
			"positive -- parsed [%v, %v]"
		err := fmt.Errorf(str, funcName, cfg.DialTimeout, cfg.HandshakeTimeout)
		return nil, nil, err
	}
	if cfg.MaxMessageSize == 0 {
		str := "%s: the maxmsgsize option must be positive"
		return nil, nil, fmt.Errorf(str, funcName)
	}

	// Validate the profile address.
	if cfg.Profile != "" {
		addr := portToLocalHostAddr(cfg.Profile)
		if err := validateProfileAddr(addr); err != nil {
			return nil, nil, fmt.Errorf("%s: profile: %w", funcName, err)
		}
	}

	// Validate the relay queue overflow policy.
	policy, ok := connmgr.ParseQueuePolicy(cfg.RelayPolicy)
	if !ok {
		str := "%s: the relaypolicy option [%s] is invalid -- valid " +
			"policies are %s and %s"
		err := fmt.Errorf(str, funcName, cfg.RelayPolicy, connmgr.DropOldest,
			connmgr.RejectNew)
		return nil, nil, err
	}
	cfg.relayPolicy = policy

	// Don't allow ban durations that are too short.
	if cfg.BanDuration < time.Second {
		str := "%s: the banduration option may not be less than 1s -- " +
			"parsed [%v]"
		err := fmt.Errorf(str, funcName, cfg.BanDuration)
		return nil, nil, err
	}

	// Validate any given whitelisted IP addresses and networks.
	cfg.whitelists, err = parseWhitelists(cfg.Whitelists)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", funcName, err)
	}

	// --addpeer and --connect do not mix.
	if len(cfg.AddPeers) > 0 && len(cfg.ConnectPeers) > 0 {
		str := "%s: the --addpeer and --connect options can not be mixed"
		return nil, nil, fmt.Errorf(str, funcName)
	}

	// Connect means no DNS seeding and no listening unless listeners were
	// requested explicitly.
	if len(cfg.ConnectPeers) > 0 {
		cfg.NoSeeders = true
		if len(cfg.Listeners) == 0 {
			cfg.NoListen = true
		}
	}

	// Add the default listener if none were specified.
	if len(cfg.Listeners) == 0 && !cfg.NoListen {
		cfg.Listeners = []string{
			net.JoinHostPort("", strconv.Itoa(int(cfg.Port))),
		}
	}

	// Add default port to all listener and peer addresses if needed and
	// remove duplicate addresses.
	cfg.Listeners = normalizeAddresses(cfg.Listeners, cfg.Port)
	cfg.AddPeers = normalizeAddresses(cfg.AddPeers, cfg.Port)
	cfg.ConnectPeers = normalizeAddresses(cfg.ConnectPeers, cfg.Port)

	if len(cfg.DNSSeeds) == 0 {
		cfg.DNSSeeds = defaultDNSSeeds
	}
	if cfg.NoSeeders {
		cfg.DNSSeeds = nil
	}

	cfg.services = addrmgr.SFNodeNetwork
	if !cfg.NoBloom {
		cfg.services |= addrmgr.SFNodeBloom
	}

	// Setup dial and DNS resolution (lookup) functions depending on the
	// specified options.  The default is to use the standard net.Dial
	// function as well as the system DNS resolver.  When a proxy is
	// specified, the dial function is set to the proxy specific dial
	// function and the lookup is set to resolve through tor.
	var dialer net.Dialer
	cfg.dial = dialer.DialContext
	cfg.lookup = net.LookupIP
	if cfg.Proxy != "" {
		_, _, err := net.SplitHostPort(cfg.Proxy)
		if err != nil {
			str := "%s: proxy address '%s' is invalid: %w"
			err := fmt.Errorf(str, funcName, cfg.Proxy, err)
			return nil, nil, err
		}

		proxy := &socks.Proxy{
			Addr:         cfg.Proxy,
			Username:     cfg.ProxyUser,
			Password:     cfg.ProxyPass,
			TorIsolation: cfg.TorIsolation,
		}
		cfg.dial = proxy.DialContext
		proxyAddr := cfg.Proxy
		cfg.lookup = func(host string) ([]net.IP, error) {
			return connmgr.TorLookupIP(context.Background(), host,
				proxyAddr)
		}
	} else if cfg.TorIsolation {
		str := "%s: the --torisolation option requires --proxy"
		return nil, nil, fmt.Errorf(str, funcName)
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		dcrnLog.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
