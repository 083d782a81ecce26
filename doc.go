// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
dcrnet is a peer-to-peer network daemon that discovers, bans and maintains
connections to peers and relays opaque messages to them.

It keeps a bucketed table of known peer addresses (see the addrmgr package), a
table of banned hosts and subnets (see the banmgr package), and schedules
outbound and inbound connections by class (see the connmgr package).  The
netsvc package ties them together.

The default options are sane for most users.  The long form of all options
(except -C) can be specified in a configuration file that is automatically
parsed when dcrnet starts up.  By default, the configuration file is located at
~/.dcrnet/dcrnet.conf on POSIX-style operating systems and
%LOCALAPPDATA%\dcrnet\dcrnet.conf on Windows.  The -C (--configfile) flag can
be used to override this location.

Usage:

	dcrnet [OPTIONS]

Application Options:

	-V, --version            Display version information and exit
	-A, --appdata=           Path to application home directory
	-C, --configfile=        Path to configuration file
	-b, --datadir=           Directory to store the address and ban tables
	    --logdir=            Directory to log output
	    --nofilelogging      Disable file logging
	    --maxlogrolls=       Number of rolled log files to keep (default: 8)
	-d, --debuglevel=        Logging level for all subsystems {trace, debug,
	                         info, warn, error, critical} -- You may also
	                         specify <subsystem>=<level>,... to set the log
	                         level for individual subsystems -- Use show to
	                         list available subsystems (default: info)
	    --listen=            Add an interface/port to listen for connections
	    --nolisten           Disable listening for incoming connections
	    --connect=           Connect only to the specified peers at startup
	-a, --addpeer=           Add a peer to connect with at startup and keep
	                         connected
	    --port=              Default port of peers and DNS seed results
	                         (default: 9108)
	    --netmagic=          Network identifier exchanged during the
	                         handshake
	    --noseeders          Disable seeding for peer discovery
	    --dnsseed=           DNS seed to query for peers
	    --nobloom            Do not advertise bloom filtering support
	    --nonetwork          Start with automatic network activity disabled
	    --maxfullrelay=      Max number of automatic full relay outbound
	                         connections (default: 8)
	    --maxblockrelay=     Max number of automatic block relay only outbound
	                         connections (default: 2)
	    --maxmanual=         Max number of manual outbound connections
	                         (default: 8)
	    --maxinbound=        Max number of inbound connections (default: 117)
	    --dialtimeout=       How long to wait for a connection to be
	                         established (default: 10s)
	    --handshaketimeout=  How long to wait for the peer handshake to
	                         complete (default: 30s)
	    --maxmsgsize=        Max size of a relayed message in bytes
	    --relayqueuesize=    Max number of messages queued for relay to a
	                         single peer (default: 1000)
	    --relaypolicy=       Relay queue overflow policy {dropoldest,
	                         rejectnew} (default: dropoldest)
	    --nobanning          Disable banning of misbehaving peers
	    --banduration=       How long to ban misbehaving peers (default: 24h)
	    --banthreshold=      Maximum allowed ban score before disconnecting
	                         and banning misbehaving peers (default: 100)
	    --whitelist=         Add an IP network or IP that will not be banned
	    --proxy=             Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)
	    --proxyuser=         Username for proxy server
	    --proxypass=         Password for proxy server
	    --torisolation       Enable Tor stream isolation by randomizing user
	                         credentials for each connection
	    --metricslisten=     Interface/port to serve prometheus metrics on
	    --profile=           Enable HTTP profiling on given [addr:]port

Help Options:

	-h, --help               Show this help message
*/
package main
