// Copyright (C) 2020  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

package zodbtools
// Serve - serve ZODB database over ZEO

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/go123/xerr"
	"lab.nexedi.com/kirr/go123/xnet"

	"lab.nexedi.com/kirr/zconn/go/internal/log"
	"lab.nexedi.com/kirr/zconn/go/zodb"
	"lab.nexedi.com/kirr/zconn/go/zodb/storage/zeo"
)

// ServeConfig is configuration of ZEO server.
//
// It is read from TOML file, for example
//
//	listen            = "localhost:8100"
//	storage           = "/var/lib/zodb/data.db"
//	name              = "1"
//	encoding          = "M"
//	txn-timeout       = "30s"
//	resolve-conflicts = true
type ServeConfig struct {
	// address to listen on: host:port for TCP, or path of unix socket
	Listen string `toml:"listen"`
	// URL of served storage
	Storage string `toml:"storage"`
	// name of the storage clients register with
	Name string `toml:"name"`
	// wire encoding: "M" (msgpack) or "Z" (pickles)
	Encoding string `toml:"encoding"`
	// how long a voted transaction may stay unfinished; 0 - forever
	TxnTimeout Duration `toml:"txn-timeout"`
	ReadOnly   bool     `toml:"read-only"`
	// resolve write conflicts of objects supporting it
	ResolveConflicts bool `toml:"resolve-conflicts"`
}

// Duration is time.Duration that is read from TOML as string, e.g. "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// NewServeConfig returns configuration with default values.
func NewServeConfig() *ServeConfig {
	return &ServeConfig{
		Listen:   "localhost:8100",
		Name:     "1",
		Encoding: "M",
	}
}

// Load reads configuration from TOML file.
//
// Values not present in the file are left as they are in cfg.
func (cfg *ServeConfig) Load(path string) (err error) {
	defer xerr.Contextf(&err, "config %s", path)

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return err
	}
	if undecoded := meta.Undecoded(); len(undecoded) != 0 {
		var keyv []string
		for _, key := range undecoded {
			keyv = append(keyv, key.String())
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keyv, ", "))
	}
	return nil
}

// Validate checks the configuration for errors.
func (cfg *ServeConfig) Validate() error {
	switch {
	case cfg.Storage == "":
		return errors.New("storage is not specified")
	case cfg.Listen == "":
		return errors.New("listen address is not specified")
	case !(cfg.Encoding == "M" || cfg.Encoding == "Z"):
		return fmt.Errorf("invalid encoding %q", cfg.Encoding)
	case cfg.TxnTimeout.Duration < 0:
		return fmt.Errorf("invalid txn-timeout %s", cfg.TxnTimeout)
	}
	return nil
}

// listenAddr returns network and address to listen on for cfg.Listen.
func (cfg *ServeConfig) listenAddr() (xnet.Networker, string) {
	if strings.Contains(cfg.Listen, "/") {
		return xnet.NetPlain("unix"), cfg.Listen
	}
	return xnet.NetPlain("tcp"), cfg.Listen
}

// Serve serves storage described by cfg to ZEO clients until ctx is canceled.
func Serve(ctx context.Context, cfg *ServeConfig) (err error) {
	err = cfg.Validate()
	if err != nil {
		return err
	}

	stor, err := zodb.OpenStorage(ctx, cfg.Storage, &zodb.OpenOptions{ReadOnly: cfg.ReadOnly})
	if err != nil {
		return err
	}
	defer func() {
		err2 := stor.Close()
		if err == nil {
			err = err2
		}
	}()

	srv := zeo.NewServer(stor, &zeo.ServerOptions{
		StorageID:        cfg.Name,
		Encoding:         cfg.Encoding[0],
		TxnTimeout:       cfg.TxnTimeout.Duration,
		ResolveConflicts: cfg.ResolveConflicts,
	})

	net, laddr := cfg.listenAddr()
	return srv.ListenAndServe(ctx, net, laddr)
}


const serveSummary = "serve ZODB database over ZEO"

func serveUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: zodb serve [OPTIONS] [<storage>]
Serve ZODB database to ZEO clients.

<storage> is an URL (see 'zodb help zurl') of a ZODB-storage. It can be
instead specified in configuration file.

Options given on command line override values from configuration file.

Options:

	-h --help       this help text.
	-config <file>	read configuration from TOML file.
	-listen <addr>	address to listen on: host:port or path of unix socket.
	-name <name>	name of the storage clients register with.
	-encoding M|Z	wire encoding.
	-txn-timeout <d> abort voted transactions not finished in time d.
	-read-only	serve the storage read-only.
	-resolve	resolve write conflicts of objects supporting it.
`)
}

func serveMain(argv []string) {
	cfg := NewServeConfig()
	xcfg := *cfg // values given on command line

	configPath := ""
	flags := flag.FlagSet{Usage: func() { serveUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.StringVar(&configPath, "config", configPath, "configuration file")
	flags.StringVar(&xcfg.Listen, "listen", xcfg.Listen, "address to listen on")
	flags.StringVar(&xcfg.Name, "name", xcfg.Name, "storage name")
	flags.StringVar(&xcfg.Encoding, "encoding", xcfg.Encoding, "wire encoding")
	flags.DurationVar(&xcfg.TxnTimeout.Duration, "txn-timeout", 0, "voted transaction timeout")
	flags.BoolVar(&xcfg.ReadOnly, "read-only", false, "serve read-only")
	flags.BoolVar(&xcfg.ResolveConflicts, "resolve", false, "resolve write conflicts")
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) > 1 {
		flags.Usage()
		prog.Exit(2)
	}

	if configPath != "" {
		err := cfg.Load(configPath)
		if err != nil {
			prog.Fatal(err)
		}
	}

	// command line overrides configuration file
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = xcfg.Listen
		case "name":
			cfg.Name = xcfg.Name
		case "encoding":
			cfg.Encoding = xcfg.Encoding
		case "txn-timeout":
			cfg.TxnTimeout = xcfg.TxnTimeout
		case "read-only":
			cfg.ReadOnly = xcfg.ReadOnly
		case "resolve":
			cfg.ResolveConflicts = xcfg.ResolveConflicts
		}
	})
	if len(argv) == 1 {
		cfg.Storage = argv[0]
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigq := make(chan os.Signal, 1)
	signal.Notify(sigq, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigq
		log.Infof(ctx, "%s: shutting down", sig)
		cancel()
	}()

	err := Serve(ctx, cfg)
	log.Flush()
	if err != nil && ctx.Err() == nil {
		prog.Fatal(err)
	}
}
