// Command relayd is the single binary behind every privilege-separated
// process relayd ever runs: invoked bare, it is the parent; the
// parent re-execs this same binary once per role×instance with -role and
// -instance set, so one binary drives the whole privsep tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joeycumines/go-eventloop"
	"github.com/openrelayd/relayd/ca"
	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/ctlsock"
	"github.com/openrelayd/relayd/hce"
	"github.com/openrelayd/relayd/internal/rlog"
	"github.com/openrelayd/relayd/ipc"
	"github.com/openrelayd/relayd/pfe"
	"github.com/openrelayd/relayd/relay"
	"github.com/openrelayd/relayd/supervisor"
	"github.com/openrelayd/relayd/worker"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run implements the CLI surface, "relayd [-dnv] [-D macro=value]
// [-f configfile]", plus the internal -role/-instance flags the parent's
// re-exec uses to tell a child which worker to become (supervisor.Spawner
// always passes these first) and -instances, the parent's relay/ca count.
func run(args []string) int {
	fs := pflag.NewFlagSet("relayd", pflag.ContinueOnError)
	foreground := fs.BoolP("foreground", "d", false, "run in the foreground, logging to stderr at Info")
	parseOnly := fs.BoolP("parse-only", "n", false, "parse the configuration and exit")
	verbose := fs.BoolP("verbose", "v", false, "verbose (Debug-level) logging")
	macros := fs.StringToStringP("macro", "D", nil, "macro=value, may be repeated")
	cfgFile := fs.StringP("file", "f", "/etc/relayd.conf", "configuration file")
	instances := fs.Int("instances", 1, "number of pre-forked relay/ca worker instances (N)")
	ctlPath := fs.String("ctlsock", "/var/run/relayd.sock", "control socket path")
	pfDevice := fs.String("pfdevice", "/dev/pf", "packet filter device node")
	role := fs.String("role", string(supervisor.RoleParent), "internal: process role, set by the parent's own re-exec")
	instance := fs.Int("instance", -1, "internal: relay/ca instance index, set by the parent's own re-exec")

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, "relayd:", err)
		return 1
	}
	_ = foreground // relayd never daemonises itself in this port; it always logs to stderr (rlog.New).

	log := rlog.New(rlog.Config{Role: *role, Instance: *instance, Verbose: *verbose})

	loop, err := eventloop.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "relayd: event loop init:", err)
		return 1
	}

	switch supervisor.Role(*role) {
	case supervisor.RoleParent:
		return runParent(loop, log, parentOpts{
			parseOnly: *parseOnly,
			cfgFile:   *cfgFile,
			macros:    *macros,
			instances: *instances,
			ctlPath:   *ctlPath,
			pfDevice:  *pfDevice,
		})
	case supervisor.RolePFE:
		return runPFE(loop, log, *pfDevice)
	case supervisor.RoleHCE:
		return runHCE(loop, log)
	case supervisor.RoleRelay:
		return runRelay(loop, log, *instance)
	case supervisor.RoleCA:
		return runCA(loop, log)
	default:
		fmt.Fprintln(os.Stderr, "relayd: unknown -role", *role)
		return 1
	}
}

type parentOpts struct {
	parseOnly bool
	cfgFile   string
	macros    map[string]string
	instances int
	ctlPath   string
	pfDevice  string
}

// runParent is the parent process: it owns the
// configuration, spawns every worker, brokers distribution/reload, and
// serves the control socket. -n stops after a successful parse (exit 0
// clean, 1 config error).
func runParent(loop *eventloop.Loop, log *rlog.Logger, opts parentOpts) int {
	loader := config.EmptyLoader{}
	doc, err := loader.Load(opts.cfgFile, opts.macros)
	if err != nil {
		if !errors.Is(err, config.ErrNoParser) {
			log.Err().Err(err).Str("file", opts.cfgFile).Log("parent: configuration parse failed")
			return 1
		}
		// No parser wired: start with an empty document so the supervisor,
		// workers, IPC, and control socket are still fully exercisable; a
		// production build substitutes a real config.Loader above.
		log.Warning().Str("file", opts.cfgFile).Log("parent: no configuration parser wired, starting empty")
		doc = &config.Document{}
	}
	if opts.parseOnly {
		if err != nil {
			log.Err().Err(err).Str("file", opts.cfgFile).Log("parent: cannot validate configuration")
			return 1
		}
		log.Info().Str("file", opts.cfgFile).Log("parent: configuration parses cleanly")
		return 0
	}

	sup := supervisor.New(loop, log, opts.instances)
	sup.SetLoader(loader)
	sup.SetMacros(opts.macros)
	sup.SetConfigFile(opts.cfgFile)

	ctl := ctlsock.New(loop, log, supervisor.CtlHandler{Supervisor: sup})
	if err := ctl.Listen(opts.ctlPath); err != nil {
		log.Err().Err(err).Str("path", opts.ctlPath).Log("parent: control socket listen failed")
		return 1
	}
	defer ctl.Close()

	if err := sup.Start(doc); err != nil {
		log.Crit().Err(err).Log("parent: startup failed")
		return 1
	}

	if err := loop.Run(context.Background()); err != nil {
		log.Err().Err(err).Log("parent: event loop exited with error")
		return 1
	}
	return 0
}

// runPFE boots the packet-filter engine. It receives the
// HCE<->PFE direct link on worker.PeerChanFD and wires its
// messages straight to the Bootstrap's host-status handler, the same
// callback the parent's own CFG_*/CTL_* dispatcher would invoke, so PFE's
// Engine never needs to know which channel a HOST_STATUS arrived on.
func runPFE(loop *eventloop.Loop, log *rlog.Logger, pfDevice string) int {
	boot, err := worker.New(loop, log, worker.ParentChanFD)
	if err != nil {
		log.Crit().Err(err).Log("pfe: attach parent channel")
		return 1
	}

	backend, err := pfe.OpenPF(pfDevice)
	var pfBackend pfe.Backend
	if err != nil {
		log.Err().Err(err).Str("device", pfDevice).Log("pfe: could not open packet filter device, falling back to an in-memory backend")
		pfBackend = pfe.NewFakeBackend()
	} else {
		pfBackend = backend
	}

	_ = pfe.New(log, boot, pfBackend)

	if peer, err := ipc.NewChannel(loop, worker.PeerChanFD); err != nil {
		log.Err().Err(err).Log("pfe: no HCE direct link available")
	} else {
		peer.OnMessage = boot.OnHostStatus
	}

	if err := loop.Run(context.Background()); err != nil {
		log.Err().Err(err).Log("pfe: event loop exited with error")
		return 1
	}
	return 0
}

// runHCE boots the host-check engine, attaching its direct link
// to PFE alongside the parent channel every worker gets.
func runHCE(loop *eventloop.Loop, log *rlog.Logger) int {
	boot, err := worker.New(loop, log, worker.ParentChanFD)
	if err != nil {
		log.Crit().Err(err).Log("hce: attach parent channel")
		return 1
	}

	engine := hce.New(loop, log, boot)
	if err := engine.AttachPFE(worker.PeerChanFD); err != nil {
		log.Err().Err(err).Log("hce: no PFE direct link available")
	}

	if err := loop.Run(context.Background()); err != nil {
		log.Err().Err(err).Log("hce: event loop exited with error")
		return 1
	}
	return 0
}

// runRelay boots one Relay[i] worker: it raises its file
// descriptor limit before accepting any connections and wires
// its direct CA link for TLS private-key RPCs.
func runRelay(loop *eventloop.Loop, log *rlog.Logger, instance int) int {
	if err := worker.RaiseFileLimit(); err != nil {
		log.Err().Err(err).Log("relay: failed to raise RLIMIT_NOFILE")
	}

	boot, err := worker.New(loop, log, worker.ParentChanFD)
	if err != nil {
		log.Crit().Err(err).Log("relay: attach parent channel")
		return 1
	}

	_ = relay.New(log, boot, instance, worker.PeerChanFD)

	if err := loop.Run(context.Background()); err != nil {
		log.Err().Err(err).Log("relay: event loop exited with error")
		return 1
	}
	return 0
}

// runCA boots one CA[i] worker: the sole process that ever
// holds a private key. It answers its paired relay's CA_PRIVENC/CA_PRIVDEC
// requests over the direct link and loads keys only once CTL_START
// delivers the configuration.
func runCA(loop *eventloop.Loop, log *rlog.Logger) int {
	boot, err := worker.New(loop, log, worker.ParentChanFD)
	if err != nil {
		log.Crit().Err(err).Log("ca: attach parent channel")
		return 1
	}

	srv := ca.NewServer(log)
	if err := srv.Attach(loop, worker.PeerChanFD); err != nil {
		log.Crit().Err(err).Log("ca: attach relay link")
		return 1
	}

	// No OnReset wipe: key handles must survive the CTL_RESET->replay window,
	// since a reload's CFG_RELAY may carry certs only (the parent zeroed its
	// key copies after the first distribution) and LoadFromDocument at
	// CTL_START is what decides which handles to keep or forget.
	boot.OnStart = srv.LoadFromDocument

	if err := loop.Run(context.Background()); err != nil {
		log.Err().Err(err).Log("ca: event loop exited with error")
		return 1
	}
	return 0
}
