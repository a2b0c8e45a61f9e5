// Program pipereg runs and queries a pipe name router.
//
// The router arbitrates named pipe providers: provider processes register a
// name with the endpoint where they serve it, and consumer processes take
// exclusive leases on names. A registration or lease lasts as long as the
// connection that created it.
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/creachadair/chirp"
	"github.com/creachadair/chirp/peers"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/pipereg/service"
)

var flags struct {
	Address string `flag:"address,Router service address (host:port or socket path)"`
}

var acquireFlags struct {
	ClientID uint64 `flag:"id,Client identity token (default: process ID)"`
	Hold     bool   `flag:"hold,Hold the lease until interrupted"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Run and query a pipe name router.

A provider registers a pipe name with the endpoint where it serves the pipe;
a consumer acquires an exclusive lease on a name and receives that endpoint.
Registrations and leases last as long as the connection that created them,
so killing the registering or acquiring process releases its names.`,

		SetFlags: command.Flags(flax.MustBind, &flags),

		Commands: []*command.C{
			{
				Name: "serve",
				Help: "Run the router daemon until interrupted.",
				Run:  runServe,
			},
			{
				Name:  "register",
				Usage: "<name> <endpoint>",
				Help: `Register a pipe name and hold it until interrupted.

The registration is discarded when this process exits; real providers hold
their own connection to the router for the lifetime of the pipe.`,
				Run: runRegister,
			},
			{
				Name: "list",
				Help: "List the currently registered pipe names.",
				Run:  runList,
			},
			{
				Name:     "acquire",
				Usage:    "<name>",
				Help:     "Acquire an exclusive lease on a pipe name and print its endpoint.",
				SetFlags: command.Flags(flax.MustBind, &acquireFlags),
				Run:      runAcquire,
			},
			{
				Name:  "remove",
				Usage: "<name>",
				Help:  "Administratively delete a pipe name.",
				Run:   runRemove,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	flags.Address = "/tmp/pipereg.sock"
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServe(env *command.Env) error {
	ctx, stop := signal.NotifyContext(env.Context(), os.Interrupt)
	defer stop()

	ntype, addr := chirp.SplitAddress(flags.Address)
	lst, err := net.Listen(ntype, addr)
	if err != nil {
		return err
	}
	if ntype == "unix" {
		defer os.Remove(addr)
	}
	log.Printf("Router listening at %q", lst.Addr())

	svc := service.New(nil)
	go func() { <-ctx.Done(); lst.Close() }()
	return svc.Loop(ctx, peers.NetAccepter(lst))
}

func runRegister(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("required arguments are <name> <endpoint>")
	}
	cli, err := service.Dial(flags.Address)
	if err != nil {
		return err
	}
	defer cli.Close()

	ctx, stop := signal.NotifyContext(env.Context(), os.Interrupt)
	defer stop()
	if err := cli.Register(ctx, env.Args[0], env.Args[1]); err != nil {
		return err
	}
	log.Printf("Registered %q at %q; interrupt to release", env.Args[0], env.Args[1])
	<-ctx.Done()
	return nil
}

func runList(env *command.Env) error {
	cli, err := service.Dial(flags.Address)
	if err != nil {
		return err
	}
	defer cli.Close()

	names, err := cli.List(env.Context())
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runAcquire(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("required argument is <name>")
	}
	cli, err := service.Dial(flags.Address)
	if err != nil {
		return err
	}
	defer cli.Close()

	id := acquireFlags.ClientID
	if id == 0 {
		id = uint64(os.Getpid())
	}
	ctx, stop := signal.NotifyContext(env.Context(), os.Interrupt)
	defer stop()
	endpoint, err := cli.Acquire(ctx, env.Args[0], id)
	if err != nil {
		return err
	}
	fmt.Println(endpoint)
	if acquireFlags.Hold {
		log.Printf("Holding lease on %q; interrupt to release", env.Args[0])
		<-ctx.Done()
	}
	return nil
}

func runRemove(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("required argument is <name>")
	}
	cli, err := service.Dial(flags.Address)
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.Remove(env.Context(), env.Args[0])
}
