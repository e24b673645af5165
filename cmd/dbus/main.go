package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/expr-lang/expr/vm"
	"github.com/kr/pretty"
	"github.com/rs/zerolog"

	dbus "github.com/danderson/dbusloop"
)

var globalArgs struct {
	UseSessionBus bool          `flag:"session,Connect to session bus instead of system bus"`
	Address       string        `flag:"address,Connect to the bus at this address instead"`
	Verbose       bool          `flag:"v,Log connection activity to stderr"`
	Timeout       time.Duration `flag:"timeout,default=25s,Method call timeout"`
}

func busConn(ctx context.Context) (*dbus.Conn, error) {
	level := zerolog.WarnLevel
	if globalArgs.Verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger().Level(level)
	opts := []dbus.Option{
		dbus.WithLogger(log),
		dbus.WithCallTimeout(globalArgs.Timeout),
	}

	switch {
	case globalArgs.Address != "":
		return dbus.Dial(ctx, globalArgs.Address, opts...)
	case globalArgs.UseSessionBus:
		return dbus.SessionBus(ctx, opts...)
	default:
		return dbus.SystemBus(ctx, opts...)
	}
}

func main() {
	root := &command.C{
		Name:     "dbus",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "call",
				Usage: "call peer object interface method [arg...]",
				Help: `Call a method and print its reply.

Arguments are written as type:value, where type is a basic type code
such as s, u, i, b, d or o. An argument with no type prefix is sent as
a string.`,
				Run: runCall,
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "resolve",
				Usage: "resolve name",
				Help:  "Print the unique name of a bus name's current owner.",
				Run:   command.Adapt(runResolve),
			},
			{
				Name:  "names",
				Usage: "names",
				Help:  "List the names currently on the bus.",
				Run:   command.Adapt(runNames),
			},
			{
				Name:     "monitor",
				Usage:    "monitor",
				Help:     monitorHelp,
				SetFlags: command.Flags(flax.MustBind, &monitorArgs),
				Run:      command.Adapt(runMonitor),
			},
			{
				Name:     "request-name",
				Usage:    "request-name name",
				Help:     "Request a bus name, and hold it until interrupted.",
				SetFlags: command.Flags(flax.MustBind, &requestArgs),
				Run:      command.Adapt(runRequestName),
			},
			{
				Name:  "emit",
				Usage: "emit object interface member [arg...]",
				Help:  "Broadcast a signal. Arguments are written as for call.",
				Run:   runEmit,
			},
			{
				Name:  "serve-echo",
				Usage: "serve-echo [object]",
				Help: `Serve an echo object until interrupted.

The object implements com.example.Echo with methods Echo, which returns
its arguments, and Fail, which returns an error.

For best results, combine with --name to register a service name on
the bus that other tools can target.`,
				SetFlags: command.Flags(flax.MustBind, &serveArgs),
				Run:      runServeEcho,
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runCall(env *command.Env) error {
	if len(env.Args) < 4 {
		return env.Usagef("call needs a peer, object, interface and method")
	}
	args, err := parseArgs(env.Args[4:])
	if err != nil {
		return err
	}
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ret, err := conn.Call(env.Context(), env.Args[0], dbus.ObjectPath(env.Args[1]), env.Args[2], env.Args[3], args...)
	if err != nil {
		return err
	}
	for _, v := range ret {
		pretty.Println(dbus.Native(v))
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.Ping(env.Context(), peer); err != nil {
		return err
	}
	fmt.Printf("Ping %s: %v\n", peer, time.Since(start).Round(time.Microsecond))
	return nil
}

func runResolve(env *command.Env, name string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	owner, err := conn.ResolveName(env.Context(), name)
	if errors.Is(err, dbus.ErrNameHasNoOwner) {
		fmt.Printf("%s has no owner\n", name)
		return nil
	} else if err != nil {
		return err
	}
	fmt.Println(owner)
	return nil
}

func runNames(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	names, err := conn.ListNames(env.Context())
	if err != nil {
		return err
	}
	slices.Sort(names)
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

const monitorHelp = `Print signals as they are broadcast.

The --where flag takes a boolean expression that selects which signals
to print. The expression can refer to sender, path, interface, member
and args, for example:

  dbus monitor --where 'member == "PropertiesChanged" && len(args) > 1'`

var monitorArgs struct {
	Sender    string `flag:"sender,Only show signals from this peer"`
	Interface string `flag:"interface,Only show signals on this interface"`
	Member    string `flag:"member,Only show signals with this name"`
	Path      string `flag:"path,Only show signals from this object"`
	Where     string `flag:"where,Only show signals matching this expression"`
}

func runMonitor(env *command.Env) error {
	var filter *vm.Program
	if monitorArgs.Where != "" {
		var err error
		filter, err = compileFilter(monitorArgs.Where)
		if err != nil {
			return fmt.Errorf("parsing --where: %w", err)
		}
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	m := dbus.MatchSignals()
	if monitorArgs.Sender != "" {
		m.Sender(monitorArgs.Sender)
	}
	if monitorArgs.Interface != "" {
		m.Interface(monitorArgs.Interface)
	}
	if monitorArgs.Member != "" {
		m.Member(monitorArgs.Member)
	}
	if monitorArgs.Path != "" {
		m.Path(dbus.ObjectPath(monitorArgs.Path))
	}
	w, err := conn.Watch(env.Context(), m)
	if err != nil {
		return err
	}
	defer w.Close()

	for {
		select {
		case <-env.Context().Done():
			return nil
		case sig, ok := <-w.Chan():
			if !ok {
				return conn.Err()
			}
			show, err := filterSignal(filter, sig)
			if err != nil {
				return fmt.Errorf("evaluating --where: %w", err)
			}
			if show {
				printSignal(sig)
			}
		}
	}
}

var requestArgs struct {
	Replace      bool `flag:"replace,Take the name from its current owner if allowed"`
	AllowReplace bool `flag:"allow-replacement,Let other peers take the name"`
	NoQueue      bool `flag:"no-queue,Fail instead of queueing for the name"`
}

func runRequestName(env *command.Env, name string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	var flags dbus.NameFlags
	if requestArgs.Replace {
		flags |= dbus.NameReplaceExisting
	}
	if requestArgs.AllowReplace {
		flags |= dbus.NameAllowReplacement
	}
	if requestArgs.NoQueue {
		flags |= dbus.NameDoNotQueue
	}

	bus := conn.Bus()
	for _, member := range []string{"NameAcquired", "NameLost"} {
		err := bus.HandleSignal(env.Context(), member, func(sig *dbus.Signal) {
			var got string
			if dbus.Scan(sig.Args, &got) == nil && got == name {
				fmt.Printf("%s %s\n", sig.Member, got)
			}
		})
		if err != nil {
			return err
		}
	}

	reply, err := conn.RequestName(env.Context(), name, flags)
	if err != nil {
		return err
	}
	fmt.Printf("RequestName %s: %v\n", name, reply)
	if reply == dbus.NameExists {
		return nil
	}

	select {
	case <-env.Context().Done():
	case <-conn.Done():
		return conn.Err()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.ReleaseName(ctx, name)
}

func runEmit(env *command.Env) error {
	if len(env.Args) < 3 {
		return env.Usagef("emit needs an object, interface and member")
	}
	args, err := parseArgs(env.Args[3:])
	if err != nil {
		return err
	}
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	path := dbus.ObjectPath(env.Args[0])
	obj := &dbus.Object{}
	if err := conn.Export(path, obj); err != nil {
		return err
	}
	if err := obj.Emit(env.Args[1], env.Args[2], args...); err != nil {
		return err
	}
	// Signals are queued, make sure this one has gone out before
	// closing.
	return conn.Ping(env.Context(), "org.freedesktop.DBus")
}

var serveArgs struct {
	Name string `flag:"name,Bus name to claim while serving"`
}

func runServeEcho(env *command.Env) error {
	path := dbus.ObjectPath("/")
	if len(env.Args) > 0 {
		path = dbus.ObjectPath(env.Args[0])
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	obj := &dbus.Object{
		Interfaces: map[string]dbus.Methods{
			"com.example.Echo": {
				"Echo": func(call *dbus.MethodCall) {
					fmt.Printf("Echo from %s: %# v\n", call.Sender, pretty.Formatter(nativeArgs(call.Args)))
					call.Return(call.Args...)
				},
				"Fail": func(call *dbus.MethodCall) {
					fmt.Printf("Fail from %s\n", call.Sender)
					call.Fail("com.example.Echo.Error.Failed", "you asked for it")
				},
			},
		},
	}
	if err := conn.Export(path, obj); err != nil {
		return err
	}

	if serveArgs.Name != "" {
		reply, err := conn.RequestName(env.Context(), serveArgs.Name, dbus.NameDoNotQueue)
		if err != nil {
			return fmt.Errorf("requesting %s: %w", serveArgs.Name, err)
		}
		if reply != dbus.NamePrimaryOwner && reply != dbus.NameAlreadyOwner {
			return fmt.Errorf("requesting %s: %v", serveArgs.Name, reply)
		}
	}

	fmt.Printf("Serving com.example.Echo on %s %s\n", conn.UniqueName(), path)
	select {
	case <-env.Context().Done():
		return nil
	case <-conn.Done():
		return conn.Err()
	}
}
