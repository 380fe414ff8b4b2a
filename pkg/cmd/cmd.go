package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"

	"github.com/hashicorp/go-hclog"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sys/unix"
	"lab47.dev/mctl/pkg/config"
	"lab47.dev/mctl/pkg/mctlerr"
	"lab47.dev/mctl/pkg/progress"
)

// Globals are accepted by every command.
type Globals struct {
	Config string `short:"c" long:"config" env:"MCTL_CONFIG" description:"path to the configuration file"`
	Debug  bool   `short:"d" long:"debug" description:"show debug output"`
	Trace  bool   `long:"trace" description:"show trace output"`
}

// Env is handed to every command along with its options.
type Env struct {
	Config *config.Config
	L      hclog.Logger
}

type Cmd struct {
	syn, name string
	f         reflect.Value

	globals *Globals
	opts    reflect.Value
	parser  *flags.Parser
}

var envType = reflect.TypeOf((*Env)(nil))

// New wraps f, which must have the signature
// func(context.Context, *Env, struct{...}) error. The fields of the struct
// are parsed as command line options.
func New(name, syn string, f interface{}) *Cmd {
	rv := reflect.ValueOf(f)

	if rv.Kind() != reflect.Func {
		panic("must pass a function")
	}

	rt := rv.Type()

	if rt.NumIn() != 3 {
		panic("must provide three arguments only")
	}

	if rt.In(1) != envType {
		panic("second argument must be *cmd.Env")
	}

	if rt.NumOut() != 1 {
		panic("must return one argument only")
	}

	in := rt.In(2)

	if in.Kind() != reflect.Struct {
		panic("argument must be a struct")
	}

	sv := reflect.New(in)

	parser := flags.NewNamedParser(name, flags.Default)
	parser.ShortDescription = syn
	parser.LongDescription = syn

	globals := &Globals{}

	_, err := parser.AddGroup("Global Options", "", globals)
	if err != nil {
		panic(err)
	}

	_, err = parser.AddGroup("Application Options", "", sv.Interface())
	if err != nil {
		panic(err)
	}

	return &Cmd{
		syn:     syn,
		name:    name,
		f:       rv,
		globals: globals,
		opts:    sv,
		parser:  parser,
	}
}

func (w *Cmd) Help() string {
	var buf bytes.Buffer
	w.parser.WriteHelp(&buf)
	return buf.String()
}

func (w *Cmd) Synopsis() string {
	return w.syn
}

func (w *Cmd) logger() hclog.Logger {
	level := hclog.Info

	switch {
	case w.globals.Trace:
		level = hclog.Trace
	case w.globals.Debug:
		level = hclog.Debug
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:   "mctl",
		Level:  level,
		Output: os.Stderr,
	})
}

func (w *Cmd) Run(args []string) int {
	_, err := w.parser.ParseArgs(args)
	if err != nil {
		return 1
	}

	L := w.logger()

	cfg, err := config.LoadConfig(w.globals.Config)
	if err != nil {
		fmt.Printf("! Error: %+v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cancelOnSignal(cancel, os.Interrupt, unix.SIGQUIT, unix.SIGTERM)

	ctx = progress.Open(ctx, os.Stderr)

	env := &Env{Config: cfg, L: L}

	rets := w.f.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(env), w.opts.Elem()})

	if err, ok := rets[0].Interface().(error); ok {
		if err != nil {
			L.Debug("command failed", "command", w.name, "kind", mctlerr.Kind(err))
			fmt.Printf("! Error: %+v\n", err)
			return 1
		}
	}

	return 0
}

func cancelOnSignal(cancel func(), signals ...os.Signal) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, signals...)

	go func() {
		for range c {
			cancel()
		}
	}()
}
