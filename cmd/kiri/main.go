// Kiri CLI - loads compiled code blocks and runs them in a fresh engine
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/chazu/kiri/cache"
	"github.com/chazu/kiri/manifest"
	"github.com/chazu/kiri/vm"
	"github.com/chazu/kiri/vm/wire"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	configDir := flag.String("config", ".", "Directory to search (upwards) for kiri.toml")
	verbosity := flag.Int("v", -1, "Log verbosity (overrides [log] verbosity)")
	noCache := flag.Bool("no-cache", false, "Bypass the bytecode cache")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kiri [options] <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run [FILE.kbc]        Execute a code block (default: [run] entry)\n")
		fmt.Fprintf(os.Stderr, "  dis FILE.kbc|HASH     Disassemble a code block\n")
		fmt.Fprintf(os.Stderr, "  cache put FILE.kbc    Store a code block, print its hash\n")
		fmt.Fprintf(os.Stderr, "  cache get HASH OUT    Write a cached code block to OUT\n")
		fmt.Fprintf(os.Stderr, "  cache list            List cached code blocks\n")
		fmt.Fprintf(os.Stderr, "  cache rm HASH         Remove a cached code block\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	m, err := manifest.FindAndLoad(*configDir)
	if err != nil {
		fatalf("%v", err)
	}
	if m == nil {
		m = manifest.Default()
	}

	v := m.Log.Verbosity
	if *verbosity >= 0 {
		v = *verbosity
	}
	if path := m.LogPath(); path != "" {
		commonlog.Configure(v, &path)
	} else {
		commonlog.Configure(v, nil)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()
	useCache := m.Cache.Enabled && !*noCache

	switch args[0] {
	case "run":
		file := m.EntryPath()
		if len(args) > 1 {
			file = args[1]
		}
		if file == "" {
			fatalf("run: no code block given and no [run] entry configured")
		}
		os.Exit(runFile(ctx, m, file, useCache))

	case "dis":
		if len(args) < 2 {
			fatalf("dis: missing FILE.kbc or HASH")
		}
		cb, err := loadBlock(ctx, m, args[1], false)
		if err != nil {
			fatalf("dis: %v", err)
		}
		fmt.Println(vm.Disassemble(cb))

	case "cache":
		if err := cacheCommand(ctx, m, args[1:]); err != nil {
			fatalf("cache: %v", err)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func runFile(ctx context.Context, m *manifest.Manifest, file string, useCache bool) int {
	cb, err := loadBlock(ctx, m, file, useCache)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	engine := vm.NewVM(m.VMConfig())
	installHostGlobals(engine)

	result, err := engine.Run(cb)
	if err != nil {
		var thrown *vm.Thrown
		var exit *vm.NonLocalExit
		switch {
		case errors.As(err, &thrown):
			fmt.Fprintf(os.Stderr, "Uncaught %s\n", thrown.TraceString())
		case errors.As(err, &exit):
			fmt.Fprintf(os.Stderr, "%s\n", exit.TraceString())
		default:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	if !result.IsVoid() {
		fmt.Println(result.ToString())
	}
	return 0
}

// installHostGlobals gives scripts a minimal way to talk to the host.
func installHostGlobals(engine *vm.VM) {
	engine.SetGlobal("print", engine.WrapFunction(vm.NewNativeFunction("print",
		vm.FreeFunc(func(ci *vm.CallInfo) error {
			parts := make([]string, len(ci.Args))
			for i, a := range ci.Args {
				parts[i] = a.ToString()
			}
			fmt.Println(strings.Join(parts, " "))
			return nil
		}))))
	engine.SetGlobal("env", engine.WrapFunction(vm.NewNativeFunction("env",
		vm.Func1(func(_ *vm.VM, name vm.Value) (vm.Value, error) {
			val, ok := os.LookupEnv(name.ToString())
			if !ok {
				return vm.Void, nil
			}
			return vm.FromString(val), nil
		}))))
}

// loadBlock reads a code block from a file, or from the cache when arg is
// not an existing file. With useCache the file's block is also recorded.
func loadBlock(ctx context.Context, m *manifest.Manifest, arg string, useCache bool) (*vm.CodeBlock, error) {
	data, err := os.ReadFile(arg)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		store, serr := cache.Open(m.CachePath())
		if serr != nil {
			return nil, err
		}
		defer store.Close()
		return store.Get(ctx, arg)
	}

	if !useCache {
		return wire.Unmarshal(data)
	}
	store, err := cache.Open(m.CachePath())
	if err != nil {
		return nil, err
	}
	defer store.Close()
	cb, _, err := store.Load(ctx, data)
	return cb, err
}

// ---------------------------------------------------------------------------
// cache
// ---------------------------------------------------------------------------

func cacheCommand(ctx context.Context, m *manifest.Manifest, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing subcommand (put, get, list, rm)")
	}

	store, err := cache.Open(m.CachePath())
	if err != nil {
		return err
	}
	defer store.Close()

	switch args[0] {
	case "put":
		if len(args) < 2 {
			return fmt.Errorf("put: missing FILE.kbc")
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		_, hash, err := store.Load(ctx, data)
		if err != nil {
			return err
		}
		fmt.Println(hash)

	case "get":
		if len(args) < 3 {
			return fmt.Errorf("get: usage: cache get HASH OUT")
		}
		data, err := store.GetRaw(ctx, args[1])
		if err != nil {
			return err
		}
		return os.WriteFile(args[2], data, 0o644)

	case "list":
		entries, err := store.List(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s  %-24s %8d  %s\n", e.Hash[:16], e.Name, e.Size, e.Stored.Format("2006-01-02 15:04:05"))
		}

	case "rm":
		if len(args) < 2 {
			return fmt.Errorf("rm: missing HASH")
		}
		return store.Delete(ctx, args[1])

	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
	return nil
}
