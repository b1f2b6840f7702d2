// LEM CLI - runs, assembles and serves block machine programs
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/lem/image"
	"github.com/chazu/lem/manifest"
	"github.com/chazu/lem/server"
	"github.com/chazu/lem/trace"
	"github.com/chazu/lem/vm"

	_ "github.com/tliron/commonlog/simple"
)

// demoProgram binds a block, writes 42 to slot 1, reads it, adds 10 and
// reads it again.
var demoProgram = []byte{
	byte(vm.OpBind),
	byte(vm.OpWrite), 0, 1, 42,
	byte(vm.OpRead), 0, 1,
	byte(vm.OpAdd), 0, 1, 10,
	byte(vm.OpRead), 0, 1,
	byte(vm.OpHalt),
}

type options struct {
	demo     bool
	disasm   bool
	assemble string
	build    bool
	traceDB  string
	serve    bool
	addr     string
	lsp      bool
	remote   string
	maxSteps int
	timeout  time.Duration
}

func main() {
	var opts options
	verbosity := flag.Int("v", 0, "Log verbosity (1 info, 2 debug with instruction trace)")
	flag.BoolVar(&opts.demo, "demo", false, "Run the built-in demo program")
	flag.BoolVar(&opts.disasm, "disasm", false, "Print a disassembly listing instead of running")
	flag.StringVar(&opts.assemble, "assemble", "", "Write the program as an image to `file` instead of running")
	flag.BoolVar(&opts.build, "build", false, "Write the program as an image to the [image] output of lem.toml")
	flag.StringVar(&opts.traceDB, "trace-db", "", "Record runs in the SQLite trace database at `path`")
	flag.BoolVar(&opts.serve, "serve", false, "Start the machine service (Connect, CBOR)")
	flag.StringVar(&opts.addr, "addr", "", "Service address (default from lem.toml, else "+manifest.DefaultAddr+")")
	flag.BoolVar(&opts.lsp, "lsp", false, "Start the assembly language server on stdio")
	flag.StringVar(&opts.remote, "remote", "", "Run the program on the service at `url` instead of locally")
	flag.IntVar(&opts.maxSteps, "max-steps", 0, "Step limit (0 uses lem.toml, else unlimited)")
	flag.DurationVar(&opts.timeout, "timeout", 0, "Run timeout (0 uses lem.toml)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lem [options] [program]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a LEM program: assembly (.lasm), an image (.lemc) or raw machine code.\n")
		fmt.Fprintf(os.Stderr, "Without a program, the [source] entry of lem.toml is used.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  lem -demo                      # Run the demo program\n")
		fmt.Fprintf(os.Stderr, "  lem -v 2 prog.lasm             # Run with an instruction trace\n")
		fmt.Fprintf(os.Stderr, "  lem -assemble prog.lemc prog.lasm\n")
		fmt.Fprintf(os.Stderr, "  lem -disasm prog.lemc\n")
		fmt.Fprintf(os.Stderr, "  lem -serve -addr :7420         # Start the machine service\n")
		fmt.Fprintf(os.Stderr, "  lem -remote http://localhost:7420 prog.lasm\n")
	}
	flag.Parse()

	if err := run(opts, *verbosity, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "lem: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options, verbosity int, args []string) error {
	commonlog.Configure(verbosity, nil)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.maxSteps > 0 {
		cfg.Machine.MaxSteps = opts.maxSteps
	}
	if opts.timeout > 0 {
		cfg.Machine.Timeout.Duration = opts.timeout
	}
	if opts.traceDB == "" {
		opts.traceDB = cfg.TraceDatabasePath()
	}

	switch {
	case opts.lsp:
		return server.NewLSP().Run()
	case opts.serve:
		return serve(cfg, opts)
	}

	img, err := loadProgram(cfg, opts, args)
	if err != nil {
		return err
	}

	switch {
	case opts.disasm:
		fmt.Println(vm.Disassemble(img.Code))
		return nil
	case opts.assemble != "":
		return writeImage(cfg, img, opts.assemble)
	case opts.build:
		out := cfg.ImageOutputPath()
		if out == "" {
			return errors.New("-build needs [image] output in " + manifest.FileName)
		}
		return writeImage(cfg, img, out)
	case opts.remote != "":
		return runRemote(os.Stdout, opts.remote, img, cfg.Machine.MaxSteps)
	}
	return runLocal(cfg, opts, img, verbosity)
}

// loadConfig finds lem.toml from the working directory, falling back to
// the defaults.
func loadConfig() (*manifest.Manifest, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := manifest.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = manifest.Default()
	}
	return cfg, nil
}

func loadProgram(cfg *manifest.Manifest, opts options, args []string) (*image.Image, error) {
	switch {
	case len(args) > 1:
		return nil, fmt.Errorf("expected one program, got %d", len(args))
	case len(args) == 1:
		return image.Load(args[0])
	case opts.demo:
		return image.New("demo", demoProgram), nil
	case cfg.EntryPath() != "":
		return image.Load(cfg.EntryPath())
	}
	return nil, errors.New("no program given (try -demo)")
}

func writeImage(cfg *manifest.Manifest, img *image.Image, path string) error {
	if !cfg.Image.IncludeSource {
		img.Source = ""
	}
	if err := image.WriteFile(path, img); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d bytes of code)\n", path, len(img.Code))
	return nil
}

func runLocal(cfg *manifest.Manifest, opts options, img *image.Image, verbosity int) error {
	ctx := context.Background()
	if cfg.Machine.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Machine.Timeout.Duration)
		defer cancel()
	}

	vmOpts := append(cfg.MachineOptions(), vm.WithPool(cfg.NewPool()))
	if verbosity >= 2 {
		vmOpts = append(vmOpts, vm.WithTracer(vm.NewLogTracer()))
	}

	var rec *trace.Recorder
	if opts.traceDB != "" {
		store, err := trace.Open(opts.traceDB)
		if err != nil {
			return err
		}
		defer store.Close()
		if rec, err = store.Begin(img.Name, img.Code); err != nil {
			return err
		}
		vmOpts = append(vmOpts, vm.WithTracer(rec))
	}

	res, runErr := vm.New(img.Code, vmOpts...).Run(ctx)
	printResult(os.Stdout, res)

	if rec != nil {
		if err := rec.Finish(res, runErr); err != nil {
			return err
		}
		fmt.Printf("trace run %d recorded in %s\n", rec.ID(), opts.traceDB)
	}
	return runErr
}

func printResult(w io.Writer, res *vm.Result) {
	if res == nil {
		return
	}
	for _, r := range res.Reads {
		fmt.Fprintf(w, "%04d  read  %d[%d] = %d\n", r.PC, r.Block, r.Index, r.Value)
	}
	for _, t := range res.Takes {
		fmt.Fprintf(w, "%04d  take  %d = %v\n", t.PC, t.Block, t.Slots)
	}
	fmt.Fprintln(w, summary(res.Halted, res.PC, res.Steps))
}

// summary describes where a run ended: on HLT, or by leaving the program.
func summary(halted bool, pc, steps int) string {
	if halted {
		return fmt.Sprintf("halted at %04d after %d steps", pc, steps)
	}
	return fmt.Sprintf("stopped at %04d after %d steps", pc, steps)
}

func runRemote(w io.Writer, url string, img *image.Image, maxSteps int) error {
	client := server.NewClient(http.DefaultClient, url)
	resp, err := client.Run(context.Background(), &server.RunRequest{
		Code:     img.Code,
		Name:     img.Name,
		MaxSteps: maxSteps,
	})
	if err != nil {
		return err
	}

	for _, r := range resp.Reads {
		fmt.Fprintf(w, "%04d  read  %d[%d] = %d\n", r.PC, r.Block, r.Index, r.Value)
	}
	for _, t := range resp.Takes {
		fmt.Fprintf(w, "%04d  take  %d = %v\n", t.PC, t.Block, t.Slots)
	}
	if resp.RunID != 0 {
		fmt.Fprintf(w, "trace run %d\n", resp.RunID)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s at %04d: %s", resp.Error.Kind, resp.Error.PC, resp.Error.Message)
	}
	fmt.Fprintln(w, summary(resp.Halted, resp.PC, resp.Steps))
	return nil
}

func serve(cfg *manifest.Manifest, opts options) error {
	var serverOpts []server.ServerOption
	if opts.traceDB != "" {
		store, err := trace.Open(opts.traceDB)
		if err != nil {
			return err
		}
		defer store.Close()
		serverOpts = append(serverOpts, server.WithTraceStore(store))
	}

	srv := server.New(cfg, serverOpts...)
	defer srv.Stop()

	addr := opts.addr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
