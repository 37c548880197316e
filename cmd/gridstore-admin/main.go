// Package main is the entry point for gridstore-admin, the maintenance tool
// that works on a bucket directly, without a running server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/bleepstore/gridstore/internal/archive"
	"github.com/bleepstore/gridstore/internal/blobstore"
	"github.com/bleepstore/gridstore/internal/config"
	"github.com/bleepstore/gridstore/internal/connection"
	"github.com/bleepstore/gridstore/internal/logging"
	"github.com/bleepstore/gridstore/internal/storage"
)

const usage = "Usage: gridstore-admin <list|check|put|get|delete|sweep|export|import> [flags] [args]"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes one subcommand and returns the process exit code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage)
		return 1
	}
	cmd := &command{name: args[0], stdin: stdin, stdout: stdout, stderr: stderr}

	switch args[0] {
	case "list":
		return cmd.runList(args[1:])
	case "check":
		return cmd.runCheck(args[1:])
	case "put":
		return cmd.runPut(args[1:])
	case "get":
		return cmd.runGet(args[1:])
	case "delete":
		return cmd.runDelete(args[1:])
	case "sweep":
		return cmd.runSweep(args[1:])
	case "export":
		return cmd.runExport(args[1:])
	case "import":
		return cmd.runImport(args[1:])
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n%s\n", args[0], usage)
		return 1
	}
}

// command holds the state shared by every subcommand.
type command struct {
	name   string
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configPath *string
	uri        *string
	bucket     *string
	mgr        *connection.Manager
	engine     string
}

// flags returns a flag set carrying the connection flags every subcommand accepts.
func (c *command) flags() *flag.FlagSet {
	fs := flag.NewFlagSet(c.name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	c.configPath = fs.String("config", "gridstore.yaml", "Config file path")
	c.uri = fs.String("uri", "", "Storage connection URI (overrides config)")
	c.bucket = fs.String("bucket", "", "Bucket name (overrides config)")
	return fs
}

// open builds a Service from the config file and flag overrides.
func (c *command) open() (*blobstore.Service, error) {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if *c.uri != "" {
		cfg.Storage.URI = *c.uri
	}
	if *c.bucket != "" {
		cfg.Storage.Bucket = *c.bucket
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, c.stderr)

	c.mgr = connection.NewManager(cfg.Storage.URI, storage.Options{
		Database:       cfg.Storage.Database,
		ChunkSize:      cfg.Storage.ChunkSize,
		ConnectTimeout: cfg.Storage.ConnectTimeout,
	}, connection.WithLogger(logger))
	c.engine, _, _ = strings.Cut(cfg.Storage.URI, "://")

	return blobstore.NewService(c.mgr, blobstore.Options{
		Bucket:           cfg.Storage.Bucket,
		ChunkSize:        cfg.Storage.ChunkSize,
		OperationTimeout: cfg.Storage.OperationTimeout,
		BufferLimit:      cfg.Upload.BufferLimitBytes,
		Logger:           logger,
	}), nil
}

func (c *command) close() {
	if c.mgr == nil {
		return
	}
	if err := c.mgr.Close(context.Background()); err != nil {
		fmt.Fprintf(c.stderr, "Warning: closing storage: %v\n", err)
	}
}

// setup parses args and opens the service. wantArgs is the number of
// positional arguments required after the flags.
func (c *command) setup(fs *flag.FlagSet, args []string, wantArgs int, argUsage string) (*blobstore.Service, []string, bool) {
	if err := fs.Parse(args); err != nil {
		return nil, nil, false
	}
	if fs.NArg() != wantArgs {
		fmt.Fprintf(c.stderr, "Usage: gridstore-admin %s [flags] %s\n", c.name, argUsage)
		return nil, nil, false
	}
	svc, err := c.open()
	if err != nil {
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return nil, nil, false
	}
	return svc, fs.Args(), true
}

func (c *command) fail(format string, args ...any) int {
	fmt.Fprintf(c.stderr, "Error: "+format+"\n", args...)
	return 1
}

func (c *command) printJSON(v any) int {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return c.fail("writing output: %v", err)
	}
	return 0
}

type listEntry struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	Length      int64     `json:"length"`
	Size        string    `json:"size"`
	UploadDate  time.Time `json:"uploadDate"`
}

func (c *command) runList(args []string) int {
	svc, _, ok := c.setup(c.flags(), args, 0, "")
	if !ok {
		return 1
	}
	defer c.close()

	recs, err := svc.ListFiles(context.Background())
	if err != nil {
		return c.fail("listing files: %v", err)
	}
	out := make([]listEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, listEntry{
			ID:          rec.ID.Hex(),
			Filename:    rec.Filename,
			ContentType: rec.Metadata.ContentType,
			Length:      rec.Length,
			Size:        humanize.Bytes(uint64(rec.Length)),
			UploadDate:  rec.UploadDate,
		})
	}
	return c.printJSON(out)
}

func (c *command) runCheck(args []string) int {
	svc, _, ok := c.setup(c.flags(), args, 0, "")
	if !ok {
		return 1
	}
	defer c.close()

	report := svc.CheckConnection(context.Background())
	if rc := c.printJSON(report); rc != 0 {
		return rc
	}
	if !report.Success {
		return 1
	}
	return 0
}

func (c *command) runPut(args []string) int {
	fs := c.flags()
	contentType := fs.String("type", "", "Content type (default: sniffed from the content)")
	name := fs.String("name", "", "Stored filename (default: base name of the file)")
	svc, rest, ok := c.setup(fs, args, 1, "<file>")
	if !ok {
		return 1
	}
	defer c.close()

	data, err := os.ReadFile(rest[0])
	if err != nil {
		return c.fail("reading %s: %v", rest[0], err)
	}
	ct := *contentType
	if ct == "" {
		ct = mimetype.Detect(data).String()
	}
	filename := *name
	if filename == "" {
		filename = filepath.Base(rest[0])
	}

	id, err := svc.Upload(context.Background(), data, filename, ct)
	if err != nil {
		return c.fail("uploading: %v", err)
	}
	return c.printJSON(map[string]any{
		"fileId":      id.Hex(),
		"fileName":    filename,
		"contentType": ct,
		"size":        len(data),
	})
}

func (c *command) runGet(args []string) int {
	fs := c.flags()
	output := fs.String("o", "-", "Output file path (- for stdout)")
	svc, rest, ok := c.setup(fs, args, 1, "<id>")
	if !ok {
		return 1
	}
	defer c.close()

	st, err := svc.OpenFile(context.Background(), rest[0])
	if err != nil {
		return c.fail("opening %s: %v", rest[0], err)
	}
	if st == nil {
		return c.fail("file %s not found", rest[0])
	}
	defer st.Close()

	w := c.stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			return c.fail("creating %s: %v", *output, err)
		}
		defer f.Close()
		w = f
	}
	n, err := io.Copy(w, st)
	if err != nil {
		return c.fail("reading %s: %v", rest[0], err)
	}
	if *output != "-" {
		fmt.Fprintf(c.stderr, "Wrote %s to %s\n", humanize.Bytes(uint64(n)), *output)
	}
	return 0
}

func (c *command) runDelete(args []string) int {
	svc, rest, ok := c.setup(c.flags(), args, 1, "<id>")
	if !ok {
		return 1
	}
	defer c.close()

	res := svc.DeleteFile(context.Background(), rest[0])
	out := map[string]any{"fileId": rest[0], "status": res.Status.String()}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}
	if rc := c.printJSON(out); rc != 0 {
		return rc
	}
	if res.Status != blobstore.Deleted {
		return 1
	}
	return 0
}

func (c *command) runSweep(args []string) int {
	fs := c.flags()
	grace := fs.Duration("grace", blobstore.DefaultSweepGrace, "Only sweep orphans older than this; uploads in flight are younger")
	svc, _, ok := c.setup(fs, args, 0, "")
	if !ok {
		return 1
	}
	defer c.close()
	if *grace < 0 {
		return c.fail("-grace must not be negative")
	}

	n, err := svc.SweepOrphans(context.Background(), *grace)
	if err != nil {
		return c.fail("sweeping orphan chunks: %v", err)
	}
	return c.printJSON(map[string]any{"swept": n})
}

func (c *command) runExport(args []string) int {
	fs := c.flags()
	output := fs.String("output", "-", "Output file path (- for stdout)")
	svc, rest, ok := c.setupAny(fs, args)
	if !ok {
		return 1
	}
	defer c.close()

	w := c.stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			return c.fail("creating %s: %v", *output, err)
		}
		defer f.Close()
		w = f
	}
	n, err := archive.Export(context.Background(), svc, w, archive.ExportOptions{Engine: c.engine, IDs: rest})
	if err != nil {
		return c.fail("exporting: %v", err)
	}
	fmt.Fprintf(c.stderr, "Exported %d files\n", n)
	return 0
}

func (c *command) runImport(args []string) int {
	fs := c.flags()
	input := fs.String("input", "-", "Input file path (- for stdin)")
	skip := fs.Bool("skip-existing", false, "Skip files whose name and digest already exist")
	svc, _, ok := c.setup(fs, args, 0, "")
	if !ok {
		return 1
	}
	defer c.close()

	r := c.stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			return c.fail("reading input: %v", err)
		}
		defer f.Close()
		r = f
	}
	result, err := archive.Import(context.Background(), svc, r, archive.ImportOptions{SkipExisting: *skip})
	if result != nil {
		for _, w := range result.Warnings {
			fmt.Fprintf(c.stderr, "  WARNING: %s\n", w)
		}
	}
	if err != nil {
		return c.fail("importing: %v", err)
	}
	fmt.Fprintf(c.stderr, "Imported %d files, skipped %d\n", result.Imported, result.Skipped)
	return c.printJSON(result)
}

// setupAny is setup for subcommands taking any number of positional ids.
func (c *command) setupAny(fs *flag.FlagSet, args []string) (*blobstore.Service, []string, bool) {
	if err := fs.Parse(args); err != nil {
		return nil, nil, false
	}
	svc, err := c.open()
	if err != nil {
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return nil, nil, false
	}
	return svc, fs.Args(), true
}
