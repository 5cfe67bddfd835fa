// cmd/material-client/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/Gammanik/material-store/internal/material"
	"github.com/Gammanik/material-store/internal/mimetype"
	"github.com/Gammanik/material-store/internal/storage"
)

var (
	server    = flag.String("server", "http://localhost:8080", "Material server URL")
	chunkSize = flag.Int("chunk-size", material.DefaultChunkSize, "Upload chunk size in bytes")
)

const usage = `usage: material-client [flags] <command> [args]

commands:
  upload [-ref name] [-url url] [-pages lo:hi] [-path remote] [-overwrite] <file>
  download <hash> <file>
  info <hash-or-prefix>
  ls [prefix]
  rm [-keep-file] <hash>
  verify <hash>
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := storage.New(*server, *chunkSize)
	args := flag.Args()[1:]

	var err error
	switch flag.Arg(0) {
	case "upload":
		err = upload(ctx, c, args)
	case "download":
		err = download(ctx, c, args)
	case "info":
		err = info(ctx, c, args)
	case "ls":
		err = list(ctx, c, args)
	case "rm":
		err = remove(ctx, c, args)
	case "verify":
		err = verify(ctx, c, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func upload(ctx context.Context, c *storage.Client, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	ref := fs.String("ref", "", "Reference (default: file name)")
	url := fs.String("url", "", "Source URL")
	pages := fs.String("pages", "", "Page range lo:hi")
	path := fs.String("path", "", "Path on the server relative to its root")
	overwrite := fs.Bool("overwrite", false, "Replace an existing file at -path")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("upload needs exactly one file")
	}
	file := fs.Arg(0)

	meta := material.Metadata{Reference: *ref}
	if meta.Reference == "" {
		meta.Reference = filepath.Base(file)
	}
	if *url != "" {
		meta.URL = url
	}
	if *pages != "" {
		var pf material.PageFilter
		if _, err := fmt.Sscanf(*pages, "%d:%d", &pf.LowerBound, &pf.UpperBound); err != nil {
			return fmt.Errorf("bad page range %q: %v", *pages, err)
		}
		meta.PageFilter = &pf
	}
	if t, ok := mimetype.ResolvePath(file); ok {
		meta.Mimetype = t
	}

	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	out, err := c.Upload(ctx, meta, f, storage.UploadOptions{Path: *path, Overwrite: *overwrite})
	if err != nil {
		return err
	}
	return printJSON(out)
}

func download(ctx context.Context, c *storage.Client, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("download needs <hash> <file>")
	}
	hash, err := fullHash(ctx, c, args[0])
	if err != nil {
		return err
	}

	tmp := args[1] + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	meta, err := c.Download(ctx, hash, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, args[1]); err != nil {
		return err
	}
	return printJSON(meta)
}

func info(ctx context.Context, c *storage.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("info needs <hash>")
	}
	meta, err := c.Info(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(meta)
}

func list(ctx context.Context, c *storage.Client, args []string) error {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	keys, err := c.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}

func remove(ctx context.Context, c *storage.Client, args []string) error {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	keepFile := fs.Bool("keep-file", false, "Only unload the record, keep the file on the server")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("rm needs <hash>")
	}
	if *keepFile {
		return c.Unload(ctx, fs.Arg(0))
	}
	return c.Delete(ctx, fs.Arg(0))
}

func verify(ctx context.Context, c *storage.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("verify needs <hash>")
	}
	ok, err := c.Verify(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("material %s does not match its hash", args[0])
	}
	fmt.Println("ok")
	return nil
}

// fullHash раскрывает сокращенный хеш через сервер
func fullHash(ctx context.Context, c *storage.Client, hash string) (string, error) {
	meta, err := c.Info(ctx, hash)
	if err != nil {
		return "", err
	}
	return meta.Hash, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
