// The blockcache CLI reads slow sources (local files, http, s3, minio, google drive)
// through the disk block cache.
package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/SchnorcherSepp/blockcache/config"
	impl "github.com/SchnorcherSepp/blockcache/defaultimpl"
	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	"github.com/SchnorcherSepp/blockcache/metrics"
	"github.com/SchnorcherSepp/blockcache/sources"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var versionGitCommit = "dev"

// warmParallel limits the sources that are warmed at the same time.
const warmParallel = 4

// env is set up by the global flags before every command.
type env struct {
	cfg    config.Config
	reg    *impl.Registry
	opener *sources.Opener
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if err := newApp().Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func newApp() *cli.App {
	e := new(env)

	app := &cli.App{
		Name:    "blockcache",
		Usage:   "read slow sources through a local disk block cache",
		Version: versionGitCommit,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: config.DefaultPath(), TakesFile: true, Usage: "JSONC config file", EnvVars: []string{"BLOCKCACHE_CONFIG"}},
			&cli.StringFlag{Name: "cache-dir", Usage: "directory of the cache files", EnvVars: []string{"BLOCKCACHE_DIR"}},
			&cli.UintFlag{Name: "debug", Usage: "debug level (0=off, 1=low, 2=high)"},
			&cli.Int64Flag{Name: "rate-limit", Usage: "limit the source reads to bytes per second"},
			&cli.StringFlag{Name: "metrics", TakesFile: true, Usage: "write the prometheus counters to this file on exit"},
		},
		Before: func(c *cli.Context) error {
			return e.setup(c)
		},
		After: func(c *cli.Context) error {
			return e.teardown(c)
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:      "cat",
			Usage:     "read a source through the cache and write it to stdout (several uris are the parts of a split image)",
			ArgsUsage: "<uri>...",
			Flags: []cli.Flag{
				&cli.Int64Flag{Name: "offset", Usage: "first byte"},
				&cli.Int64Flag{Name: "length", Value: -1, Usage: "number of bytes, -1 reads to the end"},
				&cli.BoolFlag{Name: "uncached", Usage: "bypass the cache"},
			},
			Action: e.cat,
		},
		{
			Name:      "warm",
			Usage:     "read whole sources into the cache",
			ArgsUsage: "<uri>...",
			Action:    e.warm,
		},
		{
			Name:      "inspect",
			Usage:     "print the header and index summary of cache files",
			ArgsUsage: "<cache-file>...",
			Action:    e.inspect,
		},
		{
			Name:  "gc",
			Usage: "delete unused cache files",
			Flags: []cli.Flag{
				&cli.Uint64Flag{Name: "goal", Value: math.MaxUint64, Usage: "stop after this many bytes are freed"},
			},
			Action: e.gc,
		},
		{
			Name:      "paths",
			Usage:     "print the cache file of sources",
			ArgsUsage: "<uri>...",
			Action:    e.paths,
		},
	}

	return app
}

//--------  SETUP  ---------------------------------------------------------------------------------------------------//

func (e *env) setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"), c.IsSet("config"))
	if err != nil {
		return err
	}

	// flags override the config file
	if c.IsSet("cache-dir") {
		cfg.CacheDir = c.String("cache-dir")
	}
	if c.IsSet("debug") {
		cfg.DebugLevel = uint8(c.Uint("debug"))
	}
	if c.IsSet("rate-limit") {
		cfg.RateLimitBytes = c.Int64("rate-limit")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.DebugLevel > impl.DebugOff {
		logrus.SetLevel(logrus.DebugLevel)
	}

	metrics.Register()

	e.cfg = cfg
	e.reg = impl.NewRegistry(cfg.RegistryOptions())
	e.opener = sources.NewOpener(cfg)
	return nil
}

func (e *env) teardown(c *cli.Context) error {
	if e.reg != nil {
		e.reg.Close()
	}
	if file := c.String("metrics"); file != "" {
		return metrics.Export(file)
	}
	return nil
}

// open returns a source behind the cache.
func (e *env) open(ctx context.Context, uri string) (interf.ReaderAt, error) {
	src, err := e.opener.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	if !src.Exists() {
		_ = src.Close()
		return nil, errors.Errorf("source not found: %s", uri)
	}
	return impl.NewReaderAt(src, e.reg, e.cfg.DebugLevel)
}

// uncached reads with interf.HintUncached.
type uncached struct {
	interf.ReaderAt
}

func (u uncached) ReadAt(p []byte, off int64) (int, error) {
	return u.ReadAtFlags(p, off, interf.HintUncached)
}

// openParts opens one source, or the parts of a split image as one source.
func (e *env) openParts(ctx context.Context, uris []string) (interf.ReaderAt, error) {
	if len(uris) == 1 {
		return e.open(ctx, uris[0])
	}

	parts := make([]interf.Source, 0, len(uris))
	closeAll := func() {
		for _, p := range parts {
			_ = p.Close()
		}
	}
	for _, uri := range uris {
		src, err := e.opener.Open(ctx, uri)
		if err != nil {
			closeAll()
			return nil, err
		}
		parts = append(parts, src)
		if !src.Exists() {
			closeAll()
			return nil, errors.Errorf("source not found: %s", uri)
		}
	}

	m, err := impl.NewMultiSource(parts)
	if err != nil {
		closeAll()
		return nil, err
	}
	return impl.NewReaderAt(m, e.reg, e.cfg.DebugLevel)
}

//--------  COMMANDS  ------------------------------------------------------------------------------------------------//

func (e *env) cat(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("cat: expected at least one uri")
	}
	if c.Int64("offset") < 0 {
		return errors.Errorf("cat: negative offset %d", c.Int64("offset"))
	}

	r, err := e.openParts(c.Context, c.Args().Slice())
	if err != nil {
		return err
	}
	defer r.Close()

	var src interf.Source = r
	if c.Bool("uncached") {
		src = uncached{r}
	}

	w := impl.NewSubSource(src, c.Int64("offset"), c.Int64("length"))
	_, err = io.Copy(c.App.Writer, io.NewSectionReader(w, 0, w.Size()))
	return errors.Wrap(err, "cat")
}

func (e *env) warm(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("warm: expected at least one uri")
	}

	g, ctx := errgroup.WithContext(c.Context)
	g.SetLimit(warmParallel)

	for _, uri := range c.Args().Slice() {
		uri := uri
		g.Go(func() error {
			n, err := e.warmOne(ctx, uri)
			if err != nil {
				return errors.Wrapf(err, "warm %s", uri)
			}
			logrus.Infof("warm: %s: %d bytes", uri, n)
			return nil
		})
	}
	return g.Wait()
}

func (e *env) warmOne(ctx context.Context, uri string) (int64, error) {
	r, err := e.open(ctx, uri)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	buf := make([]byte, int(e.cfg.BlockSize)*interf.MaxBlocksPerBatch)
	var off int64
	for off < r.Size() {
		if err := ctx.Err(); err != nil {
			return off, err
		}
		n, err := r.ReadAt(buf, off)
		off += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return off, err
		}
	}

	if e.cfg.DebugLevel > impl.DebugOff {
		logrus.Debugf("warm: %s: %v", uri, r.Stat())
	}
	return off, nil
}

func (e *env) inspect(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("inspect: expected at least one cache file")
	}

	w := c.App.Writer
	for _, file := range c.Args().Slice() {
		info, err := impl.InspectCacheFile(file)
		if err != nil {
			return errors.Wrapf(err, "inspect %s", file)
		}
		fmt.Fprintf(w, "file:           %s\n", info.File)
		fmt.Fprintf(w, "version:        %d\n", info.Version)
		fmt.Fprintf(w, "block size:     %d\n", info.BlockSize)
		fmt.Fprintf(w, "source size:    %d\n", info.SourceSize)
		fmt.Fprintf(w, "logical blocks: %d\n", info.LogicalBlocks)
		fmt.Fprintf(w, "physical slots: %d\n", info.PhysicalSlots)
		fmt.Fprintf(w, "cached blocks:  %d\n", info.CachedBlocks)
		fmt.Fprintf(w, "duplicates:     %d\n", info.Duplicates)
		fmt.Fprintf(w, "generations:    %d..%d\n", info.OldestGen, info.NewestGen)
		fmt.Fprintf(w, "hits:           %d\n", info.TotalHits)
		fmt.Fprintf(w, "file size:      %d\n", info.FileSize)
	}
	return nil
}

func (e *env) gc(c *cli.Context) error {
	freed := e.reg.GarbageCollect(c.Uint64("goal"))
	fmt.Fprintf(c.App.Writer, "freed %d bytes in %s\n", freed, e.reg.Dir())
	return nil
}

func (e *env) paths(c *cli.Context) error {
	var files []string
	for _, uri := range c.Args().Slice() {
		src, err := e.opener.Open(c.Context, uri)
		if err != nil {
			return err
		}
		files = append(files, e.reg.CacheFilePath(src.Path()))
		_ = src.Close()
	}

	sort.Strings(files)
	for _, f := range files {
		fmt.Fprintln(c.App.Writer, f)
	}
	return nil
}
