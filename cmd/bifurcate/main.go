// Command bifurcate demonstrates bifurcator.Bifurcate: it reads a file (or
// stdin) exactly once and fans it out to a set of sink branches chosen on
// the command line.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/xtaci/bifurcator/bifurcator"
	"github.com/xtaci/bifurcator/decorators"
	"github.com/xtaci/bifurcator/netsrc"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "bifurcate"
	myApp.Usage = "fan one byte stream out to several sinks, concurrently, in one pass"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "in",
			Value: "-",
			Usage: "input file, or \"-\" for stdin",
		},
		cli.StringFlag{
			Name:  "copy",
			Usage: "write a byte-identical copy to this file",
		},
		cli.StringFlag{
			Name:  "compress",
			Usage: "write a snappy-compressed copy to this file",
		},
		cli.BoolFlag{
			Name:  "digest",
			Usage: "hash the input with BLAKE2b-256 and print the digest",
		},
		cli.BoolFlag{
			Name:  "count",
			Usage: "count the input bytes and print the total",
		},
		cli.IntFlag{
			Name:  "blockafter",
			Value: bifurcator.DefaultBlockAfter,
			Usage: "per-branch high watermark in bytes",
		},
		cli.IntFlag{
			Name:  "resumeafter",
			Value: bifurcator.DefaultResumeAfter,
			Usage: "per-branch low watermark in bytes",
		},
	}
	myApp.Action = run

	if err := myApp.Run(os.Args); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	in := c.String("in")
	blockAfter := c.Int("blockafter")
	resumeAfter := c.Int("resumeafter")

	var src bifurcator.Source
	if in == "-" || in == "" {
		src = netsrc.FromReader(os.Stdin)
	} else {
		f, err := os.Open(in)
		if err != nil {
			return errors.Wrap(err, "bifurcate: open input")
		}
		src = netsrc.FromReadCloser(f, false)
	}

	var branches []bifurcator.VoidBranchConfig
	describe := func(name string) func(error) {
		return func(err error) {
			color.Red("branch %s failed: %v", name, err)
		}
	}

	if path := c.String("copy"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrap(err, "bifurcate: create copy output")
		}
		defer f.Close()
		copyFn := decorators.CopyTo(f)
		branches = append(branches, bifurcator.VoidBranchConfig{
			Consumer: func(ctx context.Context, r bifurcator.ReadCloser) error {
				res, err := copyFn(ctx, r)
				if err == nil {
					log.Printf("copy: wrote %d bytes to %s", res.BytesWritten, path)
				}
				return err
			},
			OnError:     describe("copy"),
			BlockAfter:  blockAfter,
			ResumeAfter: resumeAfter,
		})
	}

	if path := c.String("compress"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrap(err, "bifurcate: create compressed output")
		}
		defer f.Close()
		compressFn := decorators.CompressingSink(f)
		branches = append(branches, bifurcator.VoidBranchConfig{
			Consumer: func(ctx context.Context, r bifurcator.ReadCloser) error {
				res, err := compressFn(ctx, r)
				if err == nil {
					log.Printf("compress: wrote %d plaintext bytes to %s", res.BytesWritten, path)
				}
				return err
			},
			OnError:     describe("compress"),
			BlockAfter:  blockAfter,
			ResumeAfter: resumeAfter,
		})
	}

	if c.Bool("digest") {
		digestFn := decorators.DigestSink(decorators.DigestBlake2b256)
		branches = append(branches, bifurcator.VoidBranchConfig{
			Consumer: func(ctx context.Context, r bifurcator.ReadCloser) error {
				res, err := digestFn(ctx, r)
				if err == nil {
					fmt.Printf("digest: %x (%d bytes)\n", res.Sum, res.Bytes)
				}
				return err
			},
			OnError:     describe("digest"),
			BlockAfter:  blockAfter,
			ResumeAfter: resumeAfter,
		})
	}

	if c.Bool("count") || len(branches) == 0 {
		countFn := decorators.CountingSink()
		branches = append(branches, bifurcator.VoidBranchConfig{
			Consumer: func(ctx context.Context, r bifurcator.ReadCloser) error {
				n, err := countFn(ctx, r)
				if err == nil {
					fmt.Printf("count: %d bytes\n", n)
				}
				return err
			},
			OnError:     describe("count"),
			BlockAfter:  blockAfter,
			ResumeAfter: resumeAfter,
		})
	}

	sc := bifurcator.SourceConfig{BubbleExceptions: true}
	err := bifurcator.BifurcateVoid(context.Background(), src, sc, branches)
	if err != nil {
		return errors.Wrap(err, "bifurcate: run")
	}
	return nil
}
