// ABOUTME: Stand-in agent binary for manual and e2e testing of the relay's supervisor.
// ABOUTME: Usage: fake-kiro acp --agent <profile> --cwd <dir> [--ignore-term] [--exit-after 5s]
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type options struct {
	agent      string
	cwd        string
	ignoreTerm bool
	exitAfter  time.Duration
}

func parseArgs(args []string) (options, error) {
	if len(args) == 0 || args[0] != "acp" {
		return options{}, errors.New(`expected "acp" subcommand`)
	}

	var opts options
	fs := flag.NewFlagSet("fake-kiro acp", flag.ContinueOnError)
	fs.StringVar(&opts.agent, "agent", "default", "Agent profile")
	fs.StringVar(&opts.cwd, "cwd", "", "Working directory")
	fs.BoolVar(&opts.ignoreTerm, "ignore-term", false, "Ignore SIGTERM (exercises the kill path)")
	fs.DurationVar(&opts.exitAfter, "exit-after", 0, "Exit on its own after this long")
	if err := fs.Parse(args[1:]); err != nil {
		return options{}, err
	}
	return opts, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, os.Interrupt)
	go func() {
		for sig := range signals {
			if opts.ignoreTerm && sig == syscall.SIGTERM {
				log.Printf("ignoring %s", sig)
				continue
			}
			os.Exit(0)
		}
	}()

	if opts.exitAfter > 0 {
		time.AfterFunc(opts.exitAfter, func() { os.Exit(3) })
	}

	log.SetOutput(os.Stderr)
	log.Printf("fake-kiro agent=%s cwd=%s pid=%d", opts.agent, opts.cwd, os.Getpid())

	if err := run(os.Stdin, os.Stdout, opts); err != nil {
		log.Fatal(err)
	}
}

// run answers every JSON object line on in with an echo frame on out.
// Lines that are not JSON objects are reported on stderr and skipped.
func run(in io.Reader, out io.Writer, opts options) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg map[string]any
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Printf("skipping non-object line: %v", err)
			continue
		}

		if err := enc.Encode(echoReply(opts.agent, msg)); err != nil {
			return fmt.Errorf("writing reply: %w", err)
		}
	}
	return scanner.Err()
}

func echoReply(agent string, msg map[string]any) map[string]any {
	return map[string]any{
		"type":     "fake-kiro-echo",
		"agent":    agent,
		"received": msg,
	}
}
