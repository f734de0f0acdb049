package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/chronologos/rdp/internal/client"
	"github.com/chronologos/rdp/internal/server"
	"github.com/chronologos/rdp/internal/transport"
	"github.com/chronologos/rdp/internal/version"
)

// Exit codes shared by both sides.
const (
	exitOK      = 0
	exitArgs    = 1
	exitInvalid = 2

	exitFailure     = 6   // anything the usage line does not name
	exitInterrupted = 130 // stopped by SIGINT or SIGTERM
)

// Server exit codes.
const (
	exitServerFile   = 3
	exitServerSocket = 4
	exitServerBind   = 5
)

// Client exit codes.
const (
	exitClientSocket = 3
	exitClientExists = 4
	exitClientFile   = 5
)

// globalFlags holds double-dash flags parsed from os.Args before dispatch.
// rest contains the remaining arguments with global flags stripped.
type globalFlags struct {
	version bool
	shared  bool
	profile bool
	verbose bool
	tos     int
	seed    int64
	retries int
	outDir  string
	rest    []string
}

// parseGlobalFlags extracts double-dash flags from os.Args and returns
// the parsed values plus remaining args. Supports --flag and --flag=value forms.
func parseGlobalFlags(args []string) globalFlags {
	var g globalFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		takeValue := func() string {
			if hasValue {
				return value
			}
			if i+1 < len(args) {
				i++
				return args[i]
			}
			return ""
		}
		switch name {
		case "--version":
			g.version = true
		case "--shared":
			g.shared = true
		case "--profile":
			g.profile = true
		case "--verbose":
			g.verbose = true
		case "--tos":
			g.tos, _ = strconv.Atoi(takeValue())
		case "--seed":
			g.seed, _ = strconv.ParseInt(takeValue(), 10, 64)
		case "--connect-retries":
			g.retries, _ = strconv.Atoi(takeValue())
		case "--out":
			g.outDir = takeValue()
		default:
			g.rest = append(g.rest, arg)
		}
	}
	return g
}

func (g globalFlags) logger() *slog.Logger {
	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (g globalFlags) mode() transport.Mode {
	if g.shared {
		return transport.ModeShared
	}
	return transport.ModeUDP
}

func main() {
	gf := parseGlobalFlags(os.Args[1:])

	if gf.version || (len(gf.rest) > 0 && gf.rest[0] == "version") {
		fmt.Println(version.String())
		os.Exit(exitOK)
	}

	base := filepath.Base(os.Args[0])

	switch {
	case base == "rdp-server":
		os.Exit(runServer(gf, gf.rest))
	case base == "rdp-client":
		os.Exit(runClient(gf, gf.rest))
	case len(gf.rest) > 0 && gf.rest[0] == "server":
		os.Exit(runServer(gf, gf.rest[1:]))
	case len(gf.rest) > 0 && gf.rest[0] == "client":
		os.Exit(runClient(gf, gf.rest[1:]))
	default:
		usage()
		os.Exit(exitArgs)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: rdp server <UDP port> <filename> <N max clients> <loss probability>")
	fmt.Fprintln(os.Stderr, "       rdp client <server address> <server port> <loss probability>")
	fmt.Fprintln(os.Stderr, "       rdp version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "flags:")
	fmt.Fprintln(os.Stderr, "  --version                print version and exit")
	fmt.Fprintln(os.Stderr, "  --verbose                log every packet")
	fmt.Fprintln(os.Stderr, "  --seed <n>               seed the loss simulator (default: random)")
	fmt.Fprintln(os.Stderr, "  --tos <n>                IPv4 TOS byte for outgoing datagrams")
	fmt.Fprintln(os.Stderr, "  --shared                 server: share the UDP port with QUIC")
	fmt.Fprintln(os.Stderr, "  --out <dir>              client: directory for the received file")
	fmt.Fprintln(os.Stderr, "  --connect-retries <n>    client: connect requests before giving up (default: 1)")
	fmt.Fprintln(os.Stderr, "  --profile                client: print transfer stats to stderr")
}

// parsePort accepts 1-65535.
func parsePort(s string) (int, bool) {
	port, err := strconv.Atoi(s)
	return port, err == nil && port > 0 && port <= 65535
}

func parseProbability(s string) (float64, bool) {
	p, err := strconv.ParseFloat(s, 64)
	return p, err == nil && transport.ValidProbability(p)
}

func runServer(gf globalFlags, args []string) int {
	if len(args) < 4 {
		fmt.Fprintln(os.Stderr, "4 arguments needed: <UDP port> <filename> <N max clients> <loss probability>")
		return exitArgs
	}

	port, okPort := parsePort(args[0])
	n, err := strconv.Atoi(args[2])
	okN := err == nil && n >= 1
	prob, okProb := parseProbability(args[3])
	if !okPort || !okN || !okProb {
		fmt.Fprintln(os.Stderr, "error: the port must be 1-65535, N must be >= 1,")
		fmt.Fprintln(os.Stderr, " and the loss probability must be between 0 and 1")
		return exitInvalid
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := server.New(server.Config{
		Port:       port,
		File:       args[1],
		MaxClients: n,
		Loss:       prob,
		Seed:       gf.seed,
		Mode:       gf.mode(),
		TOS:        gf.tos,
		Logger:     gf.logger(),
	})

	return serverExit(s.Run(ctx))
}

// serverExit prints a diagnostic for err and returns the exit code.
func serverExit(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, server.ErrSourceFile):
		fmt.Fprintf(os.Stderr, "error: the file does not exist or could not be opened: %v\n", err)
		return exitServerFile
	case errors.Is(err, server.ErrSocket):
		fmt.Fprintf(os.Stderr, "error: socket is invalid: %v\n", err)
		return exitServerSocket
	case errors.Is(err, server.ErrBind):
		fmt.Fprintf(os.Stderr, "error: could not establish bind point: %v\n", err)
		return exitServerBind
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "interrupted, shutting down")
		return exitInterrupted
	default:
		fmt.Fprintf(os.Stderr, "server exited: %v\n", err)
		return exitFailure
	}
}

func runClient(gf globalFlags, args []string) int {
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "3 arguments needed: <server address> <server port> <loss probability>")
		return exitArgs
	}

	port, okPort := parsePort(args[1])
	prob, okProb := parseProbability(args[2])
	if !okPort || !okProb {
		fmt.Fprintln(os.Stderr, "error: the port must be 1-65535,")
		fmt.Fprintln(os.Stderr, " and the loss probability must be between 0 and 1")
		return exitInvalid
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redraw a progress line only when a person is watching.
	var progress func(client.Progress)
	drew := false
	if term.IsTerminal(int(os.Stderr.Fd())) {
		progress = func(p client.Progress) {
			drew = true
			fmt.Fprintf(os.Stderr, "\rreceived %d chunks (%s)", p.Chunks, client.FormatBytes(p.Bytes))
		}
	}

	c := client.New(client.Config{
		Host:            args[0],
		Port:            port,
		Loss:            prob,
		Seed:            gf.seed,
		TOS:             gf.tos,
		OutputDir:       gf.outDir,
		ConnectAttempts: gf.retries,
		Profile:         gf.profile,
		Progress:        progress,
		Logger:          gf.logger(),
	})

	err := c.Run(ctx)
	if drew {
		fmt.Fprintln(os.Stderr)
	}
	return clientExit(err, c.OutputPath())
}

// clientExit prints a diagnostic for err and returns the exit code.
func clientExit(err error, output string) int {
	switch {
	case err == nil:
		fmt.Fprintf(os.Stderr, "FILE %s: download complete\n", output)
		return exitOK
	case errors.Is(err, client.ErrAddress):
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitInvalid
	case errors.Is(err, client.ErrSocket):
		fmt.Fprintf(os.Stderr, "error: socket is invalid: %v\n", err)
		return exitClientSocket
	case errors.Is(err, client.ErrFileExists):
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitClientExists
	case errors.Is(err, client.ErrOutput), errors.Is(err, client.ErrProtocol):
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitClientFile
	case errors.Is(err, client.ErrDenied):
		fmt.Fprintln(os.Stderr, "received a deny packet, terminating")
		return exitOK
	case errors.Is(err, client.ErrConnectTimeout):
		fmt.Fprintln(os.Stderr, "error: no response to connect request within the time limit, terminating")
		return exitOK
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "interrupted, terminating")
		return exitInterrupted
	default:
		fmt.Fprintf(os.Stderr, "client exited: %v\n", err)
		return exitFailure
	}
}
