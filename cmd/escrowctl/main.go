package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	envURL       = "ESCROWCTL_URL"
	envToken     = "ESCROWCTL_TOKEN"
	envJWTSecret = "ESCROWCTL_JWT_SECRET"
	defaultURL   = "http://localhost:8085"
)

var ctlNow = time.Now

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type globalOptions struct {
	baseURL string
	token   string
	timeout time.Duration
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("escrowctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	var opts globalOptions
	fs.StringVar(&opts.baseURL, "url", envOr(envURL, defaultURL), "escrowd base URL")
	fs.StringVar(&opts.token, "token", os.Getenv(envToken), "bearer token")
	fs.DurationVar(&opts.timeout, "timeout", 60*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	cmd, cmdArgs := rest[0], rest[1:]
	if cmd == "token" {
		return runToken(cmdArgs, stdout, stderr)
	}
	handler, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		fmt.Fprintln(stderr, usage())
		return 1
	}
	if strings.TrimSpace(opts.token) == "" {
		return printError(stderr, "a bearer token is required; pass --token, set "+envToken+" or run escrowctl token")
	}
	return handler(newClient(opts), cmdArgs, stdout, stderr)
}

type commandFunc func(c *client, args []string, stdout, stderr io.Writer) int

var commands map[string]commandFunc

func init() {
	commands = map[string]commandFunc{
		"create":   runCreate,
		"get":      runGet,
		"history":  runHistory,
		"method":   runMethod,
		"deliver":  transition("deliver"),
		"accept":   transition("accept"),
		"cancel":   transition("cancel"),
		"retry":    transition("retry"),
		"dispute":  runDispute,
		"resolve":  runResolve,
		"fail":     runFail,
		"resume":   runResume,
		"simulate": runSimulate,
		"report":   runReport,
		"events":   runEvents,
		"watch":    runWatch,
	}
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrowctl [--url URL] [--token TOKEN] <command> [flags]

Commands:
  token     Mint a bearer token from the shared JWT secret
  create    Create an invoice
  get       Show an invoice
  history   Show an invoice's status transitions
  method    Choose lightning or onchain and print the payment target
  deliver   Mark work delivered (payee)
  accept    Accept delivery and release the escrow (payer)
  dispute   Dispute an escrowed invoice (payer)
  cancel    Cancel a pending invoice (payer)
  retry     Re-open an expired or failed invoice (payer)
  resolve   Accept or reject a reconciliation flag (operator)
  fail      Fail an invoice (operator)
  resume    Re-drive a stuck payout (operator)
  simulate  Pay or confirm a simulated payment target (operator)
  report    Generate the reconciliation export for a day (operator)
  events    Replay events after a cursor
  watch     Stream events over a websocket
`)
}
