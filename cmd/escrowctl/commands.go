package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"btcescrow/cmd/internal/passphrase"
	"btcescrow/gateway/middleware"
	"btcescrow/native/invoice"
)

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	var (
		user     string
		operator bool
		ttl      time.Duration
	)
	fs.StringVar(&user, "user", "", "subject of the token")
	fs.BoolVar(&operator, "operator", false, "grant the operator scope")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(user) == "" {
		return printError(stderr, "--user is required")
	}
	if ttl <= 0 {
		return printError(stderr, "--ttl must be positive")
	}
	secret, err := passphrase.NewSource(envJWTSecret, "JWT signing secret").Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	var scopes []string
	if operator {
		scopes = append(scopes, middleware.ScopeOperator)
	}
	token, err := middleware.IssueToken(secret, strings.TrimSpace(user), scopes, ttl, ctlNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runCreate(c *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	var title, amount, currency, payee, note, notifyURL, key string
	fs.StringVar(&title, "title", "", "project title")
	fs.StringVar(&amount, "amount", "", "amount, e.g. 0.0015 BTC or 150000 SATS")
	fs.StringVar(&currency, "currency", "BTC", "BTC or SATS")
	fs.StringVar(&payee, "payee", "", "payee user id")
	fs.StringVar(&note, "note", "", "optional note")
	fs.StringVar(&notifyURL, "notify-url", "", "optional webhook URL")
	fs.StringVar(&key, "idempotency-key", "", "optional idempotency key")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(title) == "" {
		return printError(stderr, "--title is required")
	}
	if strings.TrimSpace(payee) == "" {
		return printError(stderr, "--payee is required")
	}
	cur, err := invoice.ParseCurrency(currency)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if _, err := invoice.ParseAmount(amount, cur); err != nil {
		return printError(stderr, err.Error())
	}
	body := map[string]interface{}{
		"projectTitle": title,
		"amount":       amount,
		"currency":     string(cur),
		"payeeId":      payee,
	}
	if note != "" {
		body["note"] = note
	}
	if notifyURL != "" {
		body["notificationUrl"] = notifyURL
	}
	var headers map[string]string
	if key = strings.TrimSpace(key); key != "" {
		headers = map[string]string{"Idempotency-Key": key}
	}
	raw, err := c.do(http.MethodPost, "/v1/invoices", nil, body, headers)
	return printResult(stdout, stderr, raw, err)
}

// invoiceArg returns the single positional invoice id.
func invoiceArg(fs *flag.FlagSet, stderr io.Writer) (string, bool) {
	rest := fs.Args()
	if len(rest) != 1 || strings.TrimSpace(rest[0]) == "" {
		printError(stderr, "exactly one invoice id is required")
		return "", false
	}
	return url.PathEscape(strings.TrimSpace(rest[0])), true
}

func runGet(c *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("get", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, ok := invoiceArg(fs, stderr)
	if !ok {
		return 1
	}
	raw, err := c.do(http.MethodGet, "/v1/invoices/"+id, nil, nil, nil)
	return printResult(stdout, stderr, raw, err)
}

func runHistory(c *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("history", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, ok := invoiceArg(fs, stderr)
	if !ok {
		return 1
	}
	raw, err := c.do(http.MethodGet, "/v1/invoices/"+id+"/history", nil, nil, nil)
	return printResult(stdout, stderr, raw, err)
}

func runMethod(c *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("method", stderr)
	var method string
	fs.StringVar(&method, "method", "", "lightning or onchain")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, ok := invoiceArg(fs, stderr)
	if !ok {
		return 1
	}
	m, err := invoice.ParseMethod(method)
	if err != nil {
		return printError(stderr, err.Error())
	}
	raw, err := c.do(http.MethodPost, "/v1/invoices/"+id+"/payment-method", nil, map[string]string{"method": string(m)}, nil)
	return printResult(stdout, stderr, raw, err)
}

// transition posts to an invoice action that takes no body.
func transition(action string) commandFunc {
	return func(c *client, args []string, stdout, stderr io.Writer) int {
		fs := newFlagSet(action, stderr)
		if err := fs.Parse(args); err != nil {
			return 1
		}
		id, ok := invoiceArg(fs, stderr)
		if !ok {
			return 1
		}
		raw, err := c.do(http.MethodPost, "/v1/invoices/"+id+"/"+action, nil, nil, nil)
		return printResult(stdout, stderr, raw, err)
	}
}

func runDispute(c *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("dispute", stderr)
	var reason string
	fs.StringVar(&reason, "reason", "", "why the delivery is disputed")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, ok := invoiceArg(fs, stderr)
	if !ok {
		return 1
	}
	raw, err := c.do(http.MethodPost, "/v1/invoices/"+id+"/dispute", nil, map[string]string{"reason": reason}, nil)
	return printResult(stdout, stderr, raw, err)
}

func runResolve(c *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("resolve", stderr)
	var accept, reject bool
	var note string
	fs.BoolVar(&accept, "accept", false, "escrow the received amount")
	fs.BoolVar(&reject, "reject", false, "fail the invoice")
	fs.StringVar(&note, "note", "", "operator note recorded with the decision")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, ok := invoiceArg(fs, stderr)
	if !ok {
		return 1
	}
	if accept == reject {
		return printError(stderr, "exactly one of --accept or --reject is required")
	}
	raw, err := c.do(http.MethodPost, "/v1/admin/invoices/"+id+"/reconcile", nil,
		map[string]interface{}{"accept": accept, "note": note}, nil)
	return printResult(stdout, stderr, raw, err)
}

func runFail(c *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("fail", stderr)
	var reason string
	fs.StringVar(&reason, "reason", "", "failure reason")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, ok := invoiceArg(fs, stderr)
	if !ok {
		return 1
	}
	if strings.TrimSpace(reason) == "" {
		return printError(stderr, "--reason is required")
	}
	raw, err := c.do(http.MethodPost, "/v1/admin/invoices/"+id+"/fail", nil, map[string]string{"reason": reason}, nil)
	return printResult(stdout, stderr, raw, err)
}

func runResume(c *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("resume", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, ok := invoiceArg(fs, stderr)
	if !ok {
		return 1
	}
	raw, err := c.do(http.MethodPost, "/v1/admin/invoices/"+id+"/payout/resume", nil, nil, nil)
	return printResult(stdout, stderr, raw, err)
}

func runSimulate(c *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("simulate", stderr)
	var target, action, amount string
	var confirmations int
	fs.StringVar(&target, "target", "", "payment target id")
	fs.StringVar(&action, "action", "pay", "pay or confirm")
	fs.StringVar(&amount, "amount", "", "amount paid, BTC with a decimal point or whole satoshis; defaults to the requested amount")
	fs.IntVar(&confirmations, "confirmations", 1, "confirmations to report for confirm")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(target) == "" {
		return printError(stderr, "--target is required")
	}
	action = strings.ToLower(strings.TrimSpace(action))
	if action != "pay" && action != "confirm" {
		return printError(stderr, "--action must be pay or confirm")
	}
	if _, err := invoice.ParseReceived(amount); err != nil {
		return printError(stderr, err.Error())
	}
	body := map[string]interface{}{"targetId": target, "action": action, "amount": amount, "confirmations": confirmations}
	raw, err := c.do(http.MethodPost, "/v1/admin/simulate", nil, body, nil)
	return printResult(stdout, stderr, raw, err)
}

func runReport(c *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("report", stderr)
	var date string
	fs.StringVar(&date, "date", "", "UTC day as YYYY-MM-DD; defaults to yesterday")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	query := url.Values{}
	if date = strings.TrimSpace(date); date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return printError(stderr, "--date must be YYYY-MM-DD")
		}
		query.Set("date", date)
	}
	raw, err := c.do(http.MethodGet, "/v1/admin/reports", query, nil, nil)
	return printResult(stdout, stderr, raw, err)
}

func runEvents(c *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	var after uint64
	var limit int
	var all bool
	fs.Uint64Var(&after, "after", 0, "return events with a larger sequence")
	fs.IntVar(&limit, "limit", 100, "maximum events to return")
	fs.BoolVar(&all, "all", false, "every user's events (operator)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if limit <= 0 {
		return printError(stderr, "--limit must be positive")
	}
	query := url.Values{}
	query.Set("after", strconv.FormatUint(after, 10))
	query.Set("limit", strconv.Itoa(limit))
	if all {
		query.Set("all", "true")
	}
	raw, err := c.do(http.MethodGet, "/v1/events", query, nil, nil)
	return printResult(stdout, stderr, raw, err)
}
