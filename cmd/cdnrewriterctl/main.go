package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jordanhubbard/cdnrewriter/internal/httpapi"
)

var version = "dev"

// loadEnvFile reads ~/.cdnrewriter/env and sets any key=value pairs not
// already present in the process environment.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(home + "/.cdnrewriter/env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if os.Getenv(strings.TrimSpace(k)) == "" {
			_ = os.Setenv(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
}

func main() {
	loadEnvFile()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("cdnrewriterctl %s\n", version)
	case "status":
		doStatus()
	case "clean":
		doClean(args)
	case "paths", "path":
		doPaths(args)
	case "queue":
		doQueue(args)
	case "settings", "setting":
		doSettings(args)
	case "uninstall":
		doUninstall(args)
	case "events":
		doEvents()
	case "hash-token":
		doHashToken(args)
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "%s is not a valid command.\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `cdnrewriterctl: CLI for the cdnrewriter admin API

Usage: cdnrewriterctl <command> [arguments]

Environment:
  CDNREWRITER_URL          Base URL (default: http://localhost:8095)
  CDNREWRITER_ADMIN_TOKEN  Bearer token for admin endpoints

  ~/.cdnrewriter/env       Auto-sourced on startup.
                           Explicit environment variables take precedence.

Commands:
  status                          Show CDN URL, path counts and processing state

  clean all                       Delete all stored paths
  clean expired                   Delete active and inactive paths past their TTL
  clean starting-with <path>      Delete paths that start with <path>

  paths list [type[,type]]        List stored paths (active, inactive, queue)

  queue process                   Process every queued path now

  settings get                    Show the CDN base URL
  settings set <url>              Set the CDN base URL (wipes stored paths)
  settings delete                 Remove the CDN base URL

  uninstall --yes                 Remove all persisted data
  events                          Stream real-time SSE events
  hash-token <token>              Print a bcrypt hash for CDNREWRITER_ADMIN_TOKEN_HASH

  version                         Show version
  help                            Show this help

Examples:
  cdnrewriterctl settings set https://cdn.example.com
  cdnrewriterctl clean starting-with /wp-content/plugins/foo/
  cdnrewriterctl paths list active,queue
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("CDNREWRITER_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8095"
}

func adminToken() string {
	return os.Getenv("CDNREWRITER_ADMIN_TOKEN")
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, baseURL()+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := adminToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return http.DefaultClient.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest("GET", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path, bodyJSON string) map[string]any {
	resp, err := doRequest("POST", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPut(path, bodyJSON string) map[string]any {
	resp, err := doRequest("PUT", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doDelete(path string) map[string]any {
	resp, err := doRequest("DELETE", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	result, err := decodeResponse(resp)
	fatal(err)
	return result
}

// decodeResponse returns the JSON object body, or the server's error
// message for status codes >= 400.
func decodeResponse(resp *http.Response) (map[string]any, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	jerr := json.Unmarshal(data, &result)
	if resp.StatusCode >= 400 {
		if msg, ok := result["error"].(string); ok && jerr == nil {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if jerr != nil {
		return nil, fmt.Errorf("decode response: %w", jerr)
	}
	return result, nil
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: cdnrewriterctl %s\n", usage)
		os.Exit(1)
	}
}

func success(msg string) {
	fmt.Printf("Success: %s\n", msg)
}

// --- Commands ---

func doStatus() {
	st := doGet("/admin/v1/status")
	cdn, _ := st["cdn_url"].(string)
	if cdn == "" {
		cdn = "(not configured)"
	}
	processing := "idle"
	if st["processing"] == true {
		processing = "running"
	}
	fmt.Printf("cdnrewriter %v\n", st["version"])
	fmt.Printf("  CDN URL:     %s\n", cdn)
	fmt.Printf("  Active:      %s\n", fmtNum(st["active"]))
	fmt.Printf("  Inactive:    %s\n", fmtNum(st["inactive"]))
	fmt.Printf("  Queued:      %s\n", fmtNum(st["queued"]))
	fmt.Printf("  Processing:  %s\n", processing)
	if d, ok := st["dispatch"].(map[string]any); ok {
		fmt.Printf("  Dispatch:    %v (trips %s)\n", d["state"], fmtNum(d["trips"]))
	}
}

func doClean(args []string) {
	requireArgs(args, 1, "clean all|expired|starting-with <path>")
	switch args[0] {
	case "all":
		doPost("/admin/v1/clean", mustJSON(map[string]string{"action": "all"}))
		success("All paths were deleted.")
	case "expired":
		res := doPost("/admin/v1/clean", mustJSON(map[string]string{"action": "expired"}))
		success(fmt.Sprintf("Expired paths were deleted (%s removed).", fmtNum(res["removed"])))
	case "starting-with":
		requireArgs(args, 2, "clean starting-with <path>")
		res := doPost("/admin/v1/clean", mustJSON(map[string]string{"action": "starting-with", "path": args[1]}))
		success(fmt.Sprintf("Paths that start with %s were deleted (%s removed).", args[1], fmtNum(res["removed"])))
	default:
		fatal(fmt.Errorf("%s is not a valid command", args[0]))
	}
}

func doPaths(args []string) {
	requireArgs(args, 1, "paths list [active|inactive|queue]")
	if args[0] != "list" {
		fatal(fmt.Errorf("%s is not a valid command", args[0]))
	}
	types := []string{"active", "inactive", "queue"}
	path := "/admin/v1/paths"
	if len(args) > 1 {
		types = strings.Split(args[1], ",")
		path += "?type=" + url.QueryEscape(args[1])
	}
	res := doGet(path)
	rows, _ := res["paths"].([]any)
	printPaths(os.Stdout, types, rows, time.Now())
}

var pathHeadings = map[string][2]string{
	"active":   {"Paths that can be rewritten (active):", "There are no stored paths that can be rewritten (active)."},
	"inactive": {"Paths that are not rewritten (inactive):", "There are no stored paths that are not rewritten (inactive)."},
	"queue":    {"Paths to process (queued):", "There are no stored paths to process (queued)."},
}

// printPaths renders one table per requested type.
func printPaths(w io.Writer, types []string, rows []any, now time.Time) {
	byType := make(map[string][]map[string]any)
	for _, r := range rows {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		st, _ := m["status"].(string)
		byType[st] = append(byType[st], m)
	}

	for _, typ := range types {
		typ = strings.TrimSpace(typ)
		head, ok := pathHeadings[typ]
		if !ok {
			continue
		}
		items := byType[typ]
		if len(items) == 0 {
			_, _ = fmt.Fprintln(w, head[1])
			continue
		}
		_, _ = fmt.Fprintln(w, head[0])
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		switch typ {
		case "active":
			_, _ = fmt.Fprintln(tw, "RELATIVE PATH\tREMOTE PATH\tTIMEOUT")
		case "inactive":
			_, _ = fmt.Fprintln(tw, "RELATIVE PATH\tTIMEOUT")
		case "queue":
			_, _ = fmt.Fprintln(tw, "RELATIVE PATH\tHANDLE\tDEPENDENCY TYPE\tTIMEOUT")
		}
		for _, m := range items {
			p, _ := m["path"].(string)
			ttl := humanTTL(toInt64(m["ttl"]), now)
			switch typ {
			case "active":
				remote, _ := m["remote_url"].(string)
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", p, orDash(remote), ttl)
			case "inactive":
				_, _ = fmt.Fprintf(tw, "%s\t%s\n", p, ttl)
			case "queue":
				handle, _ := m["handle"].(string)
				dep, _ := m["type"].(string)
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p, orDash(handle), orDash(dep), ttl)
			}
		}
		_ = tw.Flush()
	}
}

// humanTTL formats a unix expiry relative to now: "in 6 days", "2 hours ago".
func humanTTL(ttl int64, now time.Time) string {
	if ttl == 0 {
		return "-"
	}
	t := time.Unix(ttl, 0)
	if !t.After(now) {
		return humanize.RelTime(t, now, "ago", "")
	}
	return "in " + strings.TrimSpace(humanize.RelTime(t, now, "", ""))
}

func doQueue(args []string) {
	requireArgs(args, 1, "queue process")
	if args[0] != "process" {
		fatal(fmt.Errorf("%s is not a valid command", args[0]))
	}
	res := doPost("/admin/v1/queue/process", "{}")
	success(fmt.Sprintf("Queue was processed (%s activated, %s deactivated, %s retried, %s remaining).",
		fmtNum(res["activated"]), fmtNum(res["deactivated"]), fmtNum(res["retried"]), fmtNum(res["remaining"])))
}

func doSettings(args []string) {
	requireArgs(args, 1, "settings get|set <url>|delete")
	switch args[0] {
	case "get":
		res := doGet("/admin/v1/settings/cdn-url")
		if v, _ := res["cdn_url"].(string); v != "" {
			fmt.Println(v)
			return
		}
		fmt.Println("(not configured)")
	case "set":
		requireArgs(args, 2, "settings set <url>")
		res := doPut("/admin/v1/settings/cdn-url", mustJSON(map[string]string{"cdn_url": args[1]}))
		success(fmt.Sprintf("CDN URL set to %v.", res["cdn_url"]))
	case "delete":
		doDelete("/admin/v1/settings/cdn-url")
		success("CDN URL removed.")
	default:
		fatal(fmt.Errorf("%s is not a valid command", args[0]))
	}
}

func doUninstall(args []string) {
	if len(args) == 0 || args[0] != "--yes" {
		fatal(fmt.Errorf("uninstall removes all stored data; rerun with --yes"))
	}
	doPost("/admin/v1/uninstall", "{}")
	success("All data removed.")
}

func doHashToken(args []string) {
	requireArgs(args, 1, "hash-token <token>")
	hash, err := httpapi.HashAdminToken(args[0])
	fatal(err)
	fmt.Println(hash)
}

func doEvents() {
	resp, err := doRequest("GET", "/admin/v1/events", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, err := decodeResponse(resp)
		fatal(err)
	}

	fmt.Println("Streaming events (Ctrl-C to stop)...")
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if line := formatEventLine(sc.Text(), time.Now()); line != "" {
			fmt.Println(line)
		}
	}
	fmt.Println("Event stream closed.")
}

// formatEventLine renders one SSE data line; other lines yield "".
func formatEventLine(line string, now time.Time) string {
	payload, ok := strings.CutPrefix(strings.TrimSpace(line), "data:")
	if !ok {
		return ""
	}
	var evt map[string]any
	if json.Unmarshal([]byte(strings.TrimSpace(payload)), &evt) != nil {
		return ""
	}
	typ, _ := evt["type"].(string)
	if typ == "" {
		return ""
	}
	out := fmt.Sprintf("[%s] %s", now.Format("15:04:05"), typ)
	for _, k := range []string{"path", "outcome", "setting", "action", "kind", "plugin", "reason"} {
		if v, ok := evt[k].(string); ok && v != "" {
			out += fmt.Sprintf("  %s=%s", k, v)
		}
	}
	for _, k := range []string{"processed", "activated", "deactivated", "removed"} {
		if v, ok := evt[k]; ok {
			out += fmt.Sprintf("  %s=%s", k, fmtNum(v))
		}
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return strconv.Itoa(int(n))
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}
