// updatectl talks to a running updaterd over its admin HTTP API. Handy over
// SSH when the web dashboard is unreachable.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/keukalabs/updaterd/internal/api"
	"github.com/keukalabs/updaterd/internal/version"
)

func main() {
	client := &http.Client{Timeout: 30 * time.Second}
	baseURL := fmt.Sprintf("http://%s:%d", api.DefaultHost, api.DefaultPort)
	if addr := os.Getenv("SENSOR_LISTEN_ADDR"); addr != "" {
		baseURL = "http://" + addr
	}
	os.Exit(run(os.Args[1:], client, baseURL, os.Stdout, os.Stderr))
}

func run(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	if len(args) < 1 {
		usage(errOut)
		return 2
	}

	switch args[0] {
	case "start":
		return post(client, baseURL+"/admin/update/start", out, errOut)
	case "cancel":
		return post(client, baseURL+"/admin/update/cancel", out, errOut)
	case "status":
		return status(args[1:], client, baseURL, out, errOut)
	case "version":
		return remoteVersion(client, baseURL, out, errOut)
	case "build":
		_, _ = fmt.Fprintf(out, "updatectl %s (%s)\n", version.Version, version.Commit)
		return 0
	default:
		usage(errOut)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage:")
	_, _ = fmt.Fprintln(w, "  updatectl start")
	_, _ = fmt.Fprintln(w, "  updatectl cancel")
	_, _ = fmt.Fprintln(w, "  updatectl status [--tail N]")
	_, _ = fmt.Fprintln(w, "  updatectl version")
	_, _ = fmt.Fprintln(w, "  updatectl build")
	_, _ = fmt.Fprintln(w, "set SENSOR_LISTEN_ADDR to reach a non-default daemon address")
}

func post(client *http.Client, url string, out, errOut io.Writer) int {
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return fail(errOut, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(errOut, err)
	}
	if resp.StatusCode >= 400 {
		return fail(errOut, fmt.Errorf("request failed: %s: %s", resp.Status, string(body)))
	}
	_, _ = out.Write(body)
	return 0
}

func status(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(errOut)
	tail := fs.Int("tail", 0, "show only the last N log lines")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	resp, err := client.Get(baseURL + "/admin/update/status")
	if err != nil {
		return fail(errOut, err)
	}
	defer resp.Body.Close()

	var st api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fail(errOut, err)
	}

	_, _ = fmt.Fprintf(out, "state: %s\n", st.State)
	if st.StartedAtISO != "" {
		_, _ = fmt.Fprintf(out, "started: %s\n", st.StartedAtISO)
	}
	if st.FinishedAtISO != "" {
		_, _ = fmt.Fprintf(out, "finished: %s\n", st.FinishedAtISO)
	}
	logs := st.Logs
	if *tail > 0 && len(logs) > *tail {
		logs = logs[len(logs)-*tail:]
	}
	for _, line := range logs {
		_, _ = fmt.Fprintln(out, line)
	}
	return 0
}

func remoteVersion(client *http.Client, baseURL string, out, errOut io.Writer) int {
	resp, err := client.Get(baseURL + "/admin/version")
	if err != nil {
		return fail(errOut, err)
	}
	defer resp.Body.Close()

	var v api.VersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return fail(errOut, err)
	}
	_, _ = fmt.Fprintf(out, "local:  %s (%s)\n", v.LocalShort, v.LocalSource)
	_, _ = fmt.Fprintf(out, "remote: %s\n", v.RemoteShort)
	switch {
	case v.Error != "":
		_, _ = fmt.Fprintf(out, "error: %s\n", v.Error)
	case v.UpToDate:
		_, _ = fmt.Fprintln(out, "up to date")
	default:
		_, _ = fmt.Fprintln(out, "update available")
	}
	return 0
}

func fail(errOut io.Writer, err error) int {
	_, _ = fmt.Fprintln(errOut, "error:", err)
	return 1
}
