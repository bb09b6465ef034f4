// Command replay feeds a recorded NDJSON transcript into a running
// service, either as webhook POSTs or over the ingest websocket.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/antoniostano/discomi/internal/extract"
	"github.com/antoniostano/discomi/internal/protocol"
)

type options struct {
	baseURL   string
	userID    string
	token     string
	cronToken string
	input     string
	useWS     bool
	sweep     bool
	flush     bool
	delay     time.Duration
	timeout   time.Duration
	verbose   bool
}

type summary struct {
	lines     int
	fragments int
	flushes   int
	errors    int
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(2)
	}
	in, err := openInput(cfg.input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(2)
	}
	defer in.Close()

	sum, err := run(context.Background(), cfg, in, os.Stdout)
	fmt.Fprintf(os.Stdout, "lines=%d fragments=%d flushes=%d errors=%d\n", sum.lines, sum.fragments, sum.flushes, sum.errors)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	flagSet := pflag.NewFlagSet("replay", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "service base URL")
	flagSet.StringVar(&cfg.userID, "uid", "", "user id to replay as (required)")
	flagSet.StringVar(&cfg.token, "token", "", "ingest token issued at registration")
	flagSet.StringVar(&cfg.cronToken, "cron-token", "", "cron token for --sweep")
	flagSet.StringVarP(&cfg.input, "input", "i", "-", "NDJSON file of webhook bodies, - for stdin")
	flagSet.BoolVar(&cfg.useWS, "ws", false, "send fragments over the ingest websocket")
	flagSet.BoolVar(&cfg.sweep, "sweep", false, "trigger a sweep after the replay")
	flagSet.BoolVar(&cfg.flush, "flush", false, "request a flush of the active session when done (--ws only)")
	flagSet.DurationVar(&cfg.delay, "delay", 0, "pause between lines")
	flagSet.DurationVar(&cfg.timeout, "timeout", 2*time.Minute, "overall replay timeout")
	flagSet.BoolVarP(&cfg.verbose, "verbose", "v", false, "print each response")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.userID = strings.TrimSpace(cfg.userID)
	switch {
	case cfg.baseURL == "":
		return options{}, fmt.Errorf("base-url is required")
	case cfg.userID == "":
		return options{}, fmt.Errorf("uid is required")
	case cfg.sweep && cfg.cronToken == "":
		return options{}, fmt.Errorf("sweep requires --cron-token")
	case cfg.flush && !cfg.useWS:
		return options{}, fmt.Errorf("flush requires --ws")
	case cfg.timeout <= 0:
		return options{}, fmt.Errorf("timeout must be > 0")
	}
	if cfg.delay < 0 {
		cfg.delay = 0
	}
	return cfg, nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func run(ctx context.Context, cfg options, in io.Reader, out io.Writer) (summary, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	var (
		sum summary
		err error
	)
	if cfg.useWS {
		sum, err = replayWS(ctx, cfg, in, out)
	} else {
		sum, err = replayHTTP(ctx, cfg, in, out)
	}
	if err != nil {
		return sum, err
	}
	if cfg.sweep {
		if err := triggerSweep(ctx, cfg, out); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// lines yields the non-blank lines of r.
func lines(r io.Reader, fn func(line []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type ingestReply struct {
	Accepted  int    `json:"accepted"`
	SessionID string `json:"session_id"`
	Flushes   []struct {
		SessionID string `json:"session_id"`
		Outcome   string `json:"outcome"`
		Trigger   string `json:"trigger"`
	} `json:"flushes"`
	Partial  bool              `json:"partial"`
	Unplaced []json.RawMessage `json:"unplaced"`
	Code     string            `json:"code"`
	Error    string            `json:"error"`
}

func replayHTTP(ctx context.Context, cfg options, in io.Reader, out io.Writer) (summary, error) {
	client := &http.Client{Timeout: 45 * time.Second}
	target := cfg.baseURL + "/v1/transcripts?" + ingestQuery(cfg).Encode()

	var sum summary
	err := lines(in, func(line []byte) error {
		sum.lines++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(line))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		res, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("line %d: %w", sum.lines, err)
		}
		var reply ingestReply
		decodeErr := json.NewDecoder(res.Body).Decode(&reply)
		res.Body.Close()
		if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusAccepted {
			sum.errors++
			fmt.Fprintf(out, "line %d: status %d %s %s\n", sum.lines, res.StatusCode, reply.Code, reply.Error)
			return pause(ctx, cfg.delay)
		}
		if decodeErr != nil {
			return fmt.Errorf("line %d: decode response: %w", sum.lines, decodeErr)
		}
		sum.fragments += reply.Accepted
		sum.flushes += len(reply.Flushes)
		if reply.Partial {
			sum.errors++
			fmt.Fprintf(out, "line %d: partial accepted=%d unplaced=%d %s\n", sum.lines, reply.Accepted, len(reply.Unplaced), reply.Code)
		}
		if cfg.verbose {
			fmt.Fprintf(out, "line %d: session=%s accepted=%d\n", sum.lines, reply.SessionID, reply.Accepted)
		}
		for _, f := range reply.Flushes {
			fmt.Fprintf(out, "flush %s trigger=%s outcome=%s\n", f.SessionID, f.Trigger, f.Outcome)
		}
		return pause(ctx, cfg.delay)
	})
	return sum, err
}

func replayWS(ctx context.Context, cfg options, in io.Reader, out io.Writer) (summary, error) {
	wsURL, err := wsURLFor(cfg)
	if err != nil {
		return summary{}, err
	}
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if res != nil {
			return summary{}, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, res.StatusCode)
		}
		return summary{}, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	var connected protocol.SystemEvent
	if err := conn.ReadJSON(&connected); err != nil {
		return summary{}, fmt.Errorf("read greeting: %w", err)
	}

	extractor := extract.Default()
	var (
		sum summary
		seq int
	)
	err = lines(in, func(line []byte) error {
		sum.lines++
		frags, err := extractor.Fragments(line)
		if err != nil {
			sum.errors++
			fmt.Fprintf(out, "line %d: %v\n", sum.lines, err)
			return nil
		}
		for _, frag := range frags {
			seq++
			msg := protocol.TranscriptFragment{
				Type:    protocol.TypeTranscriptFragment,
				Seq:     seq,
				Text:    frag.Text,
				Speaker: frag.Speaker,
			}
			if frag.Timestamp != nil {
				msg.TSMs = frag.Timestamp.UnixMilli()
			}
			if err := conn.WriteJSON(msg); err != nil {
				return fmt.Errorf("send seq %d: %w", seq, err)
			}
			if err := awaitReply(conn, seq, &sum, out, cfg.verbose); err != nil {
				return err
			}
		}
		return pause(ctx, cfg.delay)
	})
	if err != nil {
		return sum, err
	}

	if cfg.flush {
		if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionFlush}); err != nil {
			return sum, fmt.Errorf("send flush: %w", err)
		}
		if err := awaitReply(conn, 0, &sum, out, cfg.verbose); err != nil {
			return sum, err
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return sum, nil
}

type wsReply struct {
	Type      protocol.MessageType `json:"type"`
	Seq       int                  `json:"seq"`
	SessionID string               `json:"session_id"`
	Trigger   string               `json:"trigger"`
	Outcome   string               `json:"outcome"`
	Code      string               `json:"code"`
	Detail    string               `json:"detail"`
}

// awaitReply reads server messages until the ack or error for seq arrives.
// A seq of zero waits for a flush_event or error_event instead.
func awaitReply(conn *websocket.Conn, seq int, sum *summary, out io.Writer, verbose bool) error {
	for {
		var msg wsReply
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read reply: %w", err)
		}
		switch msg.Type {
		case protocol.TypeFlushEvent:
			sum.flushes++
			fmt.Fprintf(out, "flush %s trigger=%s outcome=%s\n", msg.SessionID, msg.Trigger, msg.Outcome)
			if seq == 0 {
				return nil
			}
		case protocol.TypeFragmentAck:
			if msg.Seq != seq {
				continue
			}
			sum.fragments++
			if verbose {
				fmt.Fprintf(out, "seq %d: session=%s\n", msg.Seq, msg.SessionID)
			}
			return nil
		case protocol.TypeErrorEvent:
			sum.errors++
			fmt.Fprintf(out, "seq %d: %s %s\n", msg.Seq, msg.Code, msg.Detail)
			if msg.Seq == seq {
				return nil
			}
		}
	}
}

func triggerSweep(ctx context.Context, cfg options, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/cron/sweep", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Cron-Token", cfg.cronToken)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("sweep: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Fprintf(out, "sweep: %s\n", strings.TrimSpace(string(body)))
	return nil
}

func ingestQuery(cfg options) url.Values {
	q := url.Values{}
	q.Set("uid", cfg.userID)
	if cfg.token != "" {
		q.Set("token", cfg.token)
	}
	return q
}

func wsURLFor(cfg options) (string, error) {
	u, err := url.Parse(cfg.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base-url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/transcripts/ws"
	u.RawQuery = ingestQuery(cfg).Encode()
	return u.String(), nil
}
