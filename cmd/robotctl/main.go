// Command robotctl sends one control request to robotd and prints the reply.
//
//	robotctl --addr 127.0.0.1:7400 enable
//	robotctl set_user --user alice
//	robotctl set_config --config-file gains.yaml --token "$ROBOT_TOKEN"
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/danmuck/robctl/internal/backend/sim"
	"github.com/danmuck/robctl/internal/logging"
	"github.com/danmuck/robctl/internal/protocol/control"
	"github.com/danmuck/robctl/internal/transport"
	"github.com/spf13/pflag"
)

type clientFlags struct {
	addr       string
	user       string
	config     string
	configFile string
	token      string
	messageID  uint64
	timeout    time.Duration
	asJSON     bool

	tlsEnabled bool
	caFile     string
	certFile   string
	keyFile    string
	serverName string
}

func (f *clientFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.addr, "addr", "a", "127.0.0.1:7400", "robotd control address")
	fs.StringVar(&f.user, "user", "", "user id for set_user")
	fs.StringVar(&f.config, "config", "", "inline config blob for set_config")
	fs.StringVar(&f.configFile, "config-file", "", "read the set_config blob from this file")
	fs.StringVar(&f.token, "token", "", "auth token carried in the request frame")
	fs.Uint64Var(&f.messageID, "id", 0, "message id (default: derived from the clock)")
	fs.DurationVar(&f.timeout, "timeout", 10*time.Second, "overall request timeout")
	fs.BoolVar(&f.asJSON, "json", false, "print the reply as JSON")
	fs.BoolVar(&f.tlsEnabled, "tls", false, "connect with TLS")
	fs.StringVar(&f.caFile, "ca-file", "", "CA bundle used to verify robotd")
	fs.StringVar(&f.certFile, "cert-file", "", "client certificate for mutual TLS")
	fs.StringVar(&f.keyFile, "key-file", "", "client key for mutual TLS")
	fs.StringVar(&f.serverName, "server-name", "", "TLS server name override")
}

func main() {
	logging.ConfigureRuntime("robotctl", "")
	code, err := run(context.Background(), os.Args[1:], os.Stdout)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "robotctl: %v\n", err)
	}
	os.Exit(code)
}

// run returns exit status 0 for a success reply, 2 for an error reply and 1
// when no reply was received.
func run(ctx context.Context, args []string, out io.Writer) (int, error) {
	var flags clientFlags
	fs := pflag.NewFlagSet("robotctl", pflag.ContinueOnError)
	flags.register(fs)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: robotctl [flags] <request>\n\nrequests:\n")
		for _, code := range control.AllRequests() {
			fmt.Fprintf(os.Stderr, "  %s\n", strings.ToLower(strings.TrimPrefix(code.String(), "ROBOT_REQ_")))
		}
		fmt.Fprintf(os.Stderr, "\nflags:\n%s", fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		return 1, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1, fmt.Errorf("expected exactly one request name")
	}

	req, err := buildRequest(fs.Arg(0), flags)
	if err != nil {
		return 1, err
	}

	ctx, cancel := context.WithTimeout(ctx, flags.timeout)
	defer cancel()
	rep, err := send(ctx, flags, req)
	if err != nil {
		return 1, err
	}
	if err := printReply(out, rep, flags.asJSON); err != nil {
		return 1, err
	}
	if rep.IsError() {
		return 2, nil
	}
	return 0, nil
}

func buildRequest(name string, flags clientFlags) (control.Request, error) {
	code, ok := control.ParseRequestCode(strings.TrimSpace(name))
	if !ok {
		return control.Request{}, fmt.Errorf("unknown request %q", name)
	}
	req := control.Request{
		MessageID: flags.messageID,
		Code:      code,
		UserID:    flags.user,
	}
	if req.MessageID == 0 {
		req.MessageID = uint64(time.Now().UnixNano())
	}
	if flags.token != "" {
		req.Auth = []byte(flags.token)
	}
	switch {
	case flags.configFile != "":
		blob, err := os.ReadFile(flags.configFile)
		if err != nil {
			return control.Request{}, fmt.Errorf("read config file: %w", err)
		}
		req.Config = blob
	case flags.config != "":
		req.Config = []byte(flags.config)
	}
	if err := req.Validate(); err != nil {
		return control.Request{}, err
	}
	return req, nil
}

func send(ctx context.Context, flags clientFlags, req control.Request) (control.Reply, error) {
	cfg := transport.DefaultConfig()
	cfg.MaxConnectAttempts = 3
	cfg.TLS = transport.TLSConfig{
		Enabled:    flags.tlsEnabled,
		Mutual:     flags.certFile != "",
		CAFile:     flags.caFile,
		CertFile:   flags.certFile,
		KeyFile:    flags.keyFile,
		ServerName: flags.serverName,
	}

	conn, err := transport.Dial(ctx, flags.addr, cfg, nil)
	if err != nil {
		return control.Reply{}, fmt.Errorf("dial %s: %w", flags.addr, err)
	}
	ch := transport.NewConnChannel(conn, cfg)
	defer ch.Close()

	raw, err := control.EncodeRequest(req)
	if err != nil {
		return control.Reply{}, err
	}
	if err := ch.SendFrame(ctx, raw); err != nil {
		return control.Reply{}, fmt.Errorf("send: %w", err)
	}
	b, err := ch.RecvFrame(ctx)
	if err != nil {
		return control.Reply{}, fmt.Errorf("receive: %w", err)
	}
	rep, err := control.DecodeReply(b)
	if err != nil {
		return control.Reply{}, err
	}
	if rep.MessageID != req.MessageID {
		return control.Reply{}, fmt.Errorf("reply for message %d, expected %d", rep.MessageID, req.MessageID)
	}
	return rep, nil
}

type replyView struct {
	MessageID     uint64 `json:"message_id"`
	Reply         string `json:"reply"`
	State         string `json:"state"`
	Reason        string `json:"reason,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	ConfigVersion uint32 `json:"config_version,omitempty"`
	Info          any    `json:"info,omitempty"`
}

func printReply(w io.Writer, rep control.Reply, asJSON bool) error {
	view := replyView{
		MessageID:     rep.MessageID,
		Reply:         rep.Code.String(),
		State:         rep.State.String(),
		Reason:        rep.Reason,
		UserID:        rep.UserID,
		ConfigVersion: rep.ConfigVersion,
	}
	if rep.Code == control.RepGotInfo {
		view.Info = describeInfo(rep.Info)
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	_, err := fmt.Fprintf(w, "%s state=%s", view.Reply, view.State)
	if err != nil {
		return err
	}
	switch {
	case view.Reason != "":
		_, err = fmt.Fprintf(w, " reason=%q", view.Reason)
	case view.UserID != "":
		_, err = fmt.Fprintf(w, " user=%q", view.UserID)
	case rep.Code == control.RepConfigSet:
		_, err = fmt.Fprintf(w, " config_version=%d", view.ConfigVersion)
	case view.Info != nil:
		_, err = fmt.Fprintf(w, " info=%v", view.Info)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w)
	return err
}

// describeInfo decodes a simulated robot description when the blob is one,
// and falls back to the raw text otherwise.
func describeInfo(blob []byte) any {
	if d, err := sim.DecodeInfo(blob); err == nil && d.ID != "" {
		return d
	}
	return string(blob)
}
