package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"bastion/pkg/auth"
	"bastion/pkg/clientsdk"
	"bastion/pkg/token"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "mint":
		return mint(args[1:], out)
	case "verify":
		return verify(args[1:], out)
	case "token-id":
		return tokenID(args[1:], out)
	case "invoke":
		return invoke(args[1:], out)
	case "servers":
		return listServers(args[1:], out)
	case "health":
		return health(args[1:], out)
	case "revoke-token":
		return revokeToken(args[1:], out)
	case "revoke-user":
		return revokeUser(args[1:], out)
	case "breakers":
		return listBreakers(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "gatectl commands:")
	fmt.Fprintln(out, "  mint --user-id svc-batch --roles analyst [--secret <hmac secret>]")
	fmt.Fprintln(out, "  verify --token <token> [--secret <hmac secret>] [--replay-window-sec 30]")
	fmt.Fprintln(out, "  token-id --token <token>")
	fmt.Fprintln(out, "  invoke --server reports --payload '{}' --as alice --roles analyst")
	fmt.Fprintln(out, "  servers --as alice --roles analyst")
	fmt.Fprintln(out, "  health")
	fmt.Fprintln(out, "  revoke-token (--token <token> | --token-id <id>) [--ttl-seconds n] --as root --roles security-admin")
	fmt.Fprintln(out, "  revoke-user --user-id frank --as root --roles security-admin")
	fmt.Fprintln(out, "  breakers --as root --roles security-admin")
	fmt.Fprintln(out, "common flags: --gateway http://localhost:8080 --timeout-sec 5 --service-token <token>")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// clientFlags carries the connection and identity flags shared by every
// subcommand that talks to a running gateway.
type clientFlags struct {
	gateway      *string
	asUser       *string
	roles        *string
	serviceToken *string
	authToken    *string
	timeoutSec   *int
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		gateway:      fs.String("gateway", "http://localhost:8080", "gateway base URL"),
		asUser:       fs.String("as", "", "identity for the X-User-Id header"),
		roles:        fs.String("roles", "", "comma-separated roles for the X-User-Roles header"),
		serviceToken: fs.String("service-token", "", "pre-minted service token"),
		authToken:    fs.String("auth-token", "", "bearer token for hs256 gateways"),
		timeoutSec:   fs.Int("timeout-sec", 5, "request timeout in seconds"),
	}
}

func (f clientFlags) build() *clientsdk.Client {
	c := clientsdk.NewClient(*f.gateway, time.Duration(*f.timeoutSec)*time.Second)
	c.UserID = strings.TrimSpace(*f.asUser)
	c.Roles = auth.SplitRoles(*f.roles)
	c.ServiceToken = strings.TrimSpace(*f.serviceToken)
	c.AuthToken = strings.TrimSpace(*f.authToken)
	return c
}

func resolveSecret(flagValue string) string {
	if s := strings.TrimSpace(flagValue); s != "" {
		return s
	}
	return strings.TrimSpace(os.Getenv("GATEWAY_SIGNING_SECRET"))
}

func mint(args []string, out io.Writer) error {
	fs := newFlagSet("mint")
	userID := fs.String("user-id", "", "subject for the minted token")
	roles := fs.String("roles", "", "comma-separated roles to embed")
	secret := fs.String("secret", "", "signing secret (defaults to GATEWAY_SIGNING_SECRET)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	tok, err := clientsdk.MintServiceToken(resolveSecret(*secret), *userID, auth.SplitRoles(*roles))
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	fmt.Fprintln(out, tok)
	return nil
}

func verify(args []string, out io.Writer) error {
	fs := newFlagSet("verify")
	tok := fs.String("token", "", "token to verify")
	secret := fs.String("secret", "", "signing secret (defaults to GATEWAY_SIGNING_SECRET)")
	windowSec := fs.Int("replay-window-sec", 0, "accept tokens up to this old (0 keeps the service default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	svc := token.NewService(resolveSecret(*secret))
	if *windowSec > 0 {
		svc.ReplayWindow = time.Duration(*windowSec) * time.Second
	}
	claims, err := svc.Verify(*tok)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	encoded, err := json.MarshalIndent(struct {
		UserID   string   `json:"user_id"`
		Roles    []string `json:"roles"`
		IssuedAt string   `json:"issued_at"`
		TokenID  string   `json:"token_id"`
	}{claims.UserID, claims.Roles, claims.IssuedAt.UTC().Format(time.RFC3339), token.TokenID(*tok)}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode claims: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

func tokenID(args []string, out io.Writer) error {
	fs := newFlagSet("token-id")
	tok := fs.String("token", "", "token to identify")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*tok) == "" {
		return errors.New("token required")
	}
	fmt.Fprintln(out, token.TokenID(*tok))
	return nil
}

func invoke(args []string, out io.Writer) error {
	fs := newFlagSet("invoke")
	cf := addClientFlags(fs)
	server := fs.String("server", "", "downstream server name")
	payload := fs.String("payload", "", "inline JSON payload")
	payloadFile := fs.String("payload-file", "", "read the payload from a file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*server) == "" {
		return errors.New("server required")
	}
	body := []byte(*payload)
	if *payloadFile != "" {
		raw, err := os.ReadFile(*payloadFile)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		body = raw
	}
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	res, err := cf.build().Invoke(context.Background(), *server, body)
	if err != nil {
		return fmt.Errorf("invoke: %w", err)
	}
	fmt.Fprintln(out, string(res.Payload))
	return nil
}

func listServers(args []string, out io.Writer) error {
	fs := newFlagSet("servers")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	list, err := cf.build().Servers(context.Background())
	if err != nil {
		return fmt.Errorf("servers: %w", err)
	}
	fmt.Fprintf(out, "accessible: %s\n", strings.Join(list.Accessible, ", "))
	fmt.Fprintf(out, "denied: %s\n", strings.Join(list.Denied, ", "))
	return nil
}

func health(args []string, out io.Writer) error {
	fs := newFlagSet("health")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	h, err := cf.build().GatewayHealth(context.Background())
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	fmt.Fprintf(out, "status: %s\ncache: %s\n", h.Status, h.Cache)
	if !h.Breakers.AllHealthy {
		fmt.Fprintf(out, "unhealthy breakers: %s\n", strings.Join(h.Breakers.Unhealthy, ", "))
	}
	return nil
}

func revokeToken(args []string, out io.Writer) error {
	fs := newFlagSet("revoke-token")
	cf := addClientFlags(fs)
	tok := fs.String("token", "", "token value to revoke")
	id := fs.String("token-id", "", "token id to revoke")
	ttl := fs.Int("ttl-seconds", 0, "marker lifetime (0 keeps the gateway default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	target := strings.TrimSpace(*id)
	if target == "" && strings.TrimSpace(*tok) != "" {
		target = token.TokenID(strings.TrimSpace(*tok))
	}
	if target == "" {
		return errors.New("token or token-id required")
	}
	if err := cf.build().RevokeToken(context.Background(), target, *ttl); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	fmt.Fprintf(out, "revoked %s\n", target)
	return nil
}

func revokeUser(args []string, out io.Writer) error {
	fs := newFlagSet("revoke-user")
	cf := addClientFlags(fs)
	userID := fs.String("user-id", "", "user whose tokens should all die")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*userID) == "" {
		return errors.New("user-id required")
	}
	if err := cf.build().RevokeUser(context.Background(), strings.TrimSpace(*userID)); err != nil {
		return fmt.Errorf("revoke user: %w", err)
	}
	fmt.Fprintf(out, "revoked all tokens for %s\n", strings.TrimSpace(*userID))
	return nil
}

func listBreakers(args []string, out io.Writer) error {
	fs := newFlagSet("breakers")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	stats, err := cf.build().Breakers(context.Background())
	if err != nil {
		return fmt.Errorf("breakers: %w", err)
	}
	if len(stats) == 0 {
		fmt.Fprintln(out, "no breakers created yet")
		return nil
	}
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := stats[name]
		fmt.Fprintf(out, "%-20s %-9s successes=%d failures=%d timeouts=%d rejects=%d\n",
			name, st.State, st.Successes, st.Failures, st.Timeouts, st.Rejects)
	}
	return nil
}
