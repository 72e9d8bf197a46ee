// Command mesh-credtool issues, revokes, and checks peer credentials against
// the shared registry. Gateways configured with --require-credential accept
// only auth frames carrying a credential minted here.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mudvault/mesh/auth"
	"github.com/mudvault/mesh/internal/cmdutil"
	meshversion "github.com/mudvault/mesh/internal/version"
	"github.com/mudvault/mesh/registry"
	"github.com/mudvault/mesh/wire"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// openRegistry is swapped in tests to run against the in-memory registry.
var openRegistry = func(ctx context.Context, addr string, password string, db int) (registry.Registry, error) {
	return registry.NewRedis(ctx, registry.RedisOptions{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type issued struct {
	Version    string `json:"version"`
	Mud        string `json:"mud"`
	Credential string `json:"credential"`
}

type revoked struct {
	Version string `json:"version"`
	Mud     string `json:"mud"`
	Revoked bool   `json:"revoked"`
}

type checked struct {
	Version string `json:"version"`
	Mud     string `json:"mud"`
	Valid   bool   `json:"valid"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	showVersion := false
	pretty := false

	redisAddr := cmdutil.EnvString("MESH_CREDTOOL_REDIS_ADDR", "127.0.0.1:6379")
	redisPassword := cmdutil.EnvString("MESH_CREDTOOL_REDIS_PASSWORD", "")
	redisDB, err := cmdutil.EnvInt("MESH_CREDTOOL_REDIS_DB", 0)
	if err != nil {
		fmt.Fprintf(stderr, "invalid MESH_CREDTOOL_REDIS_DB: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("mesh-credtool", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "redis address of the shared registry (env: MESH_CREDTOOL_REDIS_ADDR)")
	fs.StringVar(&redisPassword, "redis-password", redisPassword, "redis AUTH password (env: MESH_CREDTOOL_REDIS_PASSWORD)")
	fs.IntVar(&redisDB, "redis-db", redisDB, "redis logical database (env: MESH_CREDTOOL_REDIS_DB)")
	fs.BoolVar(&pretty, "pretty", false, "indent JSON output")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: mesh-credtool [flags] issue|revoke|check <mud-name> [credential]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, meshversion.String(version, commit, date))
		return 0
	}

	usageErr := func(msg string) int {
		if msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		fs.Usage()
		return 2
	}

	rest := fs.Args()
	if len(rest) < 2 {
		return usageErr("missing command or mud name")
	}
	command := rest[0]
	mudName := rest[1]
	if err := wire.ValidateName(mudName); err != nil {
		return usageErr(fmt.Sprintf("invalid mud name %q: %v (try %q)", mudName, err, wire.SuggestName(mudName)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg, err := openRegistry(ctx, redisAddr, redisPassword, redisDB)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer reg.Close()
	store := auth.NewStore(reg)

	switch command {
	case "issue":
		credential, err := store.Issue(ctx, mudName)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		_ = cmdutil.WriteJSON(stdout, issued{Version: version, Mud: mudName, Credential: credential}, pretty)
		return 0
	case "revoke":
		if err := store.Revoke(ctx, mudName); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		_ = cmdutil.WriteJSON(stdout, revoked{Version: version, Mud: mudName, Revoked: true}, pretty)
		return 0
	case "check":
		if len(rest) < 3 {
			return usageErr("check requires a credential argument")
		}
		valid := store.Validate(ctx, mudName, rest[2])
		_ = cmdutil.WriteJSON(stdout, checked{Version: version, Mud: mudName, Valid: valid}, pretty)
		if !valid {
			return 1
		}
		return 0
	default:
		return usageErr("unknown command: " + command)
	}
}
