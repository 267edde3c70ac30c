// Package replicapool implements the Replica Pool (spec.md §4.3): short-lived
// connections to the read-only wiki replica SQL cluster under a strict
// "no idle persistent connections" policy, with credential discovery across
// environment variables and INI files.
//
// Connections are opened via database/sql + jmoiron/sqlx, the teacher's own
// persistence stack (internal/platform/database, go.mod requires
// jmoiron/sqlx and lib/pq). No MySQL/MariaDB driver — the real wire
// protocol for wiki replicas — appears anywhere in the retrieved example
// pack, so this package is written against database/sql's driver-agnostic
// interface and defaults to the pack's lib/pq stack; see DESIGN.md.
package replicapool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"gopkg.in/ini.v1"
)

// Kind selects which replica cluster to connect to.
type Kind string

const (
	// Analytics is the analytics replica cluster (heavier queries allowed).
	Analytics Kind = "analytics"
	// Web is the web replica cluster (latency-sensitive, lighter queries).
	Web Kind = "web"
)

// ErrConnectionRefused is returned by the hosted-environment safety gate
// when the resolved host does not end in the hosted suffix.
var ErrConnectionRefused = fmt.Errorf("replicapool: connection refused")

// Credentials holds a resolved username/password pair.
type Credentials struct {
	User string
	Pass string
}

// Environment abstracts environment-variable lookup so tests can inject a
// fake environment without mutating process state.
type Environment interface {
	Lookup(key string) (string, bool)
}

type osEnvironment struct{}

func (osEnvironment) Lookup(key string) (string, bool) { return os.LookupEnv(key) }

// OSEnvironment is the Environment backed by real process environment
// variables.
var OSEnvironment Environment = osEnvironment{}

// Options configures a Pool.
type Options struct {
	// Hosted reports whether the process runs in the hosted build-service
	// environment. When true, Connect enforces the hostname safety gate.
	Hosted bool
	// HostedSuffix is the required host suffix when Hosted is true.
	HostedSuffix string
	// DevHost/DevPort are the development-default SSH-forwarded endpoint,
	// used when no per-dbname override is configured and Hosted is false.
	DevHost string
	DevPort int
	// Env supplies environment-variable lookups; defaults to OSEnvironment.
	Env Environment
	// ToolDataDir, HomeDir, ProjectRoot are the INI search locations, in the
	// credential discovery order from spec.md §4.3 (after explicit env vars
	// and the hosted build-service env).
	ToolDataDir string
	HomeDir     string
	ProjectRoot string
}

// Pool opens and tears down replica connections under the idle-connection
// policy: min pool size 0, idle timeout ~5s, no persistent idle connections.
type Pool struct {
	opts Options
}

// New constructs a Pool.
func New(opts Options) *Pool {
	if opts.Env == nil {
		opts.Env = OSEnvironment
	}
	if opts.HostedSuffix == "" {
		opts.HostedSuffix = "db.svc.wikimedia.cloud"
	}
	if opts.DevHost == "" {
		opts.DevHost = "localhost"
	}
	return &Pool{opts: opts}
}

// Connect opens a short-lived connection to dbname's replica of the given
// Kind. The returned *sqlx.DB has a strict no-idle-connections policy
// applied; callers are responsible for closing it once their query is done.
func (p *Pool) Connect(ctx context.Context, dbname string, kind Kind) (*sqlx.DB, error) {
	host, port, err := p.resolveEndpoint(dbname, kind)
	if err != nil {
		return nil, err
	}

	if p.opts.Hosted && !strings.HasSuffix(host, p.opts.HostedSuffix) {
		return nil, fmt.Errorf("%w: host %q does not end in %q", ErrConnectionRefused, host, p.opts.HostedSuffix)
	}

	creds, err := p.discoverCredentials(dbname)
	if err != nil {
		return nil, fmt.Errorf("replicapool: credential discovery: %w", err)
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable connect_timeout=5",
		host, port, creds.User, creds.Pass, dbname)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("replicapool: open: %w", err)
	}

	// No idle persistent connections: minimum pool size 0, idle timeout ~5s.
	db.SetMaxIdleConns(0)
	db.SetConnMaxIdleTime(5 * time.Second)
	db.SetMaxOpenConns(4)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("replicapool: ping: %w", err)
	}

	return db, nil
}

func (p *Pool) resolveEndpoint(dbname string, kind Kind) (string, int, error) {
	if p.opts.Hosted {
		return fmt.Sprintf("%s.%s.%s", dbname, kind, p.opts.HostedSuffix), 3306, nil
	}

	upper := strings.ToUpper(dbname)
	if host, ok := p.opts.Env.Lookup("DISPATCH_TOOLSDB_HOST_" + upper); ok && host != "" {
		port := 3306
		if portStr, ok := p.opts.Env.Lookup("DISPATCH_TOOLSDB_PORT_" + upper); ok && portStr != "" {
			parsed, err := strconv.Atoi(portStr)
			if err != nil {
				return "", 0, fmt.Errorf("replicapool: bad DISPATCH_TOOLSDB_PORT_%s: %w", upper, err)
			}
			port = parsed
		}
		return host, port, nil
	}

	port := p.opts.DevPort
	if port == 0 {
		port = 4711
	}
	return p.opts.DevHost, port, nil
}

// discoverCredentials implements the discovery order from spec.md §4.3:
// explicit env, hosted build-service env, INI file in the tool data dir,
// INI in home, INI in project root. The first hit wins.
func (p *Pool) discoverCredentials(dbname string) (Credentials, error) {
	if user, ok := p.opts.Env.Lookup("DISPATCH_TOOLSDB_USER"); ok && user != "" {
		pass, _ := p.opts.Env.Lookup("DISPATCH_TOOLSDB_PASS")
		return Credentials{User: user, Pass: pass}, nil
	}

	if user, ok := p.opts.Env.Lookup("TOOL_TOOLSDB_USER"); ok && user != "" {
		pass, _ := p.opts.Env.Lookup("TOOL_TOOLSDB_PASS")
		return Credentials{User: user, Pass: pass}, nil
	}

	for _, dir := range []string{p.opts.ToolDataDir, p.opts.HomeDir, p.opts.ProjectRoot} {
		if dir == "" {
			continue
		}
		creds, ok, err := readReplicaINI(filepath.Join(dir, "replica.my.cnf"))
		if err != nil {
			return Credentials{}, err
		}
		if ok {
			return creds, nil
		}
	}

	return Credentials{}, fmt.Errorf("no credentials found for %s", dbname)
}

func readReplicaINI(path string) (Credentials, bool, error) {
	if _, err := os.Stat(path); err != nil {
		return Credentials{}, false, nil
	}
	cfg, err := ini.Load(path)
	if err != nil {
		return Credentials{}, false, fmt.Errorf("parse %s: %w", path, err)
	}
	section := cfg.Section("client")
	user := section.Key("user").String()
	pass := section.Key("password").String()
	if user == "" {
		return Credentials{}, false, nil
	}
	return Credentials{User: user, Pass: pass}, true, nil
}
