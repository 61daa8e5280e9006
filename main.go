// Command dokistry is a web interface for administering a docker registry.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/mjl-/bstore"
	"github.com/mjl-/sconf"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dokistry_panic_total",
		Help: "Number of unhandled panics, by server.",
	},
	[]string{
		"server",
	},
)

var metricRequest = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "dokistry_request_duration_seconds",
		Help:    "HTTP requests with operation, response code, and duration until response status code is written, in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 30, 120},
	},
	[]string{
		"method", // http method
		"op",     // operation, api call or web page
		"code",   // http response code
	},
)

// Config is the configuration file, in sconf format.
type Config struct {
	DataDir            string         `sconf:"optional" sconf-doc:"Directory to store the database with users and deletion log. Default data. Environment variable DOKISTRY_DATA_DIR takes precedence."`
	Registry           RegistryConfig `sconf-doc:"Docker registry to administer."`
	GarbageCollectHint string         `sconf:"optional" sconf-doc:"Command shown on the dashboard for reclaiming storage after deleting tags. Default is the registry garbage-collect command."`
}

type RegistryConfig struct {
	URL                string `sconf:"optional" sconf-doc:"Base URL of registry, e.g. https://registry.example.com. Required, unless set in environment variable REGISTRY_URL, which takes precedence."`
	Username           string `sconf:"optional" sconf-doc:"Username for HTTP basic authentication at the registry. Required, unless set in environment variable REGISTRY_USERNAME."`
	Password           string `sconf:"optional" sconf-doc:"Password for HTTP basic authentication at the registry. Required, unless set in environment variable REGISTRY_PASSWORD."`
	RequestTimeout     string `sconf:"optional" sconf-doc:"Timeout for each GET and HEAD request to the registry, e.g. 5s (default)."`
	DeleteTimeout      string `sconf:"optional" sconf-doc:"Timeout for each DELETE request to the registry, e.g. 10s (default)."`
	Concurrency        int    `sconf:"optional" sconf-doc:"Maximum number of requests to the registry in parallel. Default 8."`
	Retries            int    `sconf:"optional" sconf-doc:"Number of attempts for GET and HEAD requests, retried on network errors, server errors and rate limiting. Default 3."`
	InsecureSkipVerify bool   `sconf:"optional" sconf-doc:"Do not verify the TLS certificate of the registry."`
}

const defaultGCHint = "docker exec registry bin/registry garbage-collect /etc/docker/registry/config.yml --delete-untagged"

var configFile string
var config Config

// loadConfig parses the config file if present, and applies environment
// variables. The config file may be absent if the registry is configured through
// the environment.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	var c Config
	if _, err := os.Stat(path); err == nil || getenv("REGISTRY_URL") == "" {
		if err := sconf.ParseFile(path, &c); err != nil {
			return Config{}, err
		}
	}

	for _, e := range []struct {
		name string
		dst  *string
	}{
		{"REGISTRY_URL", &c.Registry.URL},
		{"REGISTRY_USERNAME", &c.Registry.Username},
		{"REGISTRY_PASSWORD", &c.Registry.Password},
		{"DOKISTRY_DATA_DIR", &c.DataDir},
	} {
		if v := getenv(e.name); v != "" {
			*e.dst = v
		}
	}

	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.GarbageCollectHint == "" {
		c.GarbageCollectHint = defaultGCHint
	}

	var missing []string
	if c.Registry.URL == "" {
		missing = append(missing, "URL")
	}
	if c.Registry.Username == "" {
		missing = append(missing, "Username")
	}
	if c.Registry.Password == "" {
		missing = append(missing, "Password")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing registry configuration: %s", strings.Join(missing, ", "))
	}
	if _, err := c.Registry.options(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// options returns the client options for the registry configuration.
func (c RegistryConfig) options() (ClientOptions, error) {
	opts := ClientOptions{
		URL:                c.URL,
		Username:           c.Username,
		Password:           c.Password,
		Concurrency:        c.Concurrency,
		Retries:            c.Retries,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"RequestTimeout", c.RequestTimeout, &opts.RequestTimeout},
		{"DeleteTimeout", c.DeleteTimeout, &opts.DeleteTimeout},
	} {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil || v <= 0 {
			return ClientOptions{}, fmt.Errorf("bad registry %s %q, must be positive duration like 5s", d.name, d.value)
		}
		*d.dst = v
	}
	if c.Concurrency < 0 || c.Retries < 0 {
		return ClientOptions{}, errors.New("registry Concurrency and Retries cannot be negative")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return ClientOptions{}, fmt.Errorf("registry URL %q must start with http:// or https://", c.URL)
	}
	return opts, nil
}

func xparseConfig() {
	c, err := loadConfig(configFile, os.Getenv)
	if err != nil {
		log.Fatalf("%v", err)
	}
	config = c
}

// xservice returns a service for the configured registry.
func xservice() *Service {
	opts, err := config.Registry.options()
	if err != nil {
		log.Fatalf("%v", err)
	}
	client, err := NewClient(opts)
	if err != nil {
		log.Fatalf("%v", err)
	}
	return NewService(client, opts.Concurrency)
}

var version = "(devel)"

func init() {
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		version = bi.Main.Version
	}
}

// Prints requests and responses.
var debugFlag bool

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dokistry serve [-addr localhost:8300] [-metricsaddr localhost:8301]")
	fmt.Fprintln(os.Stderr, "       dokistry describe >dokistry.conf")
	fmt.Fprintln(os.Stderr, "       dokistry testconfig")
	fmt.Fprintln(os.Stderr, "       dokistry user add username")
	fmt.Fprintln(os.Stderr, "       dokistry user delete username")
	fmt.Fprintln(os.Stderr, "       dokistry user list")
	fmt.Fprintln(os.Stderr, "       dokistry repos")
	fmt.Fprintln(os.Stderr, "       dokistry tags repository")
	fmt.Fprintln(os.Stderr, "       dokistry delete repository tag ...")
	fmt.Fprintln(os.Stderr, "       dokistry version")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: !term.IsTerminal(int(os.Stderr.Fd())), FullTimestamp: true})
	flag.Usage = usage
	flag.StringVar(&configFile, "config", "dokistry.conf", "path to configuration file")
	flag.BoolVar(&debugFlag, "debug", false, "enable debug logging, e.g. printing registry requests and responses")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
	}
	if debugFlag {
		log.SetLevel(log.DebugLevel)
	}

	ctx := context.Background()

	cmd, args := args[0], args[1:]
	switch cmd {
	case "serve":
		xparseConfig()
		serve(args)
	case "describe":
		if len(args) != 0 {
			flag.Usage()
		}
		example := Config{
			DataDir: "data",
			Registry: RegistryConfig{
				URL:            "https://registry.example.com",
				Username:       "admin",
				Password:       "secret",
				RequestTimeout: "5s",
				DeleteTimeout:  "10s",
				Concurrency:    8,
				Retries:        3,
			},
			GarbageCollectHint: defaultGCHint,
		}
		if err := sconf.Describe(os.Stdout, example); err != nil {
			log.Fatalf("describing config: %v", err)
		}
	case "testconfig":
		if len(args) != 0 {
			flag.Usage()
		}
		xparseConfig()
		fmt.Println("config OK")
	case "user":
		if len(args) == 0 {
			flag.Usage()
		}
		xparseConfig()
		database = xdb()
		defer database.Close()
		switch args[0] {
		case "add":
			if len(args) != 2 {
				flag.Usage()
			}
			pw, err := readPassword(os.Stdin)
			if err != nil {
				log.Fatalf("reading password: %v", err)
			}
			role, err := adduser(ctx, database, args[1], pw)
			if err != nil {
				log.Fatalf("adding user: %v", err)
			}
			fmt.Printf("user %s added with role %s\n", args[1], role)
		case "delete":
			if len(args) != 2 {
				flag.Usage()
			}
			if err := deluser(ctx, database, args[1]); err != nil {
				log.Fatalf("removing user from database: %v", err)
			}
		case "list":
			if len(args) != 1 {
				flag.Usage()
			}
			users, err := bstore.QueryDB[DBUser](ctx, database).SortAsc("Username").List()
			if err != nil {
				log.Fatalf("listing users: %v", err)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(tw, "USERNAME\tROLE\tCREATED")
			for _, u := range users {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", u.Username, u.Role, u.Created.Format(time.RFC3339))
			}
			tw.Flush()
		default:
			flag.Usage()
		}
	case "repos":
		if len(args) != 0 {
			flag.Usage()
		}
		xparseConfig()
		if err := listRepos(ctx, os.Stdout, xservice()); err != nil {
			log.Fatalf("listing repositories: %v", err)
		}
	case "tags":
		if len(args) != 1 {
			flag.Usage()
		}
		xparseConfig()
		if err := listTags(ctx, os.Stdout, xservice(), args[0]); err != nil {
			log.Fatalf("listing tags: %v", err)
		}
	case "delete":
		if len(args) < 2 {
			flag.Usage()
		}
		xparseConfig()
		database = xdb()
		ok, err := deleteTags(ctx, os.Stdout, xservice(), args[0], args[1:])
		database.Close()
		if err != nil {
			log.Fatalf("deleting tags: %v", err)
		} else if !ok {
			os.Exit(1)
		}
	case "version":
		if len(args) != 0 {
			flag.Usage()
		}
		fmt.Println(version)
	default:
		flag.Usage()
	}
}

// readPassword reads a password from the terminal without echo, or a line from
// stdin if it isn't a terminal.
func readPassword(f *os.File) ([]byte, error) {
	if term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(os.Stderr, "password: ")
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		return pw, err
	}
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

func xdb() *bstore.DB {
	if err := os.MkdirAll(config.DataDir, 0770); err != nil {
		log.Fatalf("creating data directory: %v", err)
	}
	db, err := bstore.Open(context.Background(), filepath.Join(config.DataDir, "dokistry.db"), &bstore.Options{Perm: 0660}, DBUser{}, DBDeletion{})
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	return db
}

func listRepos(ctx context.Context, w io.Writer, svc *Service) error {
	resp, err := svc.RepositoriesWithTags(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "REPOSITORY\tTAGS\tSIZE\t")
	var total int64
	for _, repo := range resp.Repositories {
		fmt.Fprintf(tw, "%s\t%d\t%s\t\n", repo.Name, len(repo.Tags), formatSize(repo.TotalSize))
		total += repo.TotalSize
	}
	fmt.Fprintf(tw, "total\t\t%s\t\n", formatSize(total))
	return tw.Flush()
}

func listTags(ctx context.Context, w io.Writer, svc *Service, repo string) error {
	if !validRepo(repo) {
		return fmt.Errorf("invalid repository name %q", repo)
	}
	digests, err := svc.TagsWithDigests(ctx, repo)
	if err != nil {
		return err
	}
	r, err := svc.Repository(ctx, repo)
	if err != nil {
		return err
	}
	sizes := map[string]TagSize{}
	for _, ts := range r.TagsWithSize {
		sizes[ts.Name] = ts
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "TAG\tDIGEST\tSIZE\tLAYERS")
	for _, td := range digests {
		ts := sizes[td.Tag]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", td.Tag, td.Digest, formatSize(ts.Size), ts.Layers)
	}
	return tw.Flush()
}

// deleteTags deletes tags and records them in the audit log. ok is false if
// any tag could not be deleted.
func deleteTags(ctx context.Context, w io.Writer, svc *Service, repo string, tags []string) (ok bool, rerr error) {
	if !validRepo(repo) {
		return false, fmt.Errorf("invalid repository name %q", repo)
	}
	result := svc.DeleteTags(ctx, repo, tags)
	if err := recordDeletions(ctx, "(cli)", repo, result); err != nil {
		return false, fmt.Errorf("recording deletions: %v", err)
	}
	for _, tag := range result.Success {
		fmt.Fprintf(w, "%s: deleted\n", tag)
	}
	for _, f := range result.Failed {
		fmt.Fprintf(w, "%s: %s\n", f.Tag, f.Error)
	}
	return len(result.Failed) == 0, nil
}

func logCheck(err error, format string, args ...any) {
	if err == nil {
		return
	}
	log.WithField("err", err).Errorf(format, args...)
}

func serve(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var addr, metricsAddr string
	fs.StringVar(&addr, "addr", "localhost:8300", "address to serve web interface and api on")
	fs.StringVar(&metricsAddr, "metricsaddr", "localhost:8301", "address to serve metrics on")
	fs.Parse(args)
	args = fs.Args()
	if len(args) != 0 {
		flag.Usage()
	}

	database = xdb()
	n, err := bstore.QueryDB[DBUser](context.Background(), database).Count()
	logCheck(err, "counting users")
	if err == nil && n == 0 {
		log.Warn("no users yet, add one with: dokistry user add username")
	}

	svc := xservice()

	metricsmux := http.NewServeMux()
	metricsmux.Handle("/metrics", promhttp.Handler())

	log.WithFields(log.Fields{
		"version":  version,
		"addr":     addr,
		"metrics":  metricsAddr,
		"registry": config.Registry.URL,
	}).Info("dokistry serving")
	go func() {
		log.Fatalln(http.ListenAndServe(metricsAddr, metricsmux))
	}()
	server := &http.Server{
		Addr:              addr,
		Handler:           newHandler(svc, config.GarbageCollectHint),
		ReadHeaderTimeout: 30 * time.Second,
	}
	log.Fatalln(server.ListenAndServe())
}

// newHandler returns the handler for the web interface and api.
func newHandler(svc *Service, gcHint string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/", api{svc})
	mux.Handle("/", web{svc, gcHint})
	return securityHeaders(mux)
}

// internal server error.
type serverErr struct {
	err error
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		panic(serverErr{fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)})
	}
}

// HTTP status codes, for html.go and api.go. The api also has type apiError for
// a JSON body with details.
type httpErr struct {
	code int
}

// For checking errors when writing HTTP responses, we don't want to log i/o
// errors, but we do want to see other errors, e.g. about template execution.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || isRemoteTLSError(err)
}

// A remote TLS client can send a message indicating failure, this makes it back to
// us as a write error.
func isRemoteTLSError(err error) bool {
	var netErr *net.OpError
	return errors.As(err, &netErr) && netErr.Op == "remote error"
}
