package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/golang/glog"

	"github.com/bringyour/kittens/kitten"
)

const KittenCtlVersion = "0.0.1"

const DefaultBaseUrl = "http://localhost:6565/"
const DefaultApiUrl = "http://localhost:6565"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Kitten control.

The default urls are:
    base_url: %s
    api_url: %s

Usage:
    kittenctl watch [--base_url=<base_url>] [--path=<path>]
        [--config=<config>]
        [--metrics_port=<metrics_port>]
        [--v=<level>]
    kittenctl publish [--api_url=<api_url>] --revision=<revision>
        [--author=<author>]
        [--date=<date>]
        [--comment=<comment>]
        [--kitten=<email>...]
    kittenctl snapshot [--api_url=<api_url>]
    kittenctl status [--api_url=<api_url>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --base_url=<base_url>            Page url the stream path is resolved against.
    --path=<path>                    Stream path. Defaults to the config path, then %s.
    --config=<config>                Yaml config. The client section is used.
    --metrics_port=<metrics_port>    Serve /metrics on this port.
    --v=<level>                      Log verbosity [default: 0].
    --api_url=<api_url>
    --revision=<revision>
    --author=<author>
    --date=<date>                    Defaults to now.
    --comment=<comment>
    --kitten=<email>                 Affected kitten. When omitted the hub attributes the change.`,
		DefaultBaseUrl,
		DefaultApiUrl,
		strings.TrimPrefix(kitten.DefaultStreamPath, "/"),
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], KittenCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if level, err := opts.String("--v"); err == nil {
		flag.Set("v", level)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if publish_, _ := opts.Bool("publish"); publish_ {
		publish(opts)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		snapshot(opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		status(opts)
	}
}

// follow the stream and print events until interrupted
func watch(opts docopt.Opts) {
	config := &kitten.Config{}
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		config, err = kitten.LoadConfig(configPath)
		if err != nil {
			panic(err)
		}
	}

	baseUrl := config.Client.BaseUrl
	if baseUrl_, err := opts.String("--base_url"); err == nil {
		baseUrl = baseUrl_
	}
	if baseUrl == "" {
		baseUrl = DefaultBaseUrl
	}
	path := config.Client.Path
	if path_, err := opts.String("--path"); err == nil {
		path = path_
	}
	if path == "" {
		path = strings.TrimPrefix(kitten.DefaultStreamPath, "/")
	}

	settings, err := config.Client.ClientSettings()
	if err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	if metricsPort, err := opts.Int("--metrics_port"); err == nil {
		registry := prometheus.NewRegistry()
		settings.Registerer = registry
		metricsServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", metricsPort),
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				Err.Printf("metrics error: %s\n", err)
			}
		}()
		defer metricsServer.Shutdown(context.Background())
	}

	view := newWatchView(term.IsTerminal(int(os.Stdout.Fd())))

	client, err := kitten.Connect(ctx, baseUrl, path, view, settings)
	if err != nil {
		Err.Printf("Invalid endpoint (%s).\n", err)
		return
	}
	defer client.Close()

	Out.Printf("watching %s\n", client.EndpointUrl())

	select {
	case <-ctx.Done():
	}
	view.finish()
	glog.Flush()
}

// renders model events. On a terminal the summary is redrawn in place.
type watchView struct {
	terminal bool

	stateLock sync.Mutex
	model     *kitten.Model
	connected bool
	// username -> change count, kept current by subscriptions
	badges map[string]int
}

func newWatchView(terminal bool) *watchView {
	return &watchView{
		terminal: terminal,
		badges:   map[string]int{},
	}
}

func (self *watchView) ModelDidLoad(model *kitten.Model, recentChanges []*kitten.Change, version kitten.Version) {
	kittens := model.Kittens()

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.model = model
		self.badges = map[string]int{}
		for _, k := range kittens {
			self.badges[k.Username()] = len(k.Revisions)
		}
	}()

	self.println(fmt.Sprintf("loaded version %s: %d kittens, %d changes", version, len(kittens), model.KittenChangeCount()))
	for _, k := range kittens {
		self.println(fmt.Sprintf("  %-12s %-20s %d", k.Username(), k.Name, len(k.Revisions)))
		// subscriptions are discarded on every load
		model.Subscribe(k, func(k *kitten.Kitten, change *kitten.Change) {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.badges[k.Username()] = len(k.Revisions)
		})
	}
	if latest := latestChange(recentChanges); latest != nil {
		self.println(fmt.Sprintf("  latest r%s by %s", latest.Revision, latest.Author))
	}
	self.status(model)
}

func (self *watchView) VersionDidChange(model *kitten.Model, previous kitten.Version, current kitten.Version) {
	self.println(fmt.Sprintf("server restarted (%s -> %s), state reloaded", previous, current))
}

func (self *watchView) KittenDidMakeChange(model *kitten.Model, k *kitten.Kitten, change *kitten.Change) {
	self.println(fmt.Sprintf("%s made r%s (%d total)", k.Username(), change.Revision, len(k.Revisions)))
}

func (self *watchView) ChangeDidArrive(change *kitten.Change, affectedEmails []string) {
	comment := change.Comment
	if i := strings.Index(comment, "\n"); 0 <= i {
		comment = comment[:i]
	}
	self.println(fmt.Sprintf("r%s %s %s", change.Revision, change.Author, comment))

	var model *kitten.Model
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		model = self.model
	}()
	if model != nil {
		self.status(model)
	}
}

func (self *watchView) SocketDidOpen(model *kitten.Model) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.connected = true
	}()
	self.status(model)
}

func (self *watchView) SocketDidClose(model *kitten.Model) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.connected = false
	}()
	if !self.terminal {
		self.println("disconnected")
	}
	self.status(model)
}

func (self *watchView) status(model *kitten.Model) {
	if !self.terminal {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state := "disconnected"
	if self.connected {
		state = "connected"
	}
	usernames := maps.Keys(self.badges)
	slices.Sort(usernames)
	badges := []string{}
	for _, username := range usernames {
		badges = append(badges, fmt.Sprintf("%s:%d", username, self.badges[username]))
	}
	fmt.Fprintf(
		os.Stdout,
		"\r\033[K[%s] %d kittens, %d changes %s",
		state,
		model.Len(),
		model.KittenChangeCount(),
		strings.Join(badges, " "),
	)
}

func (self *watchView) println(line string) {
	if self.terminal {
		fmt.Fprintf(os.Stdout, "\r\033[K")
	}
	Out.Println(line)
}

func (self *watchView) finish() {
	if self.terminal {
		fmt.Fprintln(os.Stdout)
	}
}

// the change with the highest revision
func latestChange(changes []*kitten.Change) *kitten.Change {
	var latest *kitten.Change
	for _, change := range changes {
		if latest == nil || kitten.CompareRevisions(latest.Revision, change.Revision) < 0 {
			latest = change
		}
	}
	return latest
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl_, err := opts.String("--api_url"); err == nil {
		return apiUrl_
	}
	return DefaultApiUrl
}

func publish(opts docopt.Opts) {
	revision, _ := opts.String("--revision")
	author, _ := opts.String("--author")
	comment, _ := opts.String("--comment")
	date, err := opts.String("--date")
	if err != nil || date == "" {
		date = time.Now().UTC().Format(time.RFC3339)
	}
	var emails []string
	if emails_, ok := opts["--kitten"].([]string); ok {
		emails = emails_
	}

	api := kitten.NewKittenApi(apiUrl(opts))
	defer api.Close()

	callback, results := kitten.NewBlockingApiCallback[*kitten.ChangeEnvelope]()
	api.PublishChange(
		&kitten.ChangeEnvelope{
			Change: &kitten.Change{
				Revision: kitten.ParseRevision(revision),
				Author:   author,
				Date:     date,
				Comment:  comment,
			},
			Kittens: emails,
		},
		callback,
	)

	select {
	case result := <-results:
		if result.Error != nil {
			Err.Printf("Change not published (%s).\n", result.Error)
			os.Exit(1)
		}
		Out.Printf("published r%s to %s\n", result.Result.Change.Revision, strings.Join(result.Result.Kittens, ", "))
	case <-time.After(30 * time.Second):
		Err.Printf("Change not published (timeout).\n")
		os.Exit(1)
	}
}

func snapshot(opts docopt.Opts) {
	api := kitten.NewKittenApi(apiUrl(opts))
	defer api.Close()

	connect, err := api.SnapshotSync()
	if err != nil {
		Err.Printf("Snapshot error (%s).\n", err)
		os.Exit(1)
	}

	// apply to a local model so the counts match what a watcher sees
	model := kitten.NewModelWithDefaults(nil)
	model.ApplyConnect(connect)

	Out.Printf("version %s: %d kittens, %d changes\n", model.Version(), model.Len(), model.KittenChangeCount())
	for _, k := range model.Kittens() {
		Out.Printf("  %-12s %-20s %d\n", k.Username(), k.Name, len(k.Revisions))
	}
	// newest revision first
	changes := model.RecentChanges()
	slices.SortStableFunc(changes, func(a *kitten.Change, b *kitten.Change) int {
		return kitten.CompareRevisions(b.Revision, a.Revision)
	})
	for _, change := range changes {
		Out.Printf("  r%s %s %s\n", change.Revision, change.Author, strings.Join(change.Kittens, ","))
	}
}

func status(opts docopt.Opts) {
	api := kitten.NewKittenApi(apiUrl(opts))
	defer api.Close()

	serverStatus, err := api.StatusSync()
	if err != nil {
		Err.Printf("Status error (%s).\n", err)
		os.Exit(1)
	}
	Out.Printf("%s version %s: %d kittens, %d sockets\n", serverStatus.Status, serverStatus.Version, serverStatus.KittenCount, serverStatus.SocketCount)
	// hub versions are ulids
	if epoch, err := kitten.ParseId(serverStatus.Version.String()); err == nil {
		Out.Printf("up since %s\n", epoch.Time().UTC().Format(time.RFC3339))
	}
}
