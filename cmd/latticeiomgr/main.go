// Command latticeiomgr is the IO-manager process: given an instance name
// and (optionally) a socket fd inherited from a parent supervisor, it
// opens the named instance, starts its executor pool, and serves the SQL
// and REST connection handlers until an interrupt is received.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/latticedb/lattice/conf"
	"github.com/latticedb/lattice/conn/restconn"
	"github.com/latticedb/lattice/conn/sqlconn"
	"github.com/latticedb/lattice/dispatch"
	"github.com/latticedb/lattice/engine"
	"github.com/latticedb/lattice/engine/executor"
	"github.com/latticedb/lattice/engine/request"
	"github.com/latticedb/lattice/log"
)

// Exit codes, per the IO-manager's CLI/env surface.
const (
	exitSuccess       = 0
	exitInvalidConfig = 1
	exitLogInitFailed = 2
	exitInitFailed    = 3
)

var (
	instanceName   string
	configDir      string
	listenFD       int
	jwtSecretValue string
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:        "instance",
		Usage:       "instance name; resolves to <config-dir>/<instance>.yaml",
		Required:    true,
		Destination: &instanceName,
	},
	&cli.StringFlag{
		Name:        "config-dir",
		Usage:       "directory holding instance options files",
		Value:       "/etc/lattice",
		Destination: &configDir,
	},
	&cli.IntFlag{
		Name:        "listen-fd",
		Usage:       "inherited SQL listener socket fd (0 disables fd inheritance)",
		Value:       0,
		Destination: &listenFD,
	},
	&cli.StringFlag{
		Name:        "jwt-secret",
		Usage:       "HMAC secret signing REST bearer tokens",
		EnvVars:     []string{"LATTICE_JWT_SECRET"},
		Destination: &jwtSecretValue,
	},
}

func main() {
	app := &cli.App{
		Name:  "latticeiomgr",
		Usage: "lattice IO-manager connection process",
		Flags: flags,
		Action: func(c *cli.Context) error {
			os.Exit(run())
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInvalidConfig)
	}
}

// run performs the four-stage startup sequence the exit codes document,
// returning the code the process should exit with.
func run() int {
	optionsPath := conf.InstanceOptionsPath(configDir, instanceName)
	opt, err := conf.LoadInstanceOptions(optionsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return exitInvalidConfig
	}

	if err := log.Init(log.Config{
		Level:          opt.Logger.Level,
		LogFile:        opt.Logger.LogFile,
		DataDir:        opt.DataDir,
		Console:        opt.Logger.Console,
		JSONFormat:     opt.Logger.JSONFormat,
		MaxSizeMB:      opt.Logger.MaxSize,
		MaxBackups:     opt.Logger.MaxBackups,
		MaxAgeDays:     opt.Logger.MaxAge,
		Compress:       opt.Logger.Compress,
		LocalTime:      opt.Logger.LocalTime,
		TotalSizeCapMB: opt.Logger.TotalSizeCap,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "log init failed: %v\n", err)
		return exitLogInitFailed
	}
	defer log.Close()

	inst, err := openOrBootstrap(opt)
	if err != nil {
		log.Error("instance initialization failed", "error", err)
		return exitInitFailed
	}
	defer inst.Close()

	ex := executor.New(inst)
	metrics := dispatch.NewMetrics(nil)
	d := dispatch.New(opt.ExecutorWorkers, ex.Handle, metrics)
	defer d.Shutdown()

	ctx, cancel := rootContext()
	defer cancel()

	sqlListener, err := sqlListenerFor(opt)
	if err != nil {
		log.Error("failed to bind SQL listener", "error", err)
		return exitInitFailed
	}
	sqlSrv := sqlconn.NewServer(sqlListener, inst, d, noopSQLParser{}, noopSQLTranslator, log.Root())
	go func() {
		if err := sqlSrv.Serve(); err != nil {
			log.Error("SQL server stopped", "error", err)
		}
	}()

	restSrv := restconn.NewServer(inst, d, noopRESTParser{}, noopRESTTranslator,
		[]byte(jwtSecretValue), restconn.RowLimits{MaxRows: opt.MaxRestRows, MaxPayload: int64(opt.MaxRestPayload)},
		currentUnixTime)
	httpSrv := &http.Server{Addr: opt.RESTListenAddr, Handler: restSrv}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("REST server stopped", "error", err)
		}
	}()

	log.Info("latticeiomgr started", "instance", instanceName, "sql_addr", opt.SQLListenAddr, "rest_addr", opt.RESTListenAddr)

	<-ctx.Done()
	log.Info("shutting down")
	sqlListener.Close()
	_ = httpSrv.Shutdown(context.Background())
	return exitSuccess
}

// openOrBootstrap opens an already-initialized instance. Bootstrapping a
// brand new instance (which additionally needs a master key and the
// superuser's public key) is a separate one-time operation, not something
// this daemon's ordinary startup path performs.
func openOrBootstrap(opt conf.InstanceOptions) (*engine.Instance, error) {
	return engine.Open(engine.Options{
		DataDir:        opt.DataDir,
		CipherID:       opt.CipherID,
		OpenBlockCache: opt.OpenBlockCache,
		DataAreaSize:   uint32(opt.DataAreaSize),
		Logger:         log.Root(),
	})
}

func sqlListenerFor(opt conf.InstanceOptions) (net.Listener, error) {
	if listenFD > 0 {
		f := os.NewFile(uintptr(listenFD), "lattice-sql-listener")
		return net.FileListener(f)
	}
	return net.Listen("tcp", opt.SQLListenAddr)
}

// rootContext is cancelled on SIGINT/SIGTERM, the IO-manager's single
// interrupting signal.
func rootContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			log.Info("received signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func currentUnixTime() uint64 { return uint64(time.Now().Unix()) }

// noopSQLParser, noopSQLTranslator, noopRESTParser and noopRESTTranslator
// are placeholders for the external SQL parser collaborator: parsing SQL
// text into statements is explicitly outside this module's scope, so the
// real implementation is supplied by whatever deployment wires an actual
// parser in. Every request that reaches one of these simply fails with an
// "unconfigured" error rather than panicking.
type noopSQLParser struct{}

func (noopSQLParser) Parse(text string) ([]sqlconn.Statement, error) {
	return nil, fmt.Errorf("no SQL parser collaborator configured")
}

func noopSQLTranslator(userID uint32, database string, stmt sqlconn.Statement) (request.Request, error) {
	return nil, fmt.Errorf("no SQL parser collaborator configured")
}

type noopRESTParser struct{}

func (noopRESTParser) Parse(text string) (interface{}, error) {
	return nil, fmt.Errorf("no SQL parser collaborator configured")
}

func noopRESTTranslator(userID uint32, database string, parsed interface{}) (request.Request, error) {
	return nil, fmt.Errorf("no SQL parser collaborator configured")
}
