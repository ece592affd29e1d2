package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	webserv "github.com/sdw777/webserv"
)

func main() {
	def := webserv.DefaultConfig()

	configPath := flag.String("config", "", "TOML config file (flags override it)")
	addr := flag.String("addr", def.Addr, "IPv4 bind address")
	port := flag.Int("port", def.Port, "listen port [1024, 65535]")
	trigMode := flag.Int("trig", def.TrigMode, "trigger mode: bit0 conn ET, bit1 listen ET")
	timeoutMS := flag.Int("timeout", def.TimeoutMS, "idle connection timeout in ms, 0 disables")
	optLinger := flag.Bool("linger", def.OptLinger, "graceful close (SO_LINGER)")
	sqlHost := flag.String("sql-host", def.SqlHost, "MySQL host")
	sqlPort := flag.Int("sql-port", def.SqlPort, "MySQL port")
	sqlUser := flag.String("sql-user", def.SqlUser, "MySQL user")
	sqlPwd := flag.String("sql-pwd", def.SqlPwd, "MySQL password")
	dbName := flag.String("db", def.DbName, "MySQL database")
	connPool := flag.Int("sql-pool", def.ConnPoolSize, "SQL connection pool size")
	threads := flag.Int("threads", def.ThreadPoolSize, "worker pool size")
	openLog := flag.Bool("log", def.OpenLog, "enable logging")
	logLevel := flag.Int("log-level", def.LogLevel, "log level 0..3")
	logQueue := flag.Int("log-queue", def.LogQueueSize, "async log queue size, 0 = sync")
	logDir := flag.String("log-dir", def.LogDir, "log directory")
	srcDir := flag.String("src-dir", def.SrcDir, "document root (default ./resources)")
	flag.Parse()

	cfg := def
	if *configPath != "" {
		var err error
		if cfg, err = webserv.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %s\n", err.Error())
			os.Exit(1)
		}
	}
	// Flags the user actually set win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "port":
			cfg.Port = *port
		case "trig":
			cfg.TrigMode = *trigMode
		case "timeout":
			cfg.TimeoutMS = *timeoutMS
		case "linger":
			cfg.OptLinger = *optLinger
		case "sql-host":
			cfg.SqlHost = *sqlHost
		case "sql-port":
			cfg.SqlPort = *sqlPort
		case "sql-user":
			cfg.SqlUser = *sqlUser
		case "sql-pwd":
			cfg.SqlPwd = *sqlPwd
		case "db":
			cfg.DbName = *dbName
		case "sql-pool":
			cfg.ConnPoolSize = *connPool
		case "threads":
			cfg.ThreadPoolSize = *threads
		case "log":
			cfg.OpenLog = *openLog
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-queue":
			cfg.LogQueueSize = *logQueue
		case "log-dir":
			cfg.LogDir = *logDir
		case "src-dir":
			cfg.SrcDir = *srcDir
		}
	})

	var logger *webserv.Log
	if cfg.OpenLog {
		var err error
		logger, err = webserv.NewLog(cfg.LogLevel, cfg.LogDir, cfg.LogSuffix, cfg.LogQueueSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log: %s\n", err.Error())
			os.Exit(1)
		}
		defer logger.Close()
	}

	sqlPool, err := webserv.NewSqlPool(cfg.SqlHost, cfg.SqlPort, cfg.SqlUser, cfg.SqlPwd,
		cfg.DbName, cfg.ConnPoolSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sql pool: %s\n", err.Error())
		os.Exit(1)
	}
	defer sqlPool.Close()

	srv, err := webserv.NewServer(cfg, sqlPool, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server init: %s\n", err.Error())
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		srv.Stop()
	}()

	srv.Start()
}
