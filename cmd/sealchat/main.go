package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"

	"github.com/bridi/sealchat/config"
	"github.com/bridi/sealchat/crypto"
	"github.com/bridi/sealchat/globals"
	"github.com/bridi/sealchat/mail"
	"github.com/bridi/sealchat/membership"
	"github.com/bridi/sealchat/persistence"
	"github.com/bridi/sealchat/registry"
	"github.com/bridi/sealchat/router"
	"github.com/bridi/sealchat/server"
	"github.com/bridi/sealchat/session"
	"github.com/bridi/sealchat/types"
)

const lobbyRoomName = "lobby"

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "localhost:8000", "service address (including port)")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key (optional)")
)

func main() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		log.Fatal("interrupted!")
	}()

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()
	log.SetFlags(0)

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if cfg.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	}

	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		panic(err)
	}
	defer persister.Close()

	custodian, err := crypto.NewCustodian(cfg.CryptoConfig.RSABits)
	if err != nil {
		panic(err)
	}

	sessions, err := session.NewStore(cfg)
	if err != nil {
		panic(err)
	}
	defer sessions.Close()
	gate, err := session.NewGate(sessions, cfg.SessionConfig.CacheSize)
	if err != nil {
		panic(err)
	}

	reg := registry.New(cfg.LimitsConfig.SendQueueSize)
	members := membership.New()
	rt := router.New(reg, members, persister)
	mailer := mail.New(cfg)

	if err := seedLobby(persister, custodian); err != nil {
		panic(err)
	}

	sweeper := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	_, err = sweeper.AddFunc(cfg.SessionConfig.SweepSpec, func() {
		n, err := sessions.Sweep()
		if err != nil {
			globals.AppLogger.Error("session sweep failed", "error", err)
			return
		}
		if n > 0 {
			globals.AppLogger.Info("swept expired sessions", "count", n)
		}
	})
	if err != nil {
		panic(err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	srv := server.New(cfg, persister, custodian, sessions, gate, reg, members, rt, mailer)
	http.Handle("/", srv.Routes())

	globals.AppLogger.Info("listening", "addr", *addr)
	if *sslCert != "" && *sslKey != "" {
		err = http.ListenAndServeTLS(*addr, *sslCert, *sslKey, nil)
	} else {
		err = http.ListenAndServe(*addr, nil)
	}
	globals.AppLogger.Error("stopped listening", "error", err)
}

// seedLobby makes sure the default public room exists, so fresh installs have
// a place to land.
func seedLobby(persister persistence.Persister, custodian *crypto.Custodian) error {
	_, err := persister.GetRoomByName(lobbyRoomName)
	if err == nil {
		return nil
	}
	if err != persistence.ErrNotFound {
		return err
	}
	key, err := custodian.NewSymmetricKey()
	if err != nil {
		return err
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	lobby := &types.Room{
		Name:         lobbyRoomName,
		Salt:         salt,
		SymmetricKey: key,
	}
	if err := persister.StoreRoom(lobby); err != nil {
		return err
	}
	globals.AppLogger.Info("created lobby room", "room_id", lobby.ID)
	return nil
}
