package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bridi/sealchat/config"
	"github.com/bridi/sealchat/crypto"
	"github.com/bridi/sealchat/globals"
	"github.com/bridi/sealchat/persistence"
	"github.com/bridi/sealchat/types"
)

// A very simple CLI tool for the administration of sealchat users and rooms.

var configPath = pflag.StringP("config", "c", "", "path to config file or directory")

func main() {
	log.SetFlags(0)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		log.Fatal("interrupted!")
	}()

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

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

	var cmdUsers = &cobra.Command{
		Use:   "users",
		Short: "Manage users",
	}
	var cmdUsersList = &cobra.Command{
		Use:   "list",
		Short: "List users",
		Long:  `list prints all users as JSON.`,
		Run: func(cmd *cobra.Command, args []string) {
			users, err := persister.Users()
			if err != nil {
				globals.AppLogger.Error("could not get users", "error", err)
				return
			}
			u, err := json.Marshal(users)
			if err != nil {
				globals.AppLogger.Error("could not marshal users", "error", err)
				return
			}
			fmt.Println(string(u))
		},
	}

	var (
		createEmail    string
		createFullName string
		createSurname  string
		createPassword string
		createAdmin    bool
	)
	var cmdUsersCreate = &cobra.Command{
		Use:   "create [username]",
		Short: "Create a user",
		Long: `create adds a user with the given username. The account is created
verified, so it can log in without the e-mail round trip.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if createPassword == "" || createEmail == "" {
				globals.AppLogger.Error("email and password are required")
				return
			}
			salt, err := crypto.NewSalt()
			if err != nil {
				globals.AppLogger.Error("could not generate salt", "error", err)
				return
			}
			hash, err := crypto.HashPassword(createPassword, salt)
			if err != nil {
				globals.AppLogger.Error("could not hash password", "error", err)
				return
			}
			user := &types.User{
				FullName:      createFullName,
				Surname:       createSurname,
				Email:         createEmail,
				Username:      args[0],
				PasswordHash:  hash,
				Salt:          salt,
				EmailVerified: true,
			}
			if err := persister.StoreUser(user); err != nil {
				globals.AppLogger.Error("could not store user", "error", err)
				return
			}
			if createAdmin {
				if err := persister.SetAdmin(user.ID, true); err != nil {
					globals.AppLogger.Error("could not set admin flag", "error", err)
					return
				}
			}
			fmt.Println(user.ID)
		},
	}
	cmdUsersCreate.Flags().StringVar(&createEmail, "email", "", "e-mail address")
	cmdUsersCreate.Flags().StringVar(&createFullName, "full-name", "", "full name")
	cmdUsersCreate.Flags().StringVar(&createSurname, "surname", "", "surname")
	cmdUsersCreate.Flags().StringVar(&createPassword, "password", "", "initial password")
	cmdUsersCreate.Flags().BoolVar(&createAdmin, "admin", false, "grant the admin role")

	var cmdUsersVerify = &cobra.Command{
		Use:   "verify [user id]",
		Short: "Mark a user's e-mail address as verified",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				globals.AppLogger.Error("invalid user id", "arg", args[0])
				return
			}
			if err := persister.SetEmailVerified(userID); err != nil {
				globals.AppLogger.Error("could not verify user", "error", err)
			}
		},
	}

	var cmdRooms = &cobra.Command{
		Use:   "rooms",
		Short: "Manage rooms",
	}
	var cmdRoomsList = &cobra.Command{
		Use:   "list",
		Short: "List rooms",
		Long:  `list prints all rooms, hidden ones included, as JSON.`,
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := persister.Rooms()
			if err != nil {
				globals.AppLogger.Error("could not get rooms", "error", err)
				return
			}
			r, err := json.Marshal(rooms)
			if err != nil {
				globals.AppLogger.Error("could not marshal rooms", "error", err)
				return
			}
			fmt.Println(string(r))
		},
	}
	var cmdRoomsPrune = &cobra.Command{
		Use:   "prune",
		Short: "Delete rooms without members",
		Long:  `prune removes every room with no persisted members. The lobby is kept.`,
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := persister.Rooms()
			if err != nil {
				globals.AppLogger.Error("could not get rooms", "error", err)
				return
			}
			pruned := 0
			for _, room := range rooms {
				if room.Name == "lobby" {
					continue
				}
				members, err := persister.RoomMembers(room.ID)
				if err != nil {
					globals.AppLogger.Error("could not get room members", "room_id", room.ID, "error", err)
					return
				}
				if len(members) > 0 {
					continue
				}
				if err := persister.DeleteRoom(room.ID); err != nil {
					globals.AppLogger.Error("could not delete room", "room_id", room.ID, "error", err)
					return
				}
				globals.AppLogger.Info("pruned room", "room_id", room.ID, "room", room.Name)
				pruned++
			}
			fmt.Println(pruned)
		},
	}

	var rootCmd = &cobra.Command{Use: "sealchat-admin"}
	rootCmd.AddCommand(cmdUsers, cmdRooms)
	cmdUsers.AddCommand(cmdUsersList, cmdUsersCreate, cmdUsersVerify)
	cmdRooms.AddCommand(cmdRoomsList, cmdRoomsPrune)
	_ = rootCmd.Execute()
}
