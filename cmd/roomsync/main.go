// roomsync serves live classroom rooms over websocket and a small REST API.
//
// Subcommands:
//
//	roomsync [--config file] [--env-file file]     run the server
//	roomsync token --participant id --role role   mint a join token
//	roomsync watch --url ws://host/ws --room id   follow a room from the terminal
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"roomsync/internal/app"
	"roomsync/internal/auth"
	"roomsync/internal/client"
	"roomsync/internal/config"
	"roomsync/internal/reconnect"
	"roomsync/pkg/types"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches to a subcommand. The server runs until ctx is cancelled.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "token":
			return runToken(args[1:], stdout)
		case "watch":
			return runWatch(ctx, args[1:], stdout)
		}
	}
	return runServe(ctx, args, stdout)
}

// commonFlags registers the configuration flags every subcommand shares
func commonFlags(flagSet *pflag.FlagSet) (configPath, envFile *string) {
	configPath = flagSet.String("config", os.Getenv(config.EnvPrefix+"CONFIG_FILE"), "path to a JSON or YAML config file")
	envFile = flagSet.String("env-file", "", "path to a .env file loaded before reading the environment")
	flagSet.BoolP("help", "h", false, "show help")
	return configPath, envFile
}

// parse parses args and reports whether help was requested
func parse(flagSet *pflag.FlagSet, args []string, stdout io.Writer) (bool, error) {
	flagSet.SetOutput(stdout)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(stdout, "Usage of %s:\n", flagSet.Name())
		flagSet.PrintDefaults()
		return true, nil
	}
	return false, nil
}

func loadConfig(configPath, envFile string) (*config.Config, error) {
	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			return nil, err
		}
	}
	return config.LoadConfigWithPrecedence(configPath), nil
}

func runServe(ctx context.Context, args []string, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("roomsync", pflag.ContinueOnError)
	configPath, envFile := commonFlags(flagSet)
	showVersion := flagSet.Bool("version", false, "print the version and exit")
	if help, err := parse(flagSet, args, stdout); help || err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintf(stdout, "roomsync %s\n", version)
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unknown command %q", flagSet.Arg(0))
	}

	cfg, err := loadConfig(*configPath, *envFile)
	if err != nil {
		return err
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	<-ctx.Done()
	log.Printf("Received shutdown signal, shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

func runToken(args []string, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("roomsync token", pflag.ContinueOnError)
	configPath, envFile := commonFlags(flagSet)
	participant := flagSet.String("participant", "", "participant ID (required)")
	name := flagSet.String("name", "", "display name (defaults to the participant ID)")
	role := flagSet.String("role", string(types.RoleStudent), "teacher or student")
	rooms := flagSet.StringSlice("room", nil, "room IDs the token admits (repeatable, * for any)")
	ttl := flagSet.Duration("ttl", 0, "token lifetime (defaults to the configured auth TTL)")
	if help, err := parse(flagSet, args, stdout); help || err != nil {
		return err
	}

	if *participant == "" {
		return errors.New("--participant is required")
	}
	if len(*rooms) == 0 {
		return errors.New("at least one --room is required")
	}
	r := types.Role(strings.ToLower(*role))
	if !types.IsValidRole(r) {
		return fmt.Errorf("invalid role %q", *role)
	}
	if *name == "" {
		*name = *participant
	}

	cfg, err := loadConfig(*configPath, *envFile)
	if err != nil {
		return err
	}
	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.Auth.TokenTTL
	}

	signer, err := auth.NewSigner(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	token, err := signer.Sign(*participant, *name, r, *rooms, lifetime)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func runWatch(ctx context.Context, args []string, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("roomsync watch", pflag.ContinueOnError)
	configPath, envFile := commonFlags(flagSet)
	url := flagSet.String("url", "ws://localhost:8080/ws", "websocket endpoint")
	room := flagSet.String("room", "", "room ID (required)")
	token := flagSet.String("token", "", "join token (required)")
	codec := flagSet.String("codec", "json", "frame codec: json or cbor")
	if help, err := parse(flagSet, args, stdout); help || err != nil {
		return err
	}
	if *room == "" || *token == "" {
		return errors.New("--room and --token are required")
	}

	cfg, err := loadConfig(*configPath, *envFile)
	if err != nil {
		return err
	}

	c, err := client.New(client.Config{
		URL:    *url,
		RoomID: *room,
		Token:  *token,
		Codec:  *codec,
		Policy: cfg.Reconnect.Policy(),
	})
	if err != nil {
		return err
	}
	defer c.Close()

	c.OnStatusChange(func(state reconnect.State) {
		if state.LastError != nil {
			fmt.Fprintf(stdout, "%s status %s attempt=%d err=%v\n", time.Now().Format(time.TimeOnly), state.Status, state.Attempt, state.LastError)
			return
		}
		fmt.Fprintf(stdout, "%s status %s\n", time.Now().Format(time.TimeOnly), state.Status)
	})
	c.OnEvent(func(env *types.Envelope) {
		fmt.Fprintf(stdout, "%s %s from=%s %s\n", env.Timestamp.Format(time.TimeOnly), env.EventType, env.SenderID, env.Payload)
	})

	connectCtx, cancel := context.WithTimeout(ctx, cfg.WebSocket.ReadTimeout)
	err = c.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "joined %s with %d participants\n", *room, len(c.Roster().Roster()))

	<-ctx.Done()
	return nil
}
