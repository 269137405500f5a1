package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Neb-iyu/facetime-app/internal/adapters/rtc"
	"github.com/Neb-iyu/facetime-app/internal/adapters/signal"
	"github.com/Neb-iyu/facetime-app/internal/api"
	"github.com/Neb-iyu/facetime-app/internal/app"
	"github.com/Neb-iyu/facetime-app/internal/config"
	"github.com/Neb-iyu/facetime-app/internal/domain"
)

func main() {
	ctx, cancel := signalCtx()
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	client := api.NewClient(cfg.APIURL)
	if cfg.Token != "" {
		client.SetCredentials(domain.UserID(cfg.UserID), cfg.Token)
	} else {
		username := prompt("username: ")
		if _, err := client.Login(ctx, username, prompt("password: ")); err != nil {
			log.Fatal().Err(err).Msg("login failed")
		}
	}

	channel := signal.NewChannel(cfg.WSURL, client.Token(), signal.Options{
		ReconnectBase: cfg.ReconnectBase,
		ReconnectMax:  cfg.ReconnectMax,
		QueueLimit:    cfg.QueueLimit,
	})
	media := rtc.NewManager(channel, client, rtc.Options{
		StunServers:   cfg.StunServers,
		GatherTimeout: cfg.IceGatherTimeout,
		MidMapTimeout: cfg.MidMapTimeout,
	})
	engine := app.NewEngine(client, channel, media, client, &app.BellRinger{}, app.Options{
		RingTimeout: cfg.RingTimeout,
	})
	engine.Bind()
	engine.OnChange(func() {
		snap := engine.Snapshot()
		if snap.Call != nil {
			fmt.Printf("\r[%s] call %d, %d participant(s)\n> ", snap.State, snap.Call.ID, len(snap.Participants))
		}
	})
	channel.Connect(client.Token())

	fmt.Println("commands: users | call <id,...> | accept | reject | add <id> | mute audio|video on|off | leave | end | quit")
	runLoop(ctx, client, engine)

	engine.Cleanup()
	channel.Disconnect()
}

func signalCtx() (context.Context, context.CancelFunc) {
	return ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func prompt(label string) string {
	fmt.Print(label)
	sc := bufio.NewScanner(os.Stdin)
	if !sc.Scan() {
		return ""
	}
	return strings.TrimSpace(sc.Text())
}

func runLoop(ctx context.Context, client *api.Client, engine *app.Engine) {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := runCommand(ctx, client, engine, strings.Fields(strings.TrimSpace(line))); quit {
				return
			}
		}
	}
}

func runCommand(ctx context.Context, client *api.Client, engine *app.Engine, args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "quit", "exit":
		return true
	case "users":
		printUsers(ctx, client, engine)
	case "call":
		if len(args) < 2 {
			fmt.Println("usage: call <id,...>")
			return false
		}
		ids, err := parseIDs(args[1])
		if err != nil {
			fmt.Println(err)
			return false
		}
		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		call, err := engine.MakeCall(callCtx, ids)
		cancel()
		if err != nil {
			fmt.Println("call failed:", err)
			return false
		}
		fmt.Printf("ringing, call %d\n", call.ID)
	case "accept":
		acceptCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := engine.AcceptCall(acceptCtx)
		cancel()
		if err != nil {
			fmt.Println("accept failed:", err)
		}
	case "reject":
		snap := engine.Snapshot()
		if snap.Call == nil {
			fmt.Println("no incoming call")
			return false
		}
		if err := engine.RejectCall(snap.Call.ID); err != nil {
			fmt.Println("reject failed:", err)
		}
	case "add":
		if len(args) < 2 {
			fmt.Println("usage: add <id>")
			return false
		}
		id, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			fmt.Println("bad user id")
			return false
		}
		if err := engine.AddCallee(domain.UserID(id)); err != nil {
			fmt.Println("add failed:", err)
		}
	case "mute":
		if len(args) < 3 {
			fmt.Println("usage: mute audio|video on|off")
			return false
		}
		muted := args[2] == "on"
		if args[1] == "audio" {
			engine.SetAudioMuted(muted)
		} else {
			engine.SetVideoMuted(muted)
		}
	case "leave":
		if err := engine.LeaveCall(); err != nil {
			fmt.Println("leave failed:", err)
		}
	case "end":
		if err := engine.EndCall(); err != nil {
			fmt.Println("end failed:", err)
		}
	default:
		fmt.Println("unknown command:", args[0])
	}
	return false
}

func parseIDs(s string) ([]domain.UserID, error) {
	var ids []domain.UserID
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad user id %q", part)
		}
		ids = append(ids, domain.UserID(id))
	}
	return ids, nil
}

func printUsers(ctx context.Context, client *api.Client, engine *app.Engine) {
	usersCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	users, err := client.Users(usersCtx)
	cancel()
	if err != nil {
		fmt.Println("list users failed:", err)
		return
	}
	presence := engine.Presence()
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	for _, u := range users {
		status := u.Status
		if p, ok := presence[u.ID]; ok {
			status = p.Status
		}
		fmt.Printf("%4d  %-20s %s\n", u.ID, u.Name, status)
	}
}
