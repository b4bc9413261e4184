// Command bot joins a cipherchat room and answers a few commands when
// mentioned: ping, who, time and help.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aeolun/cipherchat/pkg/botlib"
)

func main() {
	server := flag.String("server", "localhost:5000", "Server address (host:port or ws:// URL)")
	identity := flag.String("identity", "[Bot] echo", "Identity announced to the room")
	randomIV := flag.Bool("random-iv", false, "Server uses hardened chat IVs (chat_random_iv)")
	greet := flag.Bool("greet", false, "Welcome sessions that join")
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags)
	bot := botlib.New(botlib.Config{
		Server:        *server,
		Identity:      *identity,
		HardenedIV:    *randomIV,
		Logger:        logger,
		HandleSignals: true,
	})

	bot.OnMention(func(ctx *botlib.Context, msg *botlib.Message) {
		command := strings.ToLower(strings.Fields(msg.MentionedContent() + " help")[0])
		ctx.Log("%s asked %q", ctx.Author(), command)

		var reply string
		switch command {
		case "ping":
			reply = "pong"
		case "who":
			members := ctx.Members()
			reply = fmt.Sprintf("%d known: %s", len(members), strings.Join(members, ", "))
		case "time":
			reply = time.Now().UTC().Format(time.RFC3339)
		default:
			reply = "commands: ping, who, time, help"
		}
		if err := ctx.Reply(reply); err != nil {
			ctx.Log("Reply failed: %v", err)
		}
	})

	if *greet {
		bot.OnJoin(func(ctx *botlib.Context, msg *botlib.Message) {
			ctx.Say("bienvenido, " + msg.Author)
		})
	}

	if err := bot.Run(); err != nil {
		logger.Fatalf("Bot error: %v", err)
	}
}
