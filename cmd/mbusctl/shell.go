package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/CiaranWoodward/mbus/client"
	"github.com/CiaranWoodward/mbus/files"
	"github.com/CiaranWoodward/mbus/msg"
	"github.com/CiaranWoodward/mbus/protocol"
	"github.com/CiaranWoodward/mbus/spawn"
)

// How long a spawned module gets to connect
const spawnTimeout = time.Minute

type shell struct {
	bus   *client.Client
	out   *printer
	dirs  *files.DirectoryService
	xfer  *files.TransferService
	spawn *spawn.Spawner

	// Type on which remote listings come back to us
	listingType msg.TypeID
}

// Install the listing handler and dispatch inbound traffic in the background
func (sh *shell) start(ctx context.Context) error {
	t, err := sh.bus.FindTypeByName(ctx, fmt.Sprintf("mbusctl_%d_dirs", sh.bus.ID()))
	if err != nil {
		return err
	}
	sh.listingType = t
	sh.dirs.OnListing(t, func(from msg.ModuleID, r protocol.DirReply) {
		if r.Failed {
			sh.out.fail(fmt.Errorf("listing from module %d: %w", from, msg.ErrOpenFailed))
			return
		}
		sh.out.print(listingOutput{From: from, Kind: r.Kind.String(), Entries: r.Entries},
			"Listing from %d (%s): %s", from, r.Kind, strings.Join(r.Entries, " "))
	})
	go sh.bus.Run(ctx, 0, nil)
	return nil
}

type listingOutput struct {
	From    msg.ModuleID `json:"from"`
	Kind    string       `json:"kind"`
	Entries []string     `json:"entries"`
}

type messageOutput struct {
	From    msg.ModuleID `json:"from"`
	Type    msg.TypeID   `json:"type"`
	Payload string       `json:"payload"`
}

type idOutput struct {
	Name string `json:"name"`
	ID   int32  `json:"id"`
}

type okOutput struct {
	Command string `json:"ok"`
}

func printHelp() {
	log.Println("Interactive Help:")
	log.Println(" id")
	log.Println("\t- Get the module ID of this client")
	log.Println(" list")
	log.Println("\t- List every connected module")
	log.Println(" find <name>")
	log.Println("\t- Get the ID of the module called name")
	log.Println(" type <name>")
	log.Println("\t- Get the ID of a message type, creating it if needed")
	log.Println(" listen <type name>")
	log.Println("\t- Print messages of the type, and receive its by-type deliveries")
	log.Println(" send <module ID|module name|all|bytype|bounce> <type name> :<ASCII Message>")
	log.Println("\t- Send a message via the broker.")
	log.Println("\t  Eg: send all chat :Hello there!")
	log.Println(" ls <host> <path> [files]")
	log.Println("\t- List the subdirectories, or readable files, of path on host")
	log.Println(" get <host> <remote path> <local path>")
	log.Println(" put <host> <local path> <remote path>")
	log.Println("\t- Copy a file from or to the file daemon of host")
	log.Println(" spawn <module name> [host] [unique]")
	log.Println("\t- Start the module on host unless it is already connected")
	log.Println(" quit")
}

func (sh *shell) interactive(ctx context.Context, in io.Reader) {
	printHelp()
	scanner := bufio.NewScanner(in)
	for ctx.Err() == nil {
		fmt.Print(">")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		split := strings.SplitN(line, " ", 2)
		command := split[0]
		args := ""
		if len(split) == 2 {
			args = strings.TrimSpace(split[1])
		}
		if command == "" {
			continue
		}
		if command == "quit" {
			return
		}
		if err := sh.run(ctx, command, args); err != nil {
			sh.out.fail(err)
		}
	}
}

func (sh *shell) run(ctx context.Context, command, args string) error {
	fields := strings.Fields(args)
	switch command {
	case "help":
		printHelp()
		return nil

	case "id":
		sh.out.print(idOutput{Name: sh.bus.Name(), ID: int32(sh.bus.ID())}, "My ID: %d", sh.bus.ID())
		return nil

	case "list":
		mods, err := sh.bus.ListConnected(ctx)
		if err != nil {
			return err
		}
		if sh.out.json {
			sh.out.print(mods, "")
			return nil
		}
		for _, m := range mods {
			sh.out.print(m, "%4d  %-24s %s", m.ID, m.Name, m.Host)
		}
		return nil

	case "find":
		if len(fields) != 1 {
			return fmt.Errorf("usage: find <name>")
		}
		m, err := sh.bus.FindModule(ctx, fields[0])
		if err != nil {
			return err
		}
		sh.out.print(m, "%s: %d on %s", m.Name, m.ID, m.Host)
		return nil

	case "type":
		if len(fields) != 1 {
			return fmt.Errorf("usage: type <name>")
		}
		t, err := sh.bus.FindTypeByName(ctx, fields[0])
		if err != nil {
			return err
		}
		sh.out.print(idOutput{Name: fields[0], ID: int32(t)}, "%s: %d", fields[0], t)
		return nil

	case "listen":
		if len(fields) != 1 {
			return fmt.Errorf("usage: listen <type name>")
		}
		return sh.listen(ctx, fields[0])

	case "send":
		return sh.send(ctx, args)

	case "ls":
		if len(fields) < 2 || len(fields) > 3 {
			return fmt.Errorf("usage: ls <host> <path> [files]")
		}
		kind := protocol.Directory
		if len(fields) == 3 && fields[2] == "files" {
			kind = protocol.File
		}
		l, err := sh.dirs.ListEntries(ctx, fields[0], fields[1], kind, sh.listingType)
		if err != nil {
			return err
		}
		if !l.Pending {
			sh.out.print(listingOutput{From: sh.bus.ID(), Kind: kind.String(), Entries: l.Entries},
				"%s", strings.Join(l.Entries, " "))
		}
		return nil

	case "get", "put":
		if len(fields) != 3 {
			return fmt.Errorf("usage: %s <host> <source> <destination>", command)
		}
		host := fields[0]
		dir, local, remote := protocol.Get, fields[2], fields[1]
		if command == "put" {
			dir, local, remote = protocol.Put, fields[1], fields[2]
		}
		if err := sh.xfer.Transfer(ctx, dir, host, local, remote); err != nil {
			return err
		}
		sh.out.print(okOutput{Command: command}, "Success!")
		return nil

	case "spawn":
		if len(fields) < 1 || len(fields) > 3 {
			return fmt.Errorf("usage: spawn <module name> [host] [unique]")
		}
		name, host := fields[0], ""
		if len(fields) > 1 {
			host = fields[1]
		}
		unique := len(fields) == 3 && fields[2] == "unique"
		res := sh.spawn.EnsureRunningAsync(ctx, name, host, unique, spawnTimeout)
		go func() {
			if err := <-res; err != nil {
				sh.out.fail(err)
				return
			}
			sh.out.print(okOutput{Command: "spawn"}, "%s is running", name)
		}()
		return nil
	}
	return fmt.Errorf("unrecognised command %q", command)
}

func (sh *shell) listen(ctx context.Context, name string) error {
	t, err := sh.bus.FindTypeByName(ctx, name)
	if err != nil {
		return err
	}
	if err := sh.bus.RegisterType(ctx, t); err != nil {
		return err
	}
	sh.bus.AddTypeCallback(t, client.HandlerFunc(func(m *msg.Message) {
		sh.out.print(messageOutput{From: m.From, Type: m.Type, Payload: string(m.Payload)},
			"Rx from %d [%s]: %s", m.From, name, m.Payload)
	}))
	sh.out.print(okOutput{Command: "listen"}, "Listening for %s (%d)", name, t)
	return nil
}

func (sh *shell) send(ctx context.Context, args string) error {
	dest, text, err := sendCommandParse(args)
	if err != nil {
		return err
	}
	to, err := sh.resolveDest(ctx, dest[0])
	if err != nil {
		return err
	}
	t, err := sh.bus.FindTypeByName(ctx, dest[1])
	if err != nil {
		return err
	}
	if err := sh.bus.Send(&msg.Message{To: to, Type: t, Payload: text}); err != nil {
		return err
	}
	sh.out.print(okOutput{Command: "send"}, "Success!")
	return nil
}

func (sh *shell) resolveDest(ctx context.Context, dest string) (msg.ModuleID, error) {
	switch dest {
	case "all":
		return msg.Broadcast, nil
	case "bytype":
		return msg.ByType, nil
	case "bounce":
		return msg.Bounce, nil
	}
	if i, err := strconv.ParseInt(dest, 10, 32); err == nil {
		return msg.ModuleID(i), nil
	}
	return sh.bus.FindModuleByName(ctx, dest)
}

// Split "<dest> <type> :<text>" into its two words and the message
func sendCommandParse(args string) (words []string, text []byte, err error) {
	split := strings.SplitN(args, ":", 2)
	if len(split) != 2 {
		return nil, nil, fmt.Errorf("send command invalid format")
	}
	words = strings.Fields(split[0])
	if len(words) != 2 {
		return nil, nil, fmt.Errorf("send command invalid format")
	}
	return words, []byte(split[1]), nil
}
