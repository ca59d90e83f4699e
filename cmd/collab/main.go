package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/codeshare/collab/pkg/awareness"
	"github.com/codeshare/collab/pkg/client"
	"github.com/codeshare/collab/pkg/document"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the relay address to connect to")
	roomVar := flag.String("room", "default", "the room to join")
	tokenVar := flag.String("token", "", "the identity token to present")
	nameVar := flag.String("name", "anonymous", "the display name to publish")
	colorVar := flag.String("color", "#1f77b4", "the cursor color to publish")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	baseUrl, err := url.Parse("http://" + *addrVar)
	if err != nil {
		return err
	}

	// one identity for both the doc actor and the awareness record, and
	// unique across every process so concurrent replicas never collide
	replicaID := uuid.NewString()

	doc, err := bootstrapDoc(baseUrl, *roomVar, *tokenVar, replicaID)
	if err != nil {
		return err
	}
	slog.Info("established base doc", "heads", doc.Heads())

	aw := awareness.NewStore(replicaID, awareness.DefaultStoreSettings())
	wsUrl := baseUrl.JoinPath("rooms", *roomVar, "sync")
	wsUrl.Scheme = "ws"
	session := client.NewSession(doc, aw, client.DefaultSessionSettings(wsUrl.String(), *roomVar, *tokenVar))

	doc.Subscribe(func(text string) {
		fmt.Printf("--- document (%d chars) ---\n%s\n", len([]rune(text)), text)
	})
	session.OnStatus(func(status client.Status) {
		slog.Info("connection status changed", "status", status, "pending", session.Pending())
	})
	aw.OnChange(func(records []awareness.Record) {
		names := make([]string, 0, len(records))
		for _, r := range records {
			names = append(names, r.State.Name)
		}
		slog.Info("present", "replicas", names)
	})
	session.SetAwareness(awareness.State{Name: *nameVar, Color: *colorVar})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		session.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		readCommands(ctx, doc, session, *nameVar, *colorVar)
		cancel()
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()

	tf := filepath.Join(os.TempDir(), doc.ActorID()+".doc")
	if err := os.WriteFile(tf, doc.Save(), 0o644); err != nil {
		return err
	}
	slog.Info("dumped", "dump", tf)
	return nil
}

func bootstrapDoc(baseUrl *url.URL, room, token, replicaID string) (*document.Doc, error) {
	req, err := http.NewRequest(http.MethodGet, baseUrl.JoinPath("rooms", room, "latest").String(), nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body from get: %w", err)
	}
	return document.Load(raw, replicaID)
}

// readCommands drives the document from stdin. Each line is one of:
//
//	i <pos> <text>   insert text at position
//	d <pos> <len>    delete len characters at position
//	c <pos>          move the published cursor
//	p                print the current text
//	q                quit
func readCommands(ctx context.Context, doc *document.Doc, session *client.Session, name, color string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.SplitN(strings.TrimSpace(scanner.Text()), " ", 3)
		switch fields[0] {
		case "i":
			if len(fields) != 3 {
				slog.Error("usage: i <pos> <text>")
				continue
			}
			pos, err := strconv.Atoi(fields[1])
			if err != nil {
				slog.Error("bad position", "err", err)
				continue
			}
			update, err := doc.ApplyLocalEdit(pos, 0, fields[2])
			if err != nil {
				slog.Error("failed to insert", "err", err)
				continue
			}
			session.Broadcast(update)
			session.SetAwareness(awareness.State{Name: name, Color: color, Cursor: pos + len([]rune(fields[2]))})
		case "d":
			if len(fields) != 3 {
				slog.Error("usage: d <pos> <len>")
				continue
			}
			pos, err1 := strconv.Atoi(fields[1])
			n, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil {
				slog.Error("bad position or length")
				continue
			}
			update, err := doc.ApplyLocalEdit(pos, n, "")
			if err != nil {
				slog.Error("failed to delete", "err", err)
				continue
			}
			session.Broadcast(update)
			session.SetAwareness(awareness.State{Name: name, Color: color, Cursor: pos})
		case "c":
			if len(fields) < 2 {
				slog.Error("usage: c <pos>")
				continue
			}
			pos, err := strconv.Atoi(fields[1])
			if err != nil {
				slog.Error("bad position", "err", err)
				continue
			}
			session.SetAwareness(awareness.State{Name: name, Color: color, Cursor: pos})
		case "p":
			text, err := doc.Text()
			if err != nil {
				slog.Error("failed to read text", "err", err)
				continue
			}
			fmt.Printf("--- document (%d chars) ---\n%s\n", len([]rune(text)), text)
		case "q":
			return
		case "":
		default:
			slog.Error("unknown command", "cmd", fields[0])
		}
	}
}
