package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"
	_ "github.com/mattn/go-sqlite3"

	"github.com/codeshare/collab/pkg/persist"
	"github.com/codeshare/collab/pkg/viz"
)

// histviz renders the change history of a saved document as an SVG DAG.
// The input is either a snapshot database (-db and -room, optionally
// -snapshot to pick an old one) or a raw document dump given as a
// positional argument.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	dbVar := flag.String("db", "", "path to the snapshot database")
	roomVar := flag.String("room", "", "the room whose history to render")
	snapshotVar := flag.String("snapshot", "", "a specific snapshot id, defaults to the latest")
	outVar := flag.String("out", "history.svg", "the output file to write")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	var raw []byte
	switch {
	case *dbVar != "":
		if *roomVar == "" {
			return fmt.Errorf("-room is required with -db")
		}
		content, err := loadFromStore(*dbVar, *roomVar, *snapshotVar)
		if err != nil {
			return err
		}
		raw = content
	case flag.NArg() == 1:
		content, err := os.ReadFile(flag.Arg(0))
		if err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}
		raw = content
	default:
		return fmt.Errorf("expected -db and -room, or one positional argument: the file to read")
	}

	doc, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	slog.Info("loaded doc", "heads", doc.Heads())

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
	}

	if err := viz.RenderHistoryFile(raw, *outVar); err != nil {
		return err
	}
	slog.Info("rendered", "path", "file://"+*outVar)
	return nil
}

func loadFromStore(dbPath, room, snapshotID string) ([]byte, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	store, err := persist.NewSQLiteStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to init store: %w", err)
	}
	ctx := context.Background()
	if snapshotID != "" {
		return store.Get(ctx, snapshotID)
	}
	return store.Latest(ctx, room)
}
