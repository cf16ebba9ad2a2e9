// Package blobtest holds the behaviour every blob backend must share.
package blobtest

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"writingstudy/internal/blob/core"
)

// Run exercises store against the core.Store contract. newStore must return
// an empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) core.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("put get head", func(t *testing.T) {
		store := newStore(t)
		info, err := store.Put(ctx, "exports/e1/participants.csv", strings.NewReader("id,condition\n"),
			core.PutOptions{ContentType: "text/csv", Metadata: map[string]string{"export": "e1"}})
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if info.Key != "exports/e1/participants.csv" || info.Size != int64(len("id,condition\n")) {
			t.Fatalf("unexpected info %+v", info)
		}
		got, rc, err := store.Get(ctx, "exports/e1/participants.csv")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		body, _ := io.ReadAll(rc)
		_ = rc.Close()
		if string(body) != "id,condition\n" || got.ContentType != "text/csv" {
			t.Fatalf("unexpected artifact %q %+v", body, got)
		}
		head, err := store.Head(ctx, "exports/e1/participants.csv")
		if err != nil || head.Metadata["export"] != "e1" {
			t.Fatalf("Head: %+v %v", head, err)
		}
	})

	t.Run("put is create only", func(t *testing.T) {
		store := newStore(t)
		if _, err := store.Put(ctx, "a.json", strings.NewReader("1"), core.PutOptions{}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if _, err := store.Put(ctx, "a.json", strings.NewReader("2"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
			t.Fatalf("expected ErrExists, got %v", err)
		}
	})

	t.Run("missing keys", func(t *testing.T) {
		store := newStore(t)
		if _, _, err := store.Get(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("Get: expected ErrNotFound, got %v", err)
		}
		if _, err := store.Head(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("Head: expected ErrNotFound, got %v", err)
		}
		removed, err := store.Delete(ctx, "nope")
		if err != nil || removed {
			t.Fatalf("Delete: %v %v", removed, err)
		}
	})

	t.Run("invalid keys", func(t *testing.T) {
		store := newStore(t)
		for _, key := range []string{"", "/abs", "../escape", "a/../../b"} {
			if _, err := store.Put(ctx, key, strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrInvalidKey) {
				t.Fatalf("key %q: expected ErrInvalidKey, got %v", key, err)
			}
		}
	})

	t.Run("list and delete", func(t *testing.T) {
		store := newStore(t)
		for _, key := range []string{"exports/b.csv", "exports/a.csv", "other/c.csv"} {
			if _, err := store.Put(ctx, key, strings.NewReader(key), core.PutOptions{}); err != nil {
				t.Fatalf("Put %s: %v", key, err)
			}
		}
		listed, err := store.List(ctx, "exports/")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(listed) != 2 || listed[0].Key != "exports/a.csv" || listed[1].Key != "exports/b.csv" {
			t.Fatalf("unexpected listing %+v", listed)
		}
		removed, err := store.Delete(ctx, "exports/a.csv")
		if err != nil || !removed {
			t.Fatalf("Delete: %v %v", removed, err)
		}
		listed, _ = store.List(ctx, "")
		if len(listed) != 2 {
			t.Fatalf("expected two remaining artifacts, got %+v", listed)
		}
	})

	t.Run("url", func(t *testing.T) {
		store := newStore(t)
		if _, err := store.Put(ctx, "exports/x.json", strings.NewReader("{}"), core.PutOptions{}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		link, err := store.URL(ctx, "exports/x.json", 0)
		if err != nil || !strings.Contains(link, "exports/x.json") {
			t.Fatalf("URL: %q %v", link, err)
		}
	})
}
