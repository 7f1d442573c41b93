package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"corestore/internal/blob"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := blob.ItemKey("article", "a1", "attachment", "notes.txt")

	info, err := s.Put(ctx, key, strings.NewReader("hello"), blob.PutOptions{
		ContentType: "text/plain",
		Metadata:    map[string]string{"origin": "upload"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != key || info.Size != 5 || info.ContentType != "text/plain" {
		t.Fatalf("info: %+v", info)
	}

	got, rc, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" {
		t.Fatalf("content: %q", data)
	}
	if got.Metadata["origin"] != "upload" {
		t.Fatalf("metadata: %v", got.Metadata)
	}

	if _, err := s.Put(ctx, key, strings.NewReader("again"), blob.PutOptions{}); err == nil {
		t.Fatal("overwrite accepted")
	}
	if _, _, err := s.Get(ctx, "absent"); err == nil {
		t.Fatal("missing key resolved")
	}
}

func TestHeadDoesNotExposeContent(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.Put(ctx, "k", strings.NewReader("data"), blob.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	info, err := s.Head(ctx, "k")
	if err != nil || info.Size != 4 {
		t.Fatalf("head: %+v, %v", info, err)
	}
}

func TestListByItemPrefix(t *testing.T) {
	s := New()
	ctx := context.Background()

	keys := []string{
		blob.ItemKey("article", "a1", "attachment", "b.txt"),
		blob.ItemKey("article", "a1", "attachment", "a.txt"),
		blob.ItemKey("article", "a2", "attachment", "c.txt"),
	}
	for _, key := range keys {
		if _, err := s.Put(ctx, key, strings.NewReader("x"), blob.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	infos, err := s.List(ctx, blob.ItemPrefix("article", "a1"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("list count: %d", len(infos))
	}
	if infos[0].Key > infos[1].Key {
		t.Fatalf("list unordered: %v", infos)
	}
}

func TestDeleteReportsExistence(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.Put(ctx, "k", strings.NewReader("x"), blob.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	existed, err := s.Delete(ctx, "k")
	if err != nil || !existed {
		t.Fatalf("delete: %v, %v", existed, err)
	}
	existed, err = s.Delete(ctx, "k")
	if err != nil || existed {
		t.Fatalf("repeat delete: %v, %v", existed, err)
	}
}

func TestPresignUnsupported(t *testing.T) {
	s := New()
	_, err := s.PresignURL(context.Background(), "k", blob.SignedURLOptions{})
	if !errors.Is(err, blob.ErrUnsupported) {
		t.Fatalf("presign: %v", err)
	}
}
