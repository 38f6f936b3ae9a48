package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/karstfell/muster/internal/models"
	"github.com/karstfell/muster/internal/protocol"
)

func TestFetchPagesAndDeduplicates(t *testing.T) {
	pages := map[string]string{
		"": `{"servers":[{"host":"192.0.2.1","port":2302},{"host":"192.0.2.2","port":2302}],"next":"p2"}`,
		// The first entry repeats a page-one address.
		"p2": `{"servers":[{"host":"192.0.2.1","port":2302},{"host":"192.0.2.3","port":2402}],"next":""}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pages[r.URL.Query().Get("cursor")])
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL, time.Second).FetchAddresses(context.Background())
	if err != nil {
		t.Fatalf("FetchAddresses() error: %v", err)
	}

	want := []models.Address{
		{Host: "192.0.2.1", Port: 2302},
		{Host: "192.0.2.2", Port: 2302},
		{Host: "192.0.2.3", Port: 2402},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("addresses mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchEmptyDirectoryIsValid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"servers":[],"next":""}`)
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL, time.Second).FetchAddresses(context.Background())
	if err != nil {
		t.Fatalf("FetchAddresses() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d addresses, want 0", len(got))
	}
}

func TestFetchFailingPageDiscardsEverything(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprint(w, `{"servers":[{"host":"192.0.2.1","port":2302}],"next":"p2"}`)
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL, time.Second).FetchAddresses(context.Background())
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("got %v, want ErrFetch", err)
	}
	if got != nil {
		t.Errorf("partial result surfaced: %v", got)
	}
}

func TestFetchBinaryPages(t *testing.T) {
	pageOne := protocol.EncodeDirectoryPage(&protocol.DirectoryPage{
		Next: "p2",
		Entries: []protocol.DirectoryEntry{
			{IP: net.IPv4(192, 0, 2, 10), Port: 2302},
		},
	})
	pageTwo := protocol.EncodeDirectoryPage(&protocol.DirectoryPage{
		Entries: []protocol.DirectoryEntry{
			{IP: net.IPv4(192, 0, 2, 11), Port: 2302},
		},
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", binaryContentType)
		if r.URL.Query().Get("cursor") == "p2" {
			_, _ = w.Write(pageTwo)
			return
		}
		_, _ = w.Write(pageOne)
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL, time.Second).FetchAddresses(context.Background())
	if err != nil {
		t.Fatalf("FetchAddresses() error: %v", err)
	}
	want := []models.Address{
		{Host: "192.0.2.10", Port: 2302},
		{Host: "192.0.2.11", Port: 2302},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("addresses mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchCorruptBinaryPageFails(t *testing.T) {
	page := protocol.EncodeDirectoryPage(&protocol.DirectoryPage{
		Entries: []protocol.DirectoryEntry{{IP: net.IPv4(192, 0, 2, 10), Port: 2302}},
	})
	page[len(page)-1] ^= 0xFF // break the checksum

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", binaryContentType)
		_, _ = w.Write(page)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, time.Second).FetchAddresses(context.Background()); !errors.Is(err, ErrFetch) {
		t.Fatalf("got %v, want ErrFetch", err)
	}
}

func TestFetchCursorLoopDetected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"servers":[],"next":"again"}`)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, time.Second).FetchAddresses(context.Background()); !errors.Is(err, ErrFetch) {
		t.Fatalf("got %v, want ErrFetch", err)
	}
}
